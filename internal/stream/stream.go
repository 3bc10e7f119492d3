// Package stream normalizes provider-native response grammars into unified chunks.
package stream

import (
	"encoding/hex"
	"io"
	"time"

	"github.com/google/uuid"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
)

// Event is one upstream server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Stream is a lazy, finite, non-restartable sequence of unified chunks.
// Recv returns io.EOF once the upstream has completed.
type Stream interface {
	Recv() (models.Chunk, error)
	Close() error
}

// Extractor turns one provider grammar into unified chunks.
type Extractor interface {
	ExtractDeltas(ev Event) ([]models.Chunk, error)
	IsTerminal(ev Event) bool
	// Complete reports whether the upstream signalled a normal end of the
	// response, either through its end marker or a finish reason.
	Complete() bool
}

// Grammar identifies an upstream event grammar.
type Grammar int

const (
	GrammarOpenAI Grammar = iota
	GrammarAnthropic
	GrammarGoogle
)

func (g Grammar) String() string {
	switch g {
	case GrammarAnthropic:
		return "anthropic"
	case GrammarGoogle:
		return "google"
	default:
		return "openai"
	}
}

// ParseGrammar maps an api style name to a grammar. Unknown styles use the OpenAI grammar.
func ParseGrammar(style string) Grammar {
	switch style {
	case "anthropic", "claude":
		return GrammarAnthropic
	case "google", "gemini", "google-ai-studio", "google-vertex":
		return GrammarGoogle
	default:
		return GrammarOpenAI
	}
}

// Options configures extractor side channels.
type Options struct {
	// Now stamps synthesized tool-call ids.
	Now func() time.Time
	// Suffix returns the random component of synthesized tool-call ids.
	Suffix func() string
	// OnThoughtSignature is invoked for each observed continuation signature. It must not block.
	OnThoughtSignature func(toolCallID, signature string)
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Suffix == nil {
		o.Suffix = randomSuffix
	}
	return o
}

// NewExtractor selects the extractor variant for g. It is called once per upstream attempt.
func NewExtractor(g Grammar, opts Options) Extractor {
	opts = opts.withDefaults()
	switch g {
	case GrammarAnthropic:
		return newAnthropicExtractor()
	case GrammarGoogle:
		return newGoogleExtractor(opts)
	default:
		return newOpenAIExtractor()
	}
}

// NormalizeBody converts a whole, non-streamed upstream body into chunks.
func NormalizeBody(g Grammar, body []byte, opts Options) ([]models.Chunk, error) {
	opts = opts.withDefaults()
	switch g {
	case GrammarAnthropic:
		return normalizeAnthropicBody(body)
	case GrammarGoogle:
		return newGoogleExtractor(opts).ExtractDeltas(Event{Data: body})
	default:
		return normalizeOpenAIBody(body)
	}
}

func malformed(grammar string, err error) error {
	return apierr.Wrap(apierr.CodeMalformedUpstreamEvent, err, "malformed %s event", grammar)
}

func upstreamFailure(grammar, msg string) error {
	return apierr.New(apierr.CodeRetryableUpstream, "%s upstream error event: %s", grammar, msg)
}

func randomSuffix() string {
	id := uuid.New()
	return hex.EncodeToString(id[:4])
}

// SliceStream replays a fixed set of chunks, used for non-streaming upstreams.
type SliceStream struct {
	chunks []models.Chunk
	closer io.Closer
}

// NewSliceStream wraps chunks; closer may be nil.
func NewSliceStream(chunks []models.Chunk, closer io.Closer) *SliceStream {
	return &SliceStream{chunks: chunks, closer: closer}
}

func (s *SliceStream) Recv() (models.Chunk, error) {
	if len(s.chunks) == 0 {
		return models.Chunk{}, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *SliceStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
