package stream

import (
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
)

// EventStream pulls upstream events through an Extractor on demand.
type EventStream struct {
	provider string
	body     io.ReadCloser
	dec      *Decoder
	ext      Extractor
	logger   *zap.Logger

	pending   []models.Chunk
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewEventStream reads events from body. The stream owns body and closes it on Close.
func NewEventStream(provider string, body io.ReadCloser, ext Extractor, logger *zap.Logger) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStream{
		provider: provider,
		body:     body,
		dec:      NewDecoder(body),
		ext:      ext,
		logger:   logger,
	}
}

// Recv returns the next chunk in upstream arrival order.
func (s *EventStream) Recv() (models.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.done {
			return models.Chunk{}, io.EOF
		}

		ev, err := s.dec.Next()
		if errors.Is(err, io.EOF) {
			s.done = true
			if !s.ext.Complete() {
				return models.Chunk{}, apierr.Transport(s.provider, io.ErrUnexpectedEOF)
			}
			continue
		}
		if err != nil {
			s.done = true
			return models.Chunk{}, apierr.Transport(s.provider, err)
		}

		chunks, err := s.ext.ExtractDeltas(ev)
		if err != nil {
			if errors.Is(err, apierr.ErrMalformedUpstreamEvent) {
				s.logger.Warn("skipping malformed upstream event",
					zap.String("provider", s.provider),
					zap.String("event", ev.Name),
					zap.Error(err),
				)
				continue
			}
			s.done = true
			return models.Chunk{}, err
		}

		for _, c := range chunks {
			if !c.Empty() {
				s.pending = append(s.pending, c)
			}
		}
		if s.ext.IsTerminal(ev) {
			s.done = true
		}
	}
}

// Close releases the upstream body. It is safe to call more than once.
func (s *EventStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.body.Close()
	})
	return s.closeErr
}
