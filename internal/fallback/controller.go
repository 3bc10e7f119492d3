// Package fallback drives sequential attempts across a model's candidate list.
package fallback

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
	"inference-gateway/internal/stream"
)

// State is the controller's position in the attempt sequence.
type State int

const (
	StatePending State = iota
	StateAttempting
	StateSuccess
	StateRetryable
	StateExhausted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateSuccess:
		return "success"
	case StateRetryable:
		return "retryable"
	case StateExhausted:
		return "exhausted"
	default:
		return "failed"
	}
}

// OpenFunc starts one upstream attempt. It translates the request for cand and
// opens the transport; it must not emit anything to the client.
type OpenFunc func(ctx context.Context, cand models.Candidate) (stream.Stream, error)

// Observer is notified after every attempt.
type Observer interface {
	AttemptFinished(cand models.Candidate, state State, err error, elapsed time.Duration)
}

// Policy configures retry behaviour within a single candidate.
type Policy struct {
	// AttemptsPerCandidate includes the first attempt; values below 1 mean 1.
	AttemptsPerCandidate int
	Backoff              Backoff
}

// Controller runs the fallback state machine. It is safe for concurrent use.
type Controller struct {
	policy   Policy
	observer Observer
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// Option customises a Controller.
type Option func(*Controller)

// WithObserver registers an attempt observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithLogger sets the controller logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewController builds a controller with the given policy.
func NewController(policy Policy, opts ...Option) *Controller {
	if policy.AttemptsPerCandidate < 1 {
		policy.AttemptsPerCandidate = 1
	}
	if policy.Backoff == nil {
		policy.Backoff = DefaultBackoff()
	}
	c := &Controller{
		policy: policy,
		logger: zap.NewNop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attempt is the committed outcome of Run.
type Attempt struct {
	Candidate models.Candidate
	// Stream replays the chunks read while committing, then the rest of the upstream.
	Stream stream.Stream
	// Failures lists earlier attempts that failed before committing.
	Failures []apierr.AttemptFailure
}

// Run tries candidates in order. An attempt commits once the upstream yields its
// first chunk with client-visible output or ends cleanly; until then retryable
// failures advance to the next candidate. Non-retryable failures return immediately. The candidate order is
// never changed.
func (c *Controller) Run(ctx context.Context, model string, candidates []models.Candidate, open OpenFunc) (*Attempt, error) {
	if len(candidates) == 0 {
		return nil, apierr.New(apierr.CodeUnknownModel, "model %q has no candidates", model)
	}

	var failures []apierr.AttemptFailure
	state := StatePending

	for i, cand := range candidates {
		for try := 1; try <= c.policy.AttemptsPerCandidate; try++ {
			if try > 1 {
				if err := c.sleep(ctx, c.policy.Backoff.Next(try-1)); err != nil {
					return nil, err
				}
			}

			state = StateAttempting
			c.logger.Debug("upstream attempt",
				zap.String("model", model),
				zap.String("provider", cand.Provider),
				zap.String("upstream_model", cand.UpstreamModel),
				zap.Int("candidate", i),
				zap.Int("try", try),
			)

			started := time.Now()
			s, err := c.attempt(ctx, cand, open)
			elapsed := time.Since(started)

			if err == nil {
				state = StateSuccess
				c.notify(cand, state, nil, elapsed)
				return &Attempt{Candidate: cand, Stream: s, Failures: failures}, nil
			}

			if ctxErr := ctx.Err(); ctxErr != nil {
				c.notify(cand, StateFailed, ctxErr, elapsed)
				return nil, ctxErr
			}

			if !apierr.Retryable(err) {
				state = StateFailed
				c.notify(cand, state, err, elapsed)
				return nil, err
			}

			state = StateRetryable
			c.notify(cand, state, err, elapsed)
			failures = append(failures, failureOf(cand, err))
			c.logger.Warn("upstream attempt failed",
				zap.String("model", model),
				zap.String("provider", cand.Provider),
				zap.String("upstream_model", cand.UpstreamModel),
				zap.Int("try", try),
				zap.Error(err),
			)
		}
	}

	state = StateExhausted
	c.logger.Error("all providers exhausted", zap.String("model", model), zap.Int("attempts", len(failures)), zap.Stringer("state", state))
	return nil, apierr.Exhausted(model, failures)
}

func (c *Controller) attempt(ctx context.Context, cand models.Candidate, open OpenFunc) (stream.Stream, error) {
	s, err := open(ctx, cand)
	if err != nil {
		return nil, err
	}

	// Chunks without client-visible output are held back so that a failure
	// after them still falls back.
	var held []models.Chunk
	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return &primedStream{held: held, Stream: s}, nil
		}
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		held = append(held, chunk)
		if chunk.HasOutput() {
			return &primedStream{held: held, Stream: s}, nil
		}
	}
}

func (c *Controller) notify(cand models.Candidate, state State, err error, elapsed time.Duration) {
	if c.observer != nil {
		c.observer.AttemptFinished(cand, state, err, elapsed)
	}
}

func failureOf(cand models.Candidate, err error) apierr.AttemptFailure {
	f := apierr.AttemptFailure{
		Provider: cand.Provider,
		Model:    cand.UpstreamModel,
		Code:     apierr.CodeOf(err),
		Message:  err.Error(),
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		f.Status = apiErr.Status
	}
	return f
}

type primedStream struct {
	held []models.Chunk
	stream.Stream
}

func (p *primedStream) Recv() (models.Chunk, error) {
	if len(p.held) > 0 {
		c := p.held[0]
		p.held = p.held[1:]
		return c, nil
	}
	return p.Stream.Recv()
}
