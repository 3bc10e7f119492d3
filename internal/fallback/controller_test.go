package fallback

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
	"inference-gateway/internal/stream"
)

type scriptedStream struct {
	chunks []models.Chunk
	err    error
	closed bool
}

func (s *scriptedStream) Recv() (models.Chunk, error) {
	if len(s.chunks) > 0 {
		c := s.chunks[0]
		s.chunks = s.chunks[1:]
		return c, nil
	}
	if s.err != nil {
		return models.Chunk{}, s.err
	}
	return models.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error {
	s.closed = true
	return nil
}

type recordingObserver struct {
	mu     sync.Mutex
	states []State
}

func (r *recordingObserver) AttemptFinished(_ models.Candidate, state State, _ error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func candidates(names ...string) []models.Candidate {
	out := make([]models.Candidate, 0, len(names))
	for _, n := range names {
		out = append(out, models.Candidate{Provider: n, UpstreamModel: n + "-model"})
	}
	return out
}

func drain(t *testing.T, s stream.Stream) []models.Chunk {
	t.Helper()
	var out []models.Chunk
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func TestRunFallsBackBeforeFirstChunk(t *testing.T) {
	var opened []string
	first := &scriptedStream{err: apierr.Transport("p1", errors.New("connection reset"))}
	open := func(_ context.Context, cand models.Candidate) (stream.Stream, error) {
		opened = append(opened, cand.Provider)
		switch cand.Provider {
		case "p1":
			return first, nil
		case "p2":
			return &scriptedStream{chunks: []models.Chunk{{Content: "hello"}, {Content: " world"}}}, nil
		}
		t.Fatalf("candidate %s must not be attempted", cand.Provider)
		return nil, nil
	}

	obs := &recordingObserver{}
	ctrl := NewController(Policy{}, WithObserver(obs))
	attempt, err := ctrl.Run(context.Background(), "m", candidates("p1", "p2", "p3"), open)
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2"}, opened)
	assert.Equal(t, "p2", attempt.Candidate.Provider)
	assert.True(t, first.closed)
	require.Len(t, attempt.Failures, 1)
	assert.Equal(t, "p1", attempt.Failures[0].Provider)
	assert.Equal(t, []State{StateRetryable, StateSuccess}, obs.states)

	chunks := drain(t, attempt.Stream)
	require.Len(t, chunks, 2)
	assert.Equal(t, "hello", chunks[0].Content)
	assert.Equal(t, " world", chunks[1].Content)
}

func TestRunDoesNotRetryAfterCommit(t *testing.T) {
	calls := 0
	open := func(_ context.Context, cand models.Candidate) (stream.Stream, error) {
		calls++
		return &scriptedStream{
			chunks: []models.Chunk{{Content: "partial"}},
			err:    apierr.Transport(cand.Provider, errors.New("reset")),
		}, nil
	}

	attempt, err := NewController(Policy{}).Run(context.Background(), "m", candidates("p1", "p2"), open)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	c, err := attempt.Stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", c.Content)

	_, err = attempt.Stream.Recv()
	assert.True(t, apierr.Retryable(err), "mid-stream error is surfaced to the caller, not retried")
	assert.Equal(t, 1, calls)
}

func TestRunNonRetryableStopsImmediately(t *testing.T) {
	for name, failure := range map[string]error{
		"unsupported capability": apierr.UnsupportedCapability("p1", "m", "tools"),
		"unknown model":          apierr.New(apierr.CodeUnknownModel, "unknown"),
		"upstream auth":          apierr.Upstream("p1", 401, "bad key"),
		"upstream validation":    apierr.Upstream("p1", 400, "bad request"),
	} {
		t.Run(name, func(t *testing.T) {
			var opened []string
			open := func(_ context.Context, cand models.Candidate) (stream.Stream, error) {
				opened = append(opened, cand.Provider)
				return nil, failure
			}

			_, err := NewController(Policy{AttemptsPerCandidate: 3}).Run(context.Background(), "m", candidates("p1", "p2"), open)
			require.Error(t, err)
			assert.Equal(t, []string{"p1"}, opened)
			assert.Equal(t, apierr.CodeOf(failure), apierr.CodeOf(err))
		})
	}
}

func TestRunExhausted(t *testing.T) {
	open := func(_ context.Context, cand models.Candidate) (stream.Stream, error) {
		return nil, apierr.Upstream(cand.Provider, 503, "unavailable")
	}

	_, err := NewController(Policy{}).Run(context.Background(), "m", candidates("p1", "p2", "p3"), open)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apierr.ErrAllProvidersExhausted))

	var apiErr *apierr.Error
	require.True(t, errors.As(err, &apiErr))
	require.Len(t, apiErr.Attempts, 3)
	assert.Equal(t, []string{"p1", "p2", "p3"}, []string{apiErr.Attempts[0].Provider, apiErr.Attempts[1].Provider, apiErr.Attempts[2].Provider})
	assert.Equal(t, 503, apiErr.Attempts[0].Status)
}

func TestRunRetriesSameCandidateWithBackoff(t *testing.T) {
	tries := 0
	open := func(_ context.Context, cand models.Candidate) (stream.Stream, error) {
		tries++
		if tries < 2 {
			return nil, apierr.Upstream(cand.Provider, 429, "slow down")
		}
		return &scriptedStream{chunks: []models.Chunk{{Content: "ok"}}}, nil
	}

	var slept []time.Duration
	ctrl := NewController(Policy{AttemptsPerCandidate: 2, Backoff: ExponentialBackoff{Base: time.Millisecond}})
	ctrl.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	attempt, err := ctrl.Run(context.Background(), "m", candidates("p1", "p2"), open)
	require.NoError(t, err)
	assert.Equal(t, "p1", attempt.Candidate.Provider)
	assert.Equal(t, []time.Duration{time.Millisecond}, slept)
}

func TestRunEmptyStreamCommits(t *testing.T) {
	open := func(_ context.Context, _ models.Candidate) (stream.Stream, error) {
		return &scriptedStream{}, nil
	}
	attempt, err := NewController(Policy{}).Run(context.Background(), "m", candidates("p1", "p2"), open)
	require.NoError(t, err)
	assert.Equal(t, "p1", attempt.Candidate.Provider)
	assert.Empty(t, drain(t, attempt.Stream))
}

func TestRunFallsBackWhenUpstreamEndsEarly(t *testing.T) {
	var opened []string
	open := func(_ context.Context, cand models.Candidate) (stream.Stream, error) {
		opened = append(opened, cand.Provider)
		if cand.Provider == "p1" {
			body := io.NopCloser(strings.NewReader("event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n"))
			return stream.NewEventStream(cand.Provider, body, stream.NewExtractor(stream.GrammarAnthropic, stream.Options{}), nil), nil
		}
		return &scriptedStream{chunks: []models.Chunk{{Content: "ok"}}}, nil
	}

	attempt, err := NewController(Policy{}).Run(context.Background(), "m", candidates("p1", "p2"), open)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, opened)
	assert.Equal(t, "p2", attempt.Candidate.Provider)
	require.Len(t, attempt.Failures, 1)
	assert.Equal(t, apierr.CodeRetryableUpstream, attempt.Failures[0].Code)
}

func TestRunUsageOnlyChunkDoesNotCommit(t *testing.T) {
	usageOnly := models.Chunk{Usage: &models.Usage{PromptTokens: 4}}
	first := &scriptedStream{
		chunks: []models.Chunk{usageOnly},
		err:    apierr.Transport("p1", errors.New("reset")),
	}
	open := func(_ context.Context, cand models.Candidate) (stream.Stream, error) {
		if cand.Provider == "p1" {
			return first, nil
		}
		return &scriptedStream{chunks: []models.Chunk{usageOnly, {Content: "hi"}, {FinishReason: "stop"}}}, nil
	}

	attempt, err := NewController(Policy{}).Run(context.Background(), "m", candidates("p1", "p2"), open)
	require.NoError(t, err)
	assert.Equal(t, "p2", attempt.Candidate.Provider)
	assert.True(t, first.closed)

	chunks := drain(t, attempt.Stream)
	require.Len(t, chunks, 3)
	assert.NotNil(t, chunks[0].Usage)
	assert.Equal(t, "hi", chunks[1].Content)
	assert.Equal(t, "stop", chunks[2].FinishReason)
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	open := func(ctx context.Context, cand models.Candidate) (stream.Stream, error) {
		cancel()
		return nil, apierr.Transport(cand.Provider, ctx.Err())
	}

	_, err := NewController(Policy{}).Run(ctx, "m", candidates("p1", "p2"), open)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRequiresCandidates(t *testing.T) {
	_, err := NewController(Policy{}).Run(context.Background(), "m", nil, nil)
	assert.True(t, errors.Is(err, apierr.ErrUnknownModel))
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Base: 100 * time.Millisecond, Max: time.Second}
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
	assert.Equal(t, 400*time.Millisecond, b.Next(3))
	assert.Equal(t, time.Second, b.Next(10))

	jittered := ExponentialBackoff{Base: 100 * time.Millisecond, Max: time.Second, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := jittered.Next(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}
