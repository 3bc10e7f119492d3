package usage

import (
	"context"
	"fmt"

	"github.com/posthog/posthog-go"
	"go.uber.org/zap"
)

const usageEvent = "gateway_usage"

type enqueuer interface {
	Enqueue(posthog.Message) error
}

// PostHogSink forwards usage records as analytics events. Enqueue is buffered by
// the client, so recording never waits on the network.
type PostHogSink struct {
	client enqueuer
	closer func() error
	logger *zap.Logger
}

// NewPostHogSink creates a client for apiKey. An empty endpoint uses the PostHog default.
func NewPostHogSink(apiKey, endpoint string, logger *zap.Logger) (*PostHogSink, error) {
	client, err := posthog.NewWithConfig(apiKey, posthog.Config{Endpoint: endpoint})
	if err != nil {
		return nil, fmt.Errorf("create posthog client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostHogSink{client: client, closer: client.Close, logger: logger}, nil
}

func (s *PostHogSink) RecordUsage(_ context.Context, rec Record) {
	distinct := rec.User
	if distinct == "" {
		distinct = "anonymous"
	}

	props := map[string]any{
		"request_id":        rec.RequestID,
		"model":             rec.Model,
		"provider":          rec.Provider,
		"upstream_model":    rec.UpstreamModel,
		"status":            string(rec.Status),
		"prompt_tokens":     rec.Usage.PromptTokens,
		"completion_tokens": rec.Usage.CompletionTokens,
		"reasoning_tokens":  rec.Usage.ReasoningTokens,
		"cached_tokens":     rec.Usage.CachedTokens,
		"total_tokens":      rec.Usage.TotalTokens,
		"estimated":         rec.Estimated,
		"streamed":          rec.Streamed,
		"latency_ms":        rec.Latency.Milliseconds(),
		"ttfc_ms":           rec.TimeToFirstChunk.Milliseconds(),
		"finish_reason":     rec.FinishReason,
		"failed_attempts":   len(rec.Attempts),
	}
	if rec.ErrorCode != "" {
		props["error_code"] = string(rec.ErrorCode)
	}

	err := s.client.Enqueue(posthog.Capture{
		DistinctId: distinct,
		Event:      usageEvent,
		Properties: props,
	})
	if err != nil {
		s.logger.Warn("posthog enqueue failed", zap.String("request_id", rec.RequestID), zap.Error(err))
	}
}

// Close flushes buffered events.
func (s *PostHogSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
