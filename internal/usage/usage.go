// Package usage defines the usage record the gateway emits once per request and its sinks.
package usage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/models"
)

// Status classifies how a request ended.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Record is one finalized request as seen by billing and metrics.
type Record struct {
	RequestID        string
	User             string
	Model            string
	Provider         string
	UpstreamModel    string
	Usage            models.Usage
	Estimated        bool
	Streamed         bool
	Latency          time.Duration
	TimeToFirstChunk time.Duration
	Status           Status
	ErrorCode        apierr.Code
	FinishReason     string
	Attempts         []apierr.AttemptFailure
}

// Sink receives usage records. Implementations must not block the caller.
type Sink interface {
	RecordUsage(ctx context.Context, rec Record)
}

// Multi fans a record out to several sinks.
type Multi []Sink

func (m Multi) RecordUsage(ctx context.Context, rec Record) {
	for _, s := range m {
		if s != nil {
			s.RecordUsage(ctx, rec)
		}
	}
}

// LogSink writes usage records to a structured logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging at info level.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) RecordUsage(_ context.Context, rec Record) {
	fields := []zap.Field{
		zap.String("request_id", rec.RequestID),
		zap.String("model", rec.Model),
		zap.String("provider", rec.Provider),
		zap.String("upstream_model", rec.UpstreamModel),
		zap.String("status", string(rec.Status)),
		zap.Int("prompt_tokens", rec.Usage.PromptTokens),
		zap.Int("completion_tokens", rec.Usage.CompletionTokens),
		zap.Int("reasoning_tokens", rec.Usage.ReasoningTokens),
		zap.Bool("estimated", rec.Estimated),
		zap.Bool("streamed", rec.Streamed),
		zap.Duration("latency", rec.Latency),
		zap.Duration("ttfc", rec.TimeToFirstChunk),
		zap.Int("failed_attempts", len(rec.Attempts)),
	}
	if rec.ErrorCode != "" {
		fields = append(fields, zap.String("error_code", string(rec.ErrorCode)))
	}
	s.logger.Info("usage", fields...)
}
