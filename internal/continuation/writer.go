package continuation

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"inference-gateway/internal/models"
)

const defaultWriteTimeout = 2 * time.Second

// Writer stores tokens in the background. Failures are logged and never propagated.
type Writer struct {
	cache   Cache
	ttl     time.Duration
	timeout time.Duration
	logger  *zap.Logger
	onWrite func(err error)
	wg      sync.WaitGroup
}

// WriterOption customises a Writer.
type WriterOption func(*Writer)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) WriterOption {
	return func(w *Writer) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithWriteObserver registers a callback invoked with the outcome of every write.
func WithWriteObserver(fn func(err error)) WriterOption {
	return func(w *Writer) { w.onWrite = fn }
}

// NewWriter returns a writer for cache. A nil cache disables writes.
func NewWriter(cache Cache, logger *zap.Logger, opts ...WriterOption) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		cache:   cache,
		ttl:     DefaultTTL,
		timeout: defaultWriteTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// StoreAsync launches a detached write and returns immediately.
func (w *Writer) StoreAsync(toolCallID, token string) {
	if w == nil || w.cache == nil || toolCallID == "" || token == "" {
		return
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()

		err := w.cache.SetWithTTL(ctx, Key(toolCallID), token, w.ttl)
		if err != nil {
			w.logger.Warn("continuation cache write failed",
				zap.String("tool_call_id", toolCallID),
				zap.Error(err),
			)
		}
		if w.onWrite != nil {
			w.onWrite(err)
		}
	}()
}

// Wait blocks until in-flight writes finish.
func (w *Writer) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

// Hydrate re-attaches cached thought signatures to assistant tool calls in the
// conversation history that arrived without one. It returns the number of
// signatures restored. Cache failures degrade to absence.
func Hydrate(ctx context.Context, cache Cache, req *models.ChatRequest, logger *zap.Logger) int {
	if cache == nil || req == nil {
		return 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	restored := 0
	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Role != models.RoleAssistant {
			continue
		}
		for j := range msg.ToolCalls {
			call := &msg.ToolCalls[j]
			if _, ok := models.ThoughtSignature(call.ExtraContent); ok {
				continue
			}

			sig, found, err := cache.Get(ctx, Key(call.ID))
			if err != nil {
				logger.Warn("continuation cache read failed", zap.String("tool_call_id", call.ID), zap.Error(err))
				continue
			}
			if !found || sig == "" {
				continue
			}
			call.ExtraContent = models.WithThoughtSignature(call.ExtraContent, sig)
			restored++
		}
	}
	return restored
}
