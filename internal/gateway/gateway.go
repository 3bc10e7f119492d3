// Package gateway turns one accepted chat request into a single upstream
// conversation: it resolves candidates, drives fallback, relays normalized
// chunks to the client and records usage exactly once.
package gateway

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/continuation"
	"inference-gateway/internal/fallback"
	"inference-gateway/internal/models"
	"inference-gateway/internal/provider"
	"inference-gateway/internal/schema"
	"inference-gateway/internal/stream"
	"inference-gateway/internal/translator"
	"inference-gateway/internal/usage"
)

// Resolver maps a requested model id onto its ordered candidates.
type Resolver interface {
	Resolve(modelID string) ([]models.Candidate, error)
}

// Emitter delivers a streamed response to the client.
type Emitter interface {
	// Emit writes one chunk. An error means the client is gone.
	Emit(chunk translator.ChatCompletionChunk) error
	// Fail writes the in-stream error terminal event.
	Fail(err *apierr.Error) error
	// Done writes the end-of-stream marker.
	Done() error
}

// Options wires a Gateway. Registry, Providers and Controller are required.
type Options struct {
	Registry   Resolver
	Providers  *provider.Set
	Controller *fallback.Controller
	Cache      continuation.Cache
	Writer     *continuation.Writer
	Sink       usage.Sink
	Estimator  usage.Estimator
	Validator  *schema.Validator
	Logger     *zap.Logger
	Now        func() time.Time
	NewID      func() string
}

// Gateway is safe for concurrent use; every request owns its own state.
type Gateway struct {
	registry   Resolver
	providers  *provider.Set
	controller *fallback.Controller
	cache      continuation.Cache
	writer     *continuation.Writer
	sink       usage.Sink
	estimator  usage.Estimator
	validator  *schema.Validator
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// New constructs a Gateway from opts.
func New(opts Options) (*Gateway, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if opts.Providers == nil {
		return nil, errors.New("provider set must not be nil")
	}
	if opts.Controller == nil {
		return nil, errors.New("fallback controller must not be nil")
	}

	g := &Gateway{
		registry:   opts.Registry,
		providers:  opts.Providers,
		controller: opts.Controller,
		cache:      opts.Cache,
		writer:     opts.Writer,
		sink:       opts.Sink,
		estimator:  opts.Estimator,
		validator:  opts.Validator,
		logger:     opts.Logger,
		now:        opts.Now,
		newID:      opts.NewID,
	}
	if g.sink == nil {
		g.sink = usage.Multi{}
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	if g.estimator == nil {
		g.estimator = usage.NewTiktokenEstimator(g.logger)
	}
	if g.validator == nil {
		g.validator = schema.Default
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.newID == nil {
		g.newID = func() string { return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "") }
	}
	return g, nil
}

// exchange is the per-request state of Handle.
type exchange struct {
	id      string
	req     models.ChatRequest
	created int64
	started time.Time
	logger  *zap.Logger

	attempt     *fallback.Attempt
	accumulator *stream.Accumulator
	emitted     int
	firstAt     time.Time
	content     strings.Builder
	reasoning   strings.Builder
	images      []models.Image
	finish      string
	usage       models.Usage
	reported    bool
	estimated   bool
	calls       []models.ToolCall
}

// Handle serves req. Streaming requests are written to emitter and return a nil
// response; once the first chunk has been emitted any failure is delivered as an
// in-stream error event and also returned. Non-streaming requests are
// aggregated into the returned response and emitter may be nil.
func (g *Gateway) Handle(ctx context.Context, req models.ChatRequest, emitter Emitter) (*models.ChatResponse, error) {
	if req.Stream && emitter == nil {
		return nil, apierr.New(apierr.CodeInternal, "streaming request without an emitter")
	}

	started := g.now()
	ex := &exchange{
		id:      g.newID(),
		req:     req,
		created: started.Unix(),
		started: started,

		accumulator: stream.NewAccumulator(),
	}
	ex.logger = g.logger.With(zap.String("request_id", ex.id), zap.String("model", req.Model))

	candidates, err := g.candidates(req)
	if err != nil {
		g.record(ctx, ex, err)
		return nil, err
	}

	// Hydration mutates tool calls; the caller's request stays untouched.
	ex.req = req.Clone()
	if n := continuation.Hydrate(ctx, g.cache, &ex.req, ex.logger); n > 0 {
		ex.logger.Debug("restored continuation tokens", zap.Int("count", n))
	}

	open := func(ctx context.Context, cand models.Candidate) (stream.Stream, error) {
		p, err := g.providers.Lookup(cand.Provider)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeInternal, err, "provider %s", cand.Provider)
		}
		return p.Open(ctx, provider.Call{
			Request:   ex.req,
			Candidate: cand,
			Stream:    stream.Options{OnThoughtSignature: g.writer.StoreAsync},
		})
	}

	ex.attempt, err = g.controller.Run(ctx, req.Model, candidates, open)
	if err != nil {
		g.record(ctx, ex, err)
		return nil, err
	}
	defer ex.attempt.Stream.Close()

	ex.logger = ex.logger.With(zap.String("provider", ex.attempt.Candidate.Provider))

	if err := g.relay(ctx, ex, emitter); err != nil {
		return nil, g.fail(ctx, ex, emitter, err)
	}

	calls, err := ex.accumulator.Finalize()
	if err != nil {
		return nil, g.fail(ctx, ex, emitter, err)
	}
	ex.calls = calls
	g.checkArguments(ex)
	ex.resolveFinish()
	g.fillUsage(ex)

	if !req.Stream {
		g.record(ctx, ex, nil)
		return ex.response(), nil
	}

	final := translator.NewChunk(ex.id, req.Model, ex.created, models.Chunk{FinishReason: ex.finish}, ex.emitted == 0)
	if err := emitter.Emit(final); err != nil {
		return nil, g.cancelled(ctx, ex, err)
	}
	if req.IncludeUsage {
		if err := emitter.Emit(translator.NewUsageChunk(ex.id, req.Model, ex.created, ex.usage)); err != nil {
			return nil, g.cancelled(ctx, ex, err)
		}
	}
	if err := emitter.Done(); err != nil {
		return nil, g.cancelled(ctx, ex, err)
	}

	g.record(ctx, ex, nil)
	return nil, nil
}

// candidates resolves the model and keeps only candidates that are configured
// and able to serve req. Capability failures never advance the fallback chain.
func (g *Gateway) candidates(req models.ChatRequest) ([]models.Candidate, error) {
	resolved, err := g.registry.Resolve(req.Model)
	if err != nil {
		return nil, err
	}

	configured := make([]models.Candidate, 0, len(resolved))
	for _, cand := range resolved {
		if g.providers.Has(cand.Provider) {
			configured = append(configured, cand)
		}
	}
	if len(configured) == 0 {
		return nil, apierr.New(apierr.CodeUnknownModel, "model %q has no configured provider", req.Model)
	}

	capable := make([]models.Candidate, 0, len(configured))
	for _, cand := range configured {
		if translator.Supports(req, cand) {
			capable = append(capable, cand)
		}
	}
	if len(capable) == 0 {
		if err := translator.CheckCapabilities(req, configured[0]); err != nil {
			return nil, err
		}
		return nil, apierr.New(apierr.CodeUnsupportedCapability, "no provider of %q supports this request", req.Model)
	}
	return capable, nil
}

// relay forwards chunks in arrival order until the upstream ends.
func (g *Gateway) relay(ctx context.Context, ex *exchange, emitter Emitter) error {
	acc := ex.accumulator
	for {
		chunk, err := ex.attempt.Stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}

		if chunk.Usage != nil {
			ex.usage = *chunk.Usage
			ex.reported = true
			chunk.Usage = nil
		}
		if chunk.FinishReason != "" {
			ex.finish = chunk.FinishReason
			chunk.FinishReason = ""
		}
		acc.Add(chunk.ToolCalls...)
		if chunk.Empty() {
			continue
		}

		if ex.emitted == 0 {
			ex.firstAt = g.now()
		}
		ex.content.WriteString(chunk.Content)
		ex.reasoning.WriteString(chunk.ReasoningContent)
		ex.images = append(ex.images, chunk.Images...)

		if ex.req.Stream {
			out := translator.NewChunk(ex.id, ex.req.Model, ex.created, chunk, ex.emitted == 0)
			if err := emitter.Emit(out); err != nil {
				return clientGone{err}
			}
		}
		ex.emitted++
	}
}

// clientGone marks an emitter write failure.
type clientGone struct{ err error }

func (c clientGone) Error() string { return "client disconnected: " + c.err.Error() }
func (c clientGone) Unwrap() error { return c.err }

// fail terminates a committed attempt. Cancellation is recorded as such;
// anything else becomes the in-stream error terminal for streaming requests.
func (g *Gateway) fail(ctx context.Context, ex *exchange, emitter Emitter, err error) error {
	var gone clientGone
	if errors.As(err, &gone) || ctx.Err() != nil {
		return g.cancelled(ctx, ex, err)
	}

	apiErr := terminalError(ex.attempt.Candidate.Provider, err)
	ex.logger.Warn("upstream stream failed after commit", zap.Error(apiErr))
	if ex.req.Stream {
		if werr := emitter.Fail(apiErr); werr != nil {
			ex.logger.Debug("write error terminal", zap.Error(werr))
		}
	}
	g.record(ctx, ex, apiErr)
	return apiErr
}

func (g *Gateway) cancelled(ctx context.Context, ex *exchange, err error) error {
	ex.logger.Info("request cancelled", zap.Error(err))
	rec := g.baseRecord(ex)
	rec.Status = usage.StatusCancelled
	rec.Usage = ex.usage
	rec.FinishReason = ""
	g.sink.RecordUsage(context.WithoutCancel(ctx), rec)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return context.Canceled
}

// terminalError classifies a failure that happened after commit. Retryable
// upstream failures surface as an interrupted stream since no fallback remains.
func terminalError(providerName string, err error) *apierr.Error {
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		if apierr.Retryable(apiErr) {
			return apierr.Wrap(apierr.CodeUpstreamStreamInterrupt, apiErr, "%s stream interrupted", providerName)
		}
		return apiErr
	}
	return apierr.Wrap(apierr.CodeUpstreamStreamInterrupt, err, "%s stream interrupted", providerName)
}

// resolveFinish picks the client-facing finish reason.
func (ex *exchange) resolveFinish() {
	switch {
	case len(ex.calls) > 0 && (ex.finish == "" || ex.finish == "stop"):
		ex.finish = "tool_calls"
	case ex.finish == "":
		ex.finish = "stop"
	}
}

// checkArguments validates finalized arguments against the declared tool
// schemas. Mismatches are logged and the call is still returned.
func (g *Gateway) checkArguments(ex *exchange) {
	if len(ex.calls) == 0 || len(ex.req.Tools) == 0 {
		return
	}
	declared := make(map[string][]byte, len(ex.req.Tools))
	for _, tool := range ex.req.Tools {
		if len(tool.Parameters) > 0 {
			declared[tool.Name] = tool.Parameters
		}
	}
	for _, call := range ex.calls {
		params, ok := declared[call.Function.Name]
		if !ok {
			continue
		}
		if err := g.validator.Validate(params, call.Function.Arguments); err != nil {
			ex.logger.Warn("tool call arguments do not match schema",
				zap.String("tool", call.Function.Name),
				zap.String("tool_call_id", call.ID),
				zap.Error(err),
			)
		}
	}
}

// fillUsage estimates usage when the upstream reported none.
func (g *Gateway) fillUsage(ex *exchange) {
	if ex.reported && !ex.usage.IsZero() {
		if ex.usage.TotalTokens == 0 {
			ex.usage.TotalTokens = ex.usage.PromptTokens + ex.usage.CompletionTokens
		}
		return
	}

	completion := g.estimator.CountTokens(ex.content.String()) + g.estimator.CountTokens(ex.reasoning.String())
	for _, call := range ex.calls {
		completion += g.estimator.CountTokens(call.Function.Name) + g.estimator.CountTokens(call.Function.Arguments)
	}
	prompt := usage.EstimatePrompt(g.estimator, ex.req)
	ex.usage = models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	ex.estimated = true
}

func (ex *exchange) response() *models.ChatResponse {
	return &models.ChatResponse{
		ID:       ex.id,
		Model:    ex.req.Model,
		Provider: ex.attempt.Candidate.Provider,
		Created:  ex.created,
		Message: models.ResponseMessage{
			Role:             models.RoleAssistant,
			Content:          ex.content.String(),
			ReasoningContent: ex.reasoning.String(),
			ToolCalls:        ex.calls,
			Images:           ex.images,
		},
		FinishReason: ex.finish,
		Usage:        ex.usage,
	}
}

func (g *Gateway) baseRecord(ex *exchange) usage.Record {
	rec := usage.Record{
		RequestID: ex.id,
		User:      ex.req.User,
		Model:     ex.req.Model,
		Streamed:  ex.req.Stream,
		Latency:   g.now().Sub(ex.started),
	}
	if !ex.firstAt.IsZero() {
		rec.TimeToFirstChunk = ex.firstAt.Sub(ex.started)
	}
	if ex.attempt != nil {
		rec.Provider = ex.attempt.Candidate.Provider
		rec.UpstreamModel = ex.attempt.Candidate.UpstreamModel
		rec.Attempts = ex.attempt.Failures
	}
	return rec
}

// record emits the single usage record of a request that did not get cancelled.
func (g *Gateway) record(ctx context.Context, ex *exchange, err error) {
	rec := g.baseRecord(ex)
	rec.Usage = ex.usage
	rec.Estimated = ex.estimated
	rec.FinishReason = ex.finish

	switch {
	case err == nil:
		rec.Status = usage.StatusSuccess
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		rec.Status = usage.StatusCancelled
	default:
		rec.Status = usage.StatusError
		rec.ErrorCode = apierr.CodeOf(err)
		var apiErr *apierr.Error
		if ex.attempt == nil && errors.As(err, &apiErr) {
			rec.Attempts = apiErr.Attempts
		}
		ex.logger.Debug("request failed", zap.String("code", string(rec.ErrorCode)), zap.Error(err))
	}

	g.sink.RecordUsage(context.WithoutCancel(ctx), rec)
}
