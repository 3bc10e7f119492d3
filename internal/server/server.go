package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/config"
	"inference-gateway/internal/gateway"
	"inference-gateway/internal/models"
	"inference-gateway/internal/translator"
)

const (
	idleTimeout = 120 * time.Second
	ownedBy     = "inference-gateway"
)

// ChatHandler serves one unified chat request.
type ChatHandler interface {
	Handle(ctx context.Context, req models.ChatRequest, emitter gateway.Emitter) (*models.ChatResponse, error)
}

// Catalog lists the logical models exposed to clients.
type Catalog interface {
	Models() []models.Model
}

// Deps are the collaborators the HTTP layer dispatches to.
type Deps struct {
	Chat    ChatHandler
	Catalog Catalog
	// Metrics is mounted at cfg.Metrics.Path when non-nil and metrics are enabled.
	Metrics http.Handler
	Logger  *zap.Logger
}

type Server struct {
	cfg     config.Config
	chat    ChatHandler
	catalog Catalog
	logger  *zap.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Chat == nil {
		return nil, errors.New("chat handler must not be nil")
	}
	if deps.Catalog == nil {
		return nil, errors.New("model catalog must not be nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = openAIErrorHandler(logger)

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("request_id", v.RequestID),
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Int64("latency_ms", v.Latency.Milliseconds()),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}

	srv := &Server{
		cfg:     cfg,
		chat:    deps.Chat,
		catalog: deps.Catalog,
		logger:  logger,
		app:     e,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	srv.registerRoutes(deps.Metrics)

	return srv, nil
}

// Handler exposes the routed echo instance.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.printStartupBanner()
	s.logger.Info("starting server", zap.String("addr", s.address))

	// WriteTimeout stays zero; streamed responses are unbounded.
	httpServer := &http.Server{
		Addr:              s.address,
		Handler:           s.app,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes(metrics http.Handler) {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/v1/models", s.handleModels)
	s.app.POST("/v1/chat/completions", s.handleChatCompletions)
	if metrics != nil && s.cfg.Metrics.Enabled {
		s.app.GET(s.cfg.Metrics.Path, echo.WrapHandler(metrics))
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type modelList struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

type modelObject struct {
	ID        string   `json:"id"`
	Object    string   `json:"object"`
	Created   int64    `json:"created"`
	OwnedBy   string   `json:"owned_by"`
	Providers []string `json:"providers"`
}

func (s *Server) handleModels(c echo.Context) error {
	catalog := s.catalog.Models()
	out := modelList{Object: "list", Data: make([]modelObject, 0, len(catalog))}
	for _, m := range catalog {
		out.Data = append(out.Data, modelObject{
			ID:        m.ID,
			Object:    "model",
			OwnedBy:   ownedBy,
			Providers: m.Providers,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleChatCompletions(c echo.Context) error {
	var req translator.ChatCompletionRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	unified := req.ToUnified()

	var emitter *sseEmitter
	if unified.Stream {
		emitter = newSSEEmitter(c)
	}

	// A nil *sseEmitter must not become a non-nil interface.
	var em gateway.Emitter
	if emitter != nil {
		em = emitter
	}

	resp, err := s.chat.Handle(ctx, unified, em)
	if err != nil {
		if emitter != nil && emitter.started {
			// Already delivered as an in-stream error event.
			return nil
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	if unified.Stream {
		return nil
	}
	if resp == nil {
		return apierr.New(apierr.CodeInternal, "empty response")
	}

	return c.JSON(http.StatusOK, translator.FromUnifiedChat(resp))
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return apierr.InvalidRequest("request body is required")
		}
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return apierr.InvalidRequest("invalid request: %v", err)
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return apierr.InvalidRequest("request body must contain a single JSON object")
	}
	return nil
}

func openAIErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			status := apiErr.HTTPStatus()
			if status >= http.StatusInternalServerError {
				logger.Warn("request failed", zap.String("code", string(apiErr.Code)), zap.Error(err))
			}
			_ = c.JSON(status, errorEnvelope(apiErr))
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			_ = c.JSON(he.Code, translator.ErrorEnvelope{Error: translator.ErrorObject{
				Message: fmt.Sprint(he.Message),
				Type:    "invalid_request_error",
			}})
			return
		}

		logger.Error("unhandled error", zap.Error(err))
		_ = c.JSON(http.StatusInternalServerError, translator.ErrorEnvelope{Error: translator.ErrorObject{
			Message: "internal server error",
			Type:    "server_error",
			Code:    string(apierr.CodeInternal),
		}})
	}
}

// errorEnvelope renders an apierr in the OpenAI error body shape.
func errorEnvelope(err *apierr.Error) translator.ErrorEnvelope {
	return translator.ErrorEnvelope{Error: translator.ErrorObject{
		Message: err.Error(),
		Type:    errorType(err.Code),
		Code:    string(err.Code),
	}}
}

func errorType(code apierr.Code) string {
	switch code {
	case apierr.CodeInvalidRequest, apierr.CodeUnknownModel, apierr.CodeUnsupportedCapability:
		return "invalid_request_error"
	case apierr.CodeInternal:
		return "server_error"
	default:
		return "upstream_error"
	}
}

func (s *Server) printStartupBanner() {
	host := "127.0.0.1"
	bold := color.New(color.FgGreen, color.Bold)
	dim := color.New(color.FgHiBlack)

	fmt.Println()
	bold.Println("inference-gateway ready")
	fmt.Printf("Listening on %s\n", color.CyanString("http://%s:%d", host, s.cfg.Server.Port))
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /v1/models")
	fmt.Println("  POST /v1/chat/completions")
	if s.cfg.Metrics.Enabled {
		fmt.Printf("  GET  %s\n", s.cfg.Metrics.Path)
	}
	dim.Printf("Example:\n  curl http://%s:%d/v1/chat/completions -H 'Content-Type: application/json' -d '{\"model\":\"gpt-4o\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, s.cfg.Server.Port)
}
