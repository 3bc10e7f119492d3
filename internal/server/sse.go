package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/translator"
)

var doneEvent = []byte("data: [DONE]\n\n")

// sseEmitter writes chat completion chunks as server-sent events. Headers go
// out with the first event; until then the handler may still answer with JSON.
type sseEmitter struct {
	c       echo.Context
	started bool
}

func newSSEEmitter(c echo.Context) *sseEmitter {
	return &sseEmitter{c: c}
}

func (e *sseEmitter) start() {
	if e.started {
		return
	}
	e.started = true

	header := e.c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	e.c.Response().WriteHeader(http.StatusOK)
}

func (e *sseEmitter) Emit(chunk translator.ChatCompletionChunk) error {
	return e.writeData(chunk)
}

func (e *sseEmitter) Fail(err *apierr.Error) error {
	if werr := e.writeData(errorEnvelope(err)); werr != nil {
		return werr
	}
	return e.Done()
}

func (e *sseEmitter) Done() error {
	e.start()
	if _, err := e.c.Response().Write(doneEvent); err != nil {
		return fmt.Errorf("write SSE done: %w", err)
	}
	e.c.Response().Flush()
	return nil
}

func (e *sseEmitter) writeData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}

	e.start()
	if _, err := fmt.Fprintf(e.c.Response(), "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE data: %w", err)
	}
	e.c.Response().Flush()
	return nil
}
