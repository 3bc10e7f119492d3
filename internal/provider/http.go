// Package provider holds the upstream adapter contract and the HTTP plumbing
// shared by the openai, anthropic and google adapters.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"inference-gateway/internal/apierr"
	"inference-gateway/internal/stream"
)

const (
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
	userAgent       = "inference-gateway/0.1"

	maxErrorBody    = 64 * 1024
	maxResponseBody = 32 * 1024 * 1024
)

// Transport sends translated payloads and wraps responses as unified streams.
type Transport struct {
	Name    string
	Client  *http.Client
	Headers map[string]string
	Logger  *zap.Logger
}

// Request describes one upstream HTTP call.
type Request struct {
	URL       string
	Header    http.Header
	Payload   any
	Streaming bool
	Grammar   stream.Grammar
	Options   stream.Options
}

// Do posts the payload. Streaming responses are decoded lazily as server-sent
// events; whole-body responses are normalized up front.
func (t *Transport) Do(ctx context.Context, r Request) (stream.Stream, error) {
	httpReq, err := t.newRequest(ctx, r)
	if err != nil {
		return nil, err
	}

	resp, err := t.Client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apierr.Transport(t.Name, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, t.parseAPIError(resp)
	}

	body, err := stream.Decompress(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		resp.Body.Close()
		return nil, apierr.Transport(t.Name, err)
	}

	if r.Streaming {
		ext := stream.NewExtractor(r.Grammar, r.Options)
		return stream.NewEventStream(t.Name, body, ext, t.logger()), nil
	}

	defer body.Close()
	data, err := io.ReadAll(io.LimitReader(body, maxResponseBody))
	if err != nil {
		return nil, apierr.Transport(t.Name, err)
	}
	chunks, err := stream.NormalizeBody(r.Grammar, data, r.Options)
	if err != nil {
		if errors.Is(err, apierr.ErrMalformedUpstreamEvent) {
			return nil, apierr.Wrap(apierr.CodeRetryableUpstream, err, "provider %s returned an unreadable body", t.Name)
		}
		return nil, err
	}
	return stream.NewSliceStream(chunks, nil), nil
}

func (t *Transport) newRequest(ctx context.Context, r Request) (*http.Request, error) {
	body, err := json.Marshal(r.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	if r.Streaming {
		req.Header.Set("Accept", contentTypeSSE)
	} else {
		req.Header.Set("Accept", contentTypeJSON)
	}
	req.Header.Set("Accept-Encoding", "gzip, br")
	req.Header.Set("User-Agent", userAgent)

	for k, values := range r.Header {
		for _, v := range values {
			req.Header.Set(k, v)
		}
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

type apiErrorResponse struct {
	Error apiErrorObject `json:"error"`
}

type apiErrorObject struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Status  string `json:"status"`
}

func (t *Transport) parseAPIError(resp *http.Response) error {
	reader, err := stream.Decompress(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		reader = resp.Body
	}
	body, err := io.ReadAll(io.LimitReader(reader, maxErrorBody))
	if err != nil {
		return apierr.Upstream(t.Name, resp.StatusCode, "")
	}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		kind := apiErr.Error.Type
		if kind == "" {
			kind = apiErr.Error.Status
		}
		if kind != "" {
			return apierr.Upstream(t.Name, resp.StatusCode, fmt.Sprintf("(%s) %s", kind, apiErr.Error.Message))
		}
		return apierr.Upstream(t.Name, resp.StatusCode, apiErr.Error.Message)
	}
	return apierr.Upstream(t.Name, resp.StatusCode, strings.TrimSpace(string(body)))
}

// Streaming reports whether the call should use the upstream streaming endpoint.
func Streaming(call Call) bool {
	return call.Request.Stream && call.Candidate.Capabilities.Streaming
}
