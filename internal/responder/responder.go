// Package responder generates the automated contact's replies by calling a
// text-generation endpoint.
package responder

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Replies used when no generated text is available.
const (
	FallbackMissing = "I'm sorry, my brain (API Key) is missing. Please configure the API_KEY."
	FallbackError   = "I encountered an error thinking about that."
	FallbackEmpty   = "I didn't have anything to say."
)

const DefaultTimeout = 20 * time.Second

// Responder turns a prompt into reply text. Reply never fails.
type Responder interface {
	Reply(ctx context.Context, prompt string) string
}

type Options struct {
	// Endpoint receives POST {"prompt": ...} and answers {"text": ...}.
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

type request struct {
	Prompt string `json:"prompt"`
}

type reply struct {
	Text string `json:"text"`
}

// HTTP is a Responder backed by an HTTP endpoint.
type HTTP struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *fasthttp.Client
	logger   *zap.Logger
}

func NewHTTP(opts Options, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &HTTP{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		timeout:  opts.Timeout,
		client: &fasthttp.Client{
			Name:                "rtchat-responder",
			MaxConnsPerHost:     4,
			MaxResponseBodySize: 1 << 20,
		},
		logger: logger,
	}
}

func (h *HTTP) Reply(ctx context.Context, prompt string) string {
	if h.endpoint == "" || h.apiKey == "" {
		return FallbackMissing
	}
	if err := ctx.Err(); err != nil {
		return FallbackError
	}
	timeout := h.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}

	body, err := json.Marshal(request{Prompt: prompt})
	if err != nil {
		return FallbackError
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(h.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+h.apiKey)
	req.SetBodyRaw(body)

	if err := h.client.DoTimeout(req, resp, timeout); err != nil {
		h.logger.Warn("responder request failed", zap.Error(err))
		return FallbackError
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		h.logger.Warn("responder returned an error", zap.Int("status", code))
		return FallbackError
	}
	var out reply
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		h.logger.Warn("bad responder reply", zap.Error(err))
		return FallbackError
	}
	if strings.TrimSpace(out.Text) == "" {
		return FallbackEmpty
	}
	return out.Text
}
