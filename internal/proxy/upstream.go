package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/creditgate/creditgate/internal/config"
	"github.com/creditgate/creditgate/internal/connstate"
	proxydomain "github.com/creditgate/creditgate/internal/proxy/domain"
	registrydomain "github.com/creditgate/creditgate/internal/registry/domain"
	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.openai.com/v1"

// thinkingPrefix nudges models without a native reasoning mode into
// emitting a delimited trace the aggregator can separate out.
const thinkingPrefix = "Think step by step carefully before answering. " +
	"Show your reasoning process in <think></think> tags before providing your final answer.\n\n"

// NormalizeUpstreamURLs turns a configured base URL into the completion
// endpoint to call, plus an optional /v1 fallback for providers that
// omit the version prefix in their configuration.
func NormalizeUpstreamURLs(baseURL string) (primary string, fallback string) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	switch {
	case strings.HasSuffix(baseURL, "/chat/completions"):
		primary = baseURL
	case strings.HasSuffix(baseURL, "/v1"):
		primary = baseURL + "/chat/completions"
	default:
		primary = baseURL + "/chat/completions"
		if !strings.Contains(baseURL, "/v1") {
			fallback = baseURL + "/v1/chat/completions"
		}
	}

	if baseURL == "https://api.openai.com" {
		return "https://api.openai.com/v1/chat/completions", ""
	}
	return primary, fallback
}

// UpstreamClient opens provider streams and reports connectivity
// outcomes to the tracker.
type UpstreamClient struct {
	http    *http.Client
	tracker *connstate.Tracker
	holder  *config.ProxyConfigHolder
	log     *zap.Logger
}

func NewUpstreamClient(tracker *connstate.Tracker, holder *config.ProxyConfigHolder, log *zap.Logger) *UpstreamClient {
	return &UpstreamClient{
		// No overall timeout: the response body is a long-lived stream.
		// Dial and TLS limits come from the default transport.
		http:    &http.Client{},
		tracker: tracker,
		holder:  holder,
		log:     log.Named("proxy.upstream"),
	}
}

type upstreamPayload struct {
	Model         string                    `json:"model"`
	Messages      []proxydomain.ChatMessage `json:"messages"`
	Temperature   float64                   `json:"temperature"`
	Stream        bool                      `json:"stream"`
	StreamOptions *streamOptions            `json:"stream_options,omitempty"`
	MaxTokens     int                       `json:"max_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Open POSTs the chat completion request and returns the streaming
// response body. On a 404 or network failure it retries once against
// the /v1 fallback URL when one exists.
func (c *UpstreamClient) Open(ctx context.Context, model *registrydomain.Model, req proxydomain.ChatRequest) (io.ReadCloser, error) {
	apiModelID := model.APIModelID
	if apiModelID == "" {
		apiModelID = model.ID.String()
	}
	temperature := 0.7
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	payload := upstreamPayload{
		Model:       apiModelID,
		Messages:    withThinkingPrefix(req),
		Temperature: temperature,
		Stream:      true,
		StreamOptions: &streamOptions{
			IncludeUsage: true,
		},
		MaxTokens: req.MaxTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	primary, fallback := NormalizeUpstreamURLs(model.BaseURL)

	resp, err := c.post(ctx, primary, model.APIKey, body)
	if fallback != "" && (err != nil || resp.StatusCode == http.StatusNotFound) {
		if err != nil {
			c.log.Warn("primary upstream URL failed, retrying fallback",
				zap.String("primary", primary),
				zap.String("fallback", fallback),
				zap.Error(err),
			)
		} else {
			resp.Body.Close()
		}
		resp, err = c.post(ctx, fallback, model.APIKey, body)
	}
	if err != nil {
		c.tracker.MarkOffline()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &proxydomain.UpstreamError{Message: err.Error()}
	}
	c.tracker.MarkOnline()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, &proxydomain.UpstreamError{
			Status:  resp.StatusCode,
			Message: c.readErrorBody(resp.Body, resp.StatusCode),
		}
	}
	return resp.Body, nil
}

// withThinkingPrefix prepends the reasoning nudge to the last user
// message when the request enables thinking. The caller's slice is left
// untouched.
func withThinkingPrefix(req proxydomain.ChatRequest) []proxydomain.ChatMessage {
	if !req.EnableThinking || len(req.Messages) == 0 {
		return req.Messages
	}
	last := len(req.Messages) - 1
	if req.Messages[last].Role != "user" {
		return req.Messages
	}
	out := make([]proxydomain.ChatMessage, len(req.Messages))
	copy(out, req.Messages)
	out[last].Content.Text = thinkingPrefix + out[last].Content.Text
	return out
}

func (c *UpstreamClient) post(ctx context.Context, url, apiKey string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	return c.http.Do(httpReq)
}

// readErrorBody extracts the provider's error message, preferring the
// OpenAI-style error.message field, bounded by the configured limit.
func (c *UpstreamClient) readErrorBody(body io.Reader, status int) string {
	maxLen := c.holder.Get().UpstreamErrorMaxLen
	raw, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil || len(raw) == 0 {
		return fmt.Sprintf("API error: %d", status)
	}

	var parsed struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	message := ""
	if err := json.Unmarshal(raw, &parsed); err == nil {
		switch {
		case parsed.Error != nil && parsed.Error.Message != "":
			message = parsed.Error.Message
		case parsed.Message != "":
			message = parsed.Message
		case parsed.Detail != "":
			message = parsed.Detail
		}
	}
	if message == "" {
		message = strings.ReplaceAll(string(raw), "\n", " ")
	}
	if len(message) > maxLen {
		message = message[:maxLen]
	}
	return message
}
