package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MessageContent accepts both wire shapes for chat content: a plain
// string, or the multimodal parts array with text and image_url
// entries.
type MessageContent struct {
	Text   string
	Images []string // data URIs or fetchable URLs
}

type contentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		c.Images = nil
		return nil
	}

	var parts []contentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or a parts array: %w", err)
	}

	c.Text = ""
	c.Images = nil
	for _, part := range parts {
		switch part.Type {
		case "text":
			c.Text += part.Text
		case "image_url":
			if part.ImageURL != nil && part.ImageURL.URL != "" {
				c.Images = append(c.Images, part.ImageURL.URL)
			}
		}
	}
	return nil
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if len(c.Images) == 0 {
		return json.Marshal(c.Text)
	}
	parts := []contentPart{{Type: "text", Text: c.Text}}
	for _, url := range c.Images {
		u := url
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &struct {
				URL string `json:"url"`
			}{URL: u},
		})
	}
	return json.Marshal(parts)
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// ChatRequest is one inbound metered chat call.
type ChatRequest struct {
	ModelID     string        `json:"model_id"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	// EnableThinking asks the model to reason inside think delimiters
	// before answering; the prompt nudge is injected upstream.
	EnableThinking bool `json:"enable_thinking,omitempty"`
}

// ChatResult is the resolved outcome delivered after the stream ends.
type ChatResult struct {
	Content      string          `json:"content"`
	Reasoning    string          `json:"reasoning,omitempty"`
	TokensInput  int64           `json:"tokens_input"`
	TokensOutput int64           `json:"tokens_output"`
	Cost         decimal.Decimal `json:"cost"`
	Cancelled    bool            `json:"cancelled,omitempty"`
}

var (
	ErrModelDisabled      = errors.New("model_disabled")
	ErrProviderKeyMissing = errors.New("provider_key_missing")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
)

// InsufficientCreditsError is returned by the admission check; it
// carries the shortfall so callers can tell users what to top up.
type InsufficientCreditsError struct {
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: required %s, available %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

// Shortfall is the amount missing to pass admission.
func (e *InsufficientCreditsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// UpstreamError wraps a provider-side failure: a non-success HTTP
// response or a network error reaching the provider.
type UpstreamError struct {
	Status  int // 0 for network failures
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upstream unreachable: %s", e.Message)
	}
	return fmt.Sprintf("upstream error (%d): %s", e.Status, e.Message)
}
