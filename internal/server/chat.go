package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/creditgate/creditgate/internal/proxy"
	proxydomain "github.com/creditgate/creditgate/internal/proxy/domain"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sseDelta struct {
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

type sseChoice struct {
	Delta sseDelta `json:"delta"`
}

type sseChunk struct {
	Choices []sseChoice `json:"choices"`
}

// sseDone carries the billing summary in the final event before [DONE].
type sseDone struct {
	Content      string `json:"content"`
	Reasoning    string `json:"reasoning,omitempty"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
	Cost         string `json:"cost"`
	Cancelled    bool   `json:"cancelled,omitempty"`
}

// ChatCompletions relays a metered completion as server-sent events.
// Errors raised before the first delta map to plain JSON statuses;
// once streaming has begun they are delivered as an error event.
func (s *Server) ChatCompletions(c *gin.Context) {
	var req proxydomain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	started := false
	startStream := func() {
		if started {
			return
		}
		started = true
		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")
		c.Writer.WriteHeader(http.StatusOK)
	}
	emit := func(v any) {
		raw, err := json.Marshal(v)
		if err != nil {
			return
		}
		_, _ = c.Writer.WriteString("data: " + string(raw) + "\n\n")
		flusher.Flush()
	}

	// The aggregator reports reasoning-so-far snapshots; clients expect
	// delta-shaped frames they concatenate, so only the new suffix goes
	// out. A snapshot that revises earlier text is held back; the final
	// event carries the authoritative value.
	sentReasoning := ""
	result, err := s.proxySvc.Chat(c.Request.Context(), callerUserID(c), req, proxy.StreamCallbacks{
		OnVisibleDelta: func(delta string) {
			startStream()
			emit(sseChunk{Choices: []sseChoice{{Delta: sseDelta{Content: delta}}}})
		},
		OnReasoning: func(reasoning string) {
			delta, grew := strings.CutPrefix(reasoning, sentReasoning)
			if !grew || delta == "" {
				return
			}
			sentReasoning = reasoning
			startStream()
			emit(sseChunk{Choices: []sseChoice{{Delta: sseDelta{ReasoningContent: delta}}}})
		},
	})
	if err != nil {
		if !started {
			AbortWithError(c, err)
			return
		}
		// Too late for a status code; surface the mapped payload in-band.
		_, payload := mapError(err)
		emit(errorResponse{Error: payload})
		s.log.Warn("chat stream aborted mid-flight", zap.Error(err))
		return
	}

	startStream()
	emit(sseDone{
		Content:      result.Content,
		Reasoning:    result.Reasoning,
		TokensInput:  result.TokensInput,
		TokensOutput: result.TokensOutput,
		Cost:         result.Cost.StringFixed(2),
		Cancelled:    result.Cancelled,
	})
	_, _ = c.Writer.WriteString("data: [DONE]\n\n")
	flusher.Flush()
}

// BackendStatus reports whether the last upstream call succeeded.
func (s *Server) BackendStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": s.tracker.Online()})
}
