// Package estimator approximates token counts for requests whose
// provider response carries no usage object. The heuristic exists to
// avoid giving usage away for free, not to be billing ground truth.
package estimator

import (
	"math"
	"unicode/utf8"

	"github.com/creditgate/creditgate/internal/config"
)

// Message is the estimator's view of one outbound chat message.
type Message struct {
	Role   string
	Text   string
	Images int
}

// Estimator reads its tunables from the hot-reloadable proxy config on
// every call, so operator adjustments apply to in-flight traffic.
type Estimator struct {
	holder *config.ProxyConfigHolder
}

func New(holder *config.ProxyConfigHolder) *Estimator {
	return &Estimator{holder: holder}
}

// EstimateTokens approximates the token count of raw text as character
// count over an empirically chosen divisor, rounded up.
func (e *Estimator) EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	divisor := e.holder.Get().EstimatorDivisor
	if divisor <= 0 {
		divisor = 3.5
	}
	return int64(math.Ceil(float64(utf8.RuneCountInString(text)) / divisor))
}

// EstimateMessageTokens approximates the prompt size of a message list:
// per-message text plus a fixed structural overhead plus a flat cost
// per image attachment.
func (e *Estimator) EstimateMessageTokens(messages []Message) int64 {
	cfg := e.holder.Get()
	var total int64
	for _, msg := range messages {
		total += e.EstimateTokens(msg.Text)
		total += int64(cfg.MessageOverheadTokens)
		total += int64(msg.Images) * int64(cfg.ImageTokens)
	}
	return total
}
