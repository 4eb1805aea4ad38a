package estimator

import (
	"strings"
	"testing"

	"github.com/creditgate/creditgate/internal/config"
	"github.com/stretchr/testify/assert"
)

func newTestEstimator() *Estimator {
	return New(config.NewStaticProxyConfigHolder(config.DefaultProxyConfig()))
}

func TestEstimateTokens(t *testing.T) {
	e := newTestEstimator()

	assert.Equal(t, int64(0), e.EstimateTokens(""))
	assert.Equal(t, int64(1), e.EstimateTokens("hi"), "short text still costs a token")
	// 7 chars / 3.5 = exactly 2
	assert.Equal(t, int64(2), e.EstimateTokens("seven77"))
	// 8 chars / 3.5 = 2.28… rounds up
	assert.Equal(t, int64(3), e.EstimateTokens("eight888"))
	// runes, not bytes
	assert.Equal(t, int64(1), e.EstimateTokens("héé"), "multi-byte runes count once")
	assert.Equal(t, int64(100), e.EstimateTokens(strings.Repeat("a", 350)))
}

func TestEstimateMessageTokens(t *testing.T) {
	e := newTestEstimator()

	assert.Equal(t, int64(0), e.EstimateMessageTokens(nil))

	// One message: 7 chars → 2 tokens + 4 overhead.
	got := e.EstimateMessageTokens([]Message{{Role: "user", Text: "seven77"}})
	assert.Equal(t, int64(6), got)

	// Images carry a flat vision surcharge.
	got = e.EstimateMessageTokens([]Message{
		{Role: "user", Text: "seven77", Images: 2},
	})
	assert.Equal(t, int64(2+4+2*85), got)

	// Empty messages still pay the structural overhead.
	got = e.EstimateMessageTokens([]Message{
		{Role: "system"},
		{Role: "user", Text: "seven77"},
	})
	assert.Equal(t, int64(4+2+4), got)
}

func TestEstimateTokens_RespectsConfiguredDivisor(t *testing.T) {
	cfg := config.DefaultProxyConfig()
	cfg.EstimatorDivisor = 7
	e := New(config.NewStaticProxyConfigHolder(cfg))

	assert.Equal(t, int64(1), e.EstimateTokens("seven77"))
	assert.Equal(t, int64(50), e.EstimateTokens(strings.Repeat("a", 350)))
}
