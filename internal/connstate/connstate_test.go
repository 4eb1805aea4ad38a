package connstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTracker_NotifiesOnTransitionsOnly(t *testing.T) {
	tracker := NewTracker(zap.NewNop())
	assert.True(t, tracker.Online(), "trackers start online")

	var events []bool
	unsubscribe := tracker.Subscribe(func(online bool) {
		events = append(events, online)
	})

	tracker.MarkOnline() // no transition
	tracker.MarkOffline()
	tracker.MarkOffline() // no transition
	tracker.MarkOnline()

	assert.Equal(t, []bool{false, true}, events)
	assert.True(t, tracker.Online())

	unsubscribe()
	tracker.MarkOffline()
	assert.Equal(t, []bool{false, true}, events, "removed listeners stay silent")
}
