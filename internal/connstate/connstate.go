// Package connstate tracks whether the upstream network path is
// believed healthy. Every upstream call reports its outcome here;
// interested parties subscribe for transitions.
package connstate

import (
	"sync"

	"go.uber.org/zap"
)

type Listener func(online bool)

// Tracker is process-wide connectivity state with an explicit
// lifecycle: it starts online and flips on reported outcomes.
type Tracker struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]Listener
	log       *zap.Logger
}

func NewTracker(log *zap.Logger) *Tracker {
	return &Tracker{
		online:    true,
		listeners: make(map[int]Listener),
		log:       log.Named("connstate"),
	}
}

func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

// MarkOnline records a successful upstream round-trip. Listeners fire
// only on transitions.
func (t *Tracker) MarkOnline() { t.set(true) }

// MarkOffline records an upstream network failure.
func (t *Tracker) MarkOffline() { t.set(false) }

func (t *Tracker) set(online bool) {
	t.mu.Lock()
	if t.online == online {
		t.mu.Unlock()
		return
	}
	t.online = online
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	if online {
		t.log.Info("upstream connectivity restored")
	} else {
		t.log.Warn("upstream connectivity lost")
	}
	for _, l := range listeners {
		l(online)
	}
}

// Subscribe registers a transition listener and returns its remove
// function. The listener is not called with the current state.
func (t *Tracker) Subscribe(l Listener) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = l
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}
