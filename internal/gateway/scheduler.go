package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/danmuck/fieldgate/internal/protocol"
)

// pauseGate is the per-connection Flowing/Paused latch read by the writer
// before it takes the next outgoing message.
type pauseGate struct {
	mu     sync.Mutex
	paused bool
	reason protocol.MessageType
	since  time.Time
	resume chan struct{}
}

func newPauseGate() *pauseGate {
	return &pauseGate{resume: make(chan struct{}, 1)}
}

// arm switches to Paused. A stale resume signal is discarded so only a
// trigger observed after arming can release the gate.
func (g *pauseGate) arm(reason protocol.MessageType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
	g.reason = reason
	g.since = time.Now()
	select {
	case <-g.resume:
	default:
	}
}

// release switches to Flowing. It reports whether the gate was paused.
func (g *pauseGate) release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	select {
	case g.resume <- struct{}{}:
	default:
	}
	return true
}

// wait blocks while the gate is Paused.
func (g *pauseGate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		paused := g.paused
		g.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-g.resume:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

// PauseState is a point-in-time view of the latch.
type PauseState struct {
	Paused bool      `json:"paused"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

func (g *pauseGate) state() PauseState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return PauseState{}
	}
	return PauseState{Paused: true, Reason: g.reason.String(), Since: g.since}
}
