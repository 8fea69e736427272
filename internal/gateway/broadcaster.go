package gateway

import (
	"context"
	"sync"

	"github.com/danmuck/fieldgate/internal/logging"
	"github.com/danmuck/fieldgate/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const subscriberBufferSize = 64

// Broadcaster fans inbound messages out to subscribers. Publish blocks on a
// subscriber whose buffer is full, so a slow consumer stalls the publishing
// connection's reader instead of losing messages.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool
	log         zerolog.Logger
}

type subscriber struct {
	ch   chan Inbound
	done chan struct{}
	// sendMu keeps close(ch) from racing a blocked send.
	sendMu sync.Mutex
}

var _ Sink = (*Broadcaster)(nil)

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*subscriber),
		log:         logging.Component("gateway.broadcaster"),
	}
}

// Subscribe returns a receive channel and its subscription id. The
// subscription ends when ctx is cancelled or Unsubscribe is called.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Inbound, string) {
	id := uuid.NewString()
	sub := &subscriber{
		ch:   make(chan Inbound, subscriberBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, id
	}
	b.subscribers[id] = sub
	b.mu.Unlock()
	b.log.Debug().Str("sub_id", id).Msg("gateway.broadcaster subscriber added")

	go func() {
		select {
		case <-ctx.Done():
			b.Unsubscribe(id)
		case <-sub.done:
		}
	}()
	return sub.ch, id
}

// Publish delivers in to every current subscriber in turn. It returns once
// each subscriber took the message, went away, or ctx ended.
func (b *Broadcaster) Publish(ctx context.Context, in Inbound) {
	b.mu.RLock()
	subs := make(map[string]*subscriber, len(b.subscribers))
	for id, sub := range b.subscribers {
		subs[id] = sub
	}
	b.mu.RUnlock()

	for id, sub := range subs {
		if sub.deliver(ctx, in) {
			continue
		}
		if ctx.Err() != nil {
			observability.RecordUndeliveredInbound()
			b.log.Warn().
				Str("sub_id", id).
				Str("agent_id", in.AgentID.String()).
				Str("kind", in.Kind()).
				Err(ctx.Err()).
				Msg("gateway.broadcaster publish abandoned")
		}
	}
}

func (s *subscriber) deliver(ctx context.Context, in Inbound) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- in:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// stop releases blocked senders before closing the channel.
func (s *subscriber) stop() {
	close(s.done)
	s.sendMu.Lock()
	close(s.ch)
	s.sendMu.Unlock()
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	if ok {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	sub.stop()
	b.log.Debug().Str("sub_id", id).Msg("gateway.broadcaster subscriber removed")
}

func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close closes every subscriber channel. Later subscriptions are closed
// immediately.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*subscriber)
	b.closed = true
	b.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}
