package eventlog

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/ids"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/events/bus"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

// Broker fans persisted events out to live subscribers. Each subscriber owns
// a bounded queue; a subscriber that falls behind loses events and receives a
// gap marker telling it which sequence range to re-fetch from the journal.
// The append path never blocks on a slow consumer.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription // sessionID -> subscription ID
	bufferSize  int
	logger      *logger.Logger
}

// NewBroker creates a broker whose subscriber queues hold bufferSize events.
func NewBroker(bufferSize int, log *logger.Logger) *Broker {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broker{
		subscribers: make(map[string]map[string]*Subscription),
		bufferSize:  bufferSize,
		logger:      log.WithFields(zap.String("component", "eventlog_broker")),
	}
}

// Subscription is one live consumer of a session's journal.
type Subscription struct {
	id        string
	sessionID string
	ch        chan *v1.Event

	mu        sync.Mutex
	lastSeq   int64
	gapFrom   int64
	replaying bool
	pending   []*v1.Event
	closed    bool

	remove func()
}

// Events returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscription) Events() <-chan *v1.Event { return s.ch }

// SessionID returns the session this subscription follows.
func (s *Subscription) SessionID() string { return s.sessionID }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.remove()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver hands an event to the subscriber. During replay, live events are
// parked so the backlog always goes first.
func (s *Subscription) deliver(event *v1.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.replaying && event.Sequence > 0 {
		s.pending = append(s.pending, event)
		return
	}
	s.enqueueLocked(event)
}

// finishReplay flushes events that arrived live while the backlog was being
// delivered. Duplicates across the handoff are dropped by sequence.
func (s *Subscription) finishReplay() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaying = false
	for _, event := range s.pending {
		if s.closed {
			break
		}
		s.enqueueLocked(event)
	}
	s.pending = nil
}

func (s *Subscription) enqueueLocked(event *v1.Event) {
	if event.Sequence > 0 && event.Sequence <= s.lastSeq {
		return
	}

	// A previous overflow left a hole; the consumer must learn about it
	// before seeing anything newer.
	if s.gapFrom > 0 {
		gap := newGapEvent(s.sessionID, s.gapFrom, s.lastSeq)
		select {
		case s.ch <- gap:
			s.gapFrom = 0
		default:
			// Still backed up, the gap keeps growing.
			if event.Sequence > 0 {
				s.lastSeq = event.Sequence
			}
			return
		}
	}

	select {
	case s.ch <- event:
		if event.Sequence > 0 {
			s.lastSeq = event.Sequence
		}
	default:
		if s.gapFrom == 0 {
			s.gapFrom = event.Sequence
		}
		if event.Sequence > 0 {
			s.lastSeq = event.Sequence
		}
	}
}

// newGapEvent builds the synthetic marker for a dropped sequence range.
// Gap events carry no sequence of their own and are never persisted.
func newGapEvent(sessionID string, fromSeq, toSeq int64) *v1.Event {
	return &v1.Event{
		SessionID: sessionID,
		Type:      events.StreamGap,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"from_seq": fromSeq,
			"to_seq":   toSeq,
		},
	}
}

// add registers a new subscription in replay mode.
func (b *Broker) add(sessionID string) *Subscription {
	sub := &Subscription{
		id:        ids.New("sub"),
		sessionID: sessionID,
		ch:        make(chan *v1.Event, b.bufferSize),
		replaying: true,
	}
	sub.remove = func() { b.removeSubscription(sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sessionID]; !ok {
		b.subscribers[sessionID] = make(map[string]*Subscription)
	}
	b.subscribers[sessionID][sub.id] = sub
	return sub
}

func (b *Broker) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[sub.sessionID]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.subscribers, sub.sessionID)
		}
	}
}

// dispatch delivers a persisted event to every live subscriber of its session.
func (b *Broker) dispatch(event *v1.Event) {
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers[event.SessionID]))
	for _, sub := range b.subscribers[event.SessionID] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
}

// CloseAll terminates every live subscription.
func (b *Broker) CloseAll() {
	b.mu.Lock()
	all := make([]*Subscription, 0)
	for _, subs := range b.subscribers {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.subscribers = make(map[string]map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Broker) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}

// decodeJournalEvent extracts the journal event a bus message carries. The
// in-memory bus hands the original pointer through; NATS round-trips JSON,
// so the map form is re-decoded.
func decodeJournalEvent(busEvent *bus.Event) (*v1.Event, error) {
	raw, ok := busEvent.Data["event"]
	if !ok {
		return nil, fmt.Errorf("bus event %s has no journal payload", busEvent.ID)
	}
	if event, ok := raw.(*v1.Event); ok {
		return event, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode journal event: %w", err)
	}
	event := &v1.Event{}
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to decode journal event: %w", err)
	}
	return event, nil
}
