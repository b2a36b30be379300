// Package eventlog maintains the per-session event journal. Appends are
// durable before any fan-out: an event reaches subscribers only after it has
// been committed, so a consumer can always reconcile a live stream against a
// journal read.
package eventlog

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/drover-ai/drover/internal/common/apperr"
	"github.com/drover-ai/drover/internal/common/logger"
	"github.com/drover-ai/drover/internal/events"
	"github.com/drover-ai/drover/internal/events/bus"
	"github.com/drover-ai/drover/internal/store"
	v1 "github.com/drover-ai/drover/pkg/api/v1"
)

const busSource = "eventlog"

// Service appends events to the journal and distributes them to live
// subscribers through the event bus and the broker.
type Service struct {
	store  *store.Store
	bus    bus.EventBus
	broker *Broker
	logger *logger.Logger
	sub    bus.Subscription
}

// New creates an event log service. bufferSize bounds each live
// subscriber's queue.
func New(st *store.Store, eventBus bus.EventBus, bufferSize int, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		bus:    eventBus,
		broker: NewBroker(bufferSize, log),
		logger: log.WithFields(zap.String("component", "eventlog")),
	}
}

// Start subscribes the broker to the journal subjects.
func (s *Service) Start() error {
	sub, err := s.bus.Subscribe(events.BuildSessionEventsWildcardSubject(), s.handleBusEvent)
	if err != nil {
		return fmt.Errorf("failed to subscribe to session events: %w", err)
	}
	s.sub = sub
	return nil
}

// Stop detaches from the bus and closes all live subscriptions.
func (s *Service) Stop() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	s.broker.CloseAll()
}

// Append validates, persists and then publishes an event. The assigned
// sequence number is written back into the event.
func (s *Service) Append(ctx context.Context, event *v1.Event) (*v1.Event, error) {
	if event.SessionID == "" {
		return nil, apperr.BadRequest("event session_id is required")
	}
	if event.Type == "" {
		return nil, apperr.BadRequest("event type is required")
	}
	if event.Type == events.StreamGap {
		return nil, apperr.BadRequest("event type " + events.StreamGap + " is reserved")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := s.store.AppendEvent(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	subject := events.BuildSessionEventsSubject(event.SessionID)
	busEvent := bus.NewEvent(event.Type, busSource, map[string]any{"event": event})
	if err := s.bus.Publish(ctx, subject, busEvent); err != nil {
		// The event is already durable; live consumers recover via replay.
		s.logger.Error("Failed to publish appended event",
			zap.String("session_id", event.SessionID),
			zap.Int64("seq", event.Sequence),
			zap.Error(err))
	}
	return event, nil
}

// EventsSince returns a session's journal entries with sequence > since.
func (s *Service) EventsSince(ctx context.Context, sessionID string, since int64) ([]*v1.Event, error) {
	return s.store.ListEventsSince(ctx, sessionID, since)
}

// Subscribe opens a live subscription that first replays the journal from
// fromSeq (exclusive) and then continues with live events, without loss or
// duplication across the handoff.
func (s *Service) Subscribe(ctx context.Context, sessionID string, fromSeq int64) (*Subscription, error) {
	sub := s.broker.add(sessionID)

	backlog, err := s.store.ListEventsSince(ctx, sessionID, fromSeq)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to replay events: %w", err)
	}
	for _, event := range backlog {
		sub.deliver(event)
	}
	sub.finishReplay()
	return sub, nil
}

func (s *Service) handleBusEvent(ctx context.Context, busEvent *bus.Event) error {
	event, err := decodeJournalEvent(busEvent)
	if err != nil {
		s.logger.Error("Failed to decode journal event", zap.Error(err))
		return nil
	}
	s.broker.dispatch(event)
	return nil
}
