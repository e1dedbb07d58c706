// Package events provides the in-process notification ring for funding
// activity. The engine publishes one event per committed operation; consumers
// (the WebSocket stream, tests, log taps) subscribe or query recent history.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type classifies a funding event.
type Type string

const (
	TypeProjectCreated   Type = "project.created"
	TypeDonationReceived Type = "donation.received"
	TypeWithdrawalMade   Type = "withdrawal.made"
	TypeRefundIssued     Type = "refund.issued"
	TypeDeadlineReached  Type = "project.deadline_reached"
)

// Severity indicates the importance of an event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one record of funding activity. Amount carries the net value the
// operation moved; Fee carries the platform cut where one was taken.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`

	ProjectID string `json:"project_id,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Amount    uint64 `json:"amount,omitempty"`
	Fee       uint64 `json:"fee,omitempty"`

	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// String returns the JSON form.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Handler processes events as they are published.
type Handler func(Event)

// Sink accepts funding events and serves recent history.
type Sink interface {
	// Publish records an event and notifies subscribers.
	Publish(event Event)

	// PublishContext records an event, stamping the request ID carried by ctx.
	PublishContext(ctx context.Context, event Event)

	// Subscribe registers a handler and returns its unsubscribe function.
	Subscribe(handler Handler) func()

	// Recent returns up to n events, most recent first.
	Recent(n int) []Event

	// RecentByProject returns up to n events for one project, most recent first.
	RecentByProject(projectID string, n int) []Event

	// RecentByType returns up to n events of one type, most recent first.
	RecentByType(t Type, n int) []Event
}

// Ring is a fixed-capacity Sink. Old events are overwritten once capacity is
// reached; handlers run outside the lock in publish order.
type Ring struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	handler Handler
}

var _ Sink = (*Ring)(nil)

// NewRing creates a ring holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 1024
	}
	return &Ring{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish implements Sink.
func (r *Ring) Publish(event Event) {
	r.mu.Lock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	r.events[r.head] = event
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}

	handlers := make([]handlerEntry, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	for _, h := range handlers {
		h.handler(event)
	}
}

// PublishContext implements Sink.
func (r *Ring) PublishContext(ctx context.Context, event Event) {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		event.RequestID = id
	}
	r.Publish(event)
}

// Subscribe implements Sink.
func (r *Ring) Subscribe(handler Handler) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers = append(r.handlers, handlerEntry{id: id, handler: handler})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, h := range r.handlers {
			if h.id == id {
				r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent implements Sink.
func (r *Ring) Recent(n int) []Event {
	return r.recentWhere(n, func(Event) bool { return true })
}

// RecentByProject implements Sink.
func (r *Ring) RecentByProject(projectID string, n int) []Event {
	return r.recentWhere(n, func(e Event) bool { return e.ProjectID == projectID })
}

// RecentByType implements Sink.
func (r *Ring) RecentByType(t Type, n int) []Event {
	return r.recentWhere(n, func(e Event) bool { return e.Type == t })
}

func (r *Ring) recentWhere(n int, keep func(Event) bool) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}

	var result []Event
	for i := 0; i < r.count && len(result) < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		if keep(r.events[idx]) {
			result = append(result, r.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID stamps a request ID onto the context for event correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestID returns the request ID carried by ctx, if any.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Event constructors, one per funding operation ------------------------------

// ProjectCreated reports a new project accepting donations.
func ProjectCreated(projectID, owner string, goal uint64) Event {
	return Event{Type: TypeProjectCreated, ProjectID: projectID, Actor: owner, Amount: goal}
}

// DonationReceived reports a credited donation; amount is the net credit.
func DonationReceived(projectID, donor string, net, fee uint64) Event {
	return Event{Type: TypeDonationReceived, ProjectID: projectID, Actor: donor, Amount: net, Fee: fee}
}

// WithdrawalMade reports the owner collecting the raised balance.
func WithdrawalMade(projectID, owner string, amount uint64) Event {
	return Event{Type: TypeWithdrawalMade, ProjectID: projectID, Actor: owner, Amount: amount}
}

// RefundIssued reports escrow returned to a donor.
func RefundIssued(projectID, donor string, amount uint64) Event {
	return Event{Type: TypeRefundIssued, ProjectID: projectID, Actor: donor, Amount: amount}
}

// DeadlineReached reports a project whose deadline passed while still open;
// amount carries the total raised at that moment.
func DeadlineReached(projectID string, raised uint64) Event {
	return Event{Type: TypeDeadlineReached, ProjectID: projectID, Amount: raised}
}

// NoOpSink discards all events.
type NoOpSink struct{}

var _ Sink = NoOpSink{}

func (NoOpSink) Publish(Event)                         {}
func (NoOpSink) PublishContext(context.Context, Event) {}
func (NoOpSink) Subscribe(Handler) func()              { return func() {} }
func (NoOpSink) Recent(int) []Event                    { return nil }
func (NoOpSink) RecentByProject(string, int) []Event   { return nil }
func (NoOpSink) RecentByType(Type, int) []Event        { return nil }
