package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// EventType represents the type of event
type EventType string

const (
	// Run lifecycle events
	EventTypeRunStarted     EventType = "run.started"
	EventTypeRoundCompleted EventType = "round.completed"
	EventTypeImproved       EventType = "improved"
	EventTypeCommitted      EventType = "committed"
)

// SubjectPrefix is prepended to every event type to form its NATS subject
const SubjectPrefix = "osdeq.events"

// Event represents an optimizer event. Data holds the JSON payload of the
// matching models type: RunInfo, RoundReport or RunResult.
type Event struct {
	ID        string              `json:"id"`
	Type      EventType           `json:"type"`
	Source    string              `json:"source"`
	Subject   string              `json:"subject"`
	Data      jsoniter.RawMessage `json:"data"`
	TraceID   string              `json:"trace_id,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	Version   string              `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp. Subject is
// the run id the event belongs to.
func NewEvent(eventType EventType, source, subject string, payload interface{}) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}, nil
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// Decode unmarshals the event payload into v
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventHandler defines the interface for handling events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// EventBus publishes and consumes optimizer events
type EventBus interface {
	PublishEvent(ctx context.Context, event *Event) error
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
	Close() error
}

// NopEventBus drops every event. It is used when the event bus is disabled.
type NopEventBus struct{}

func (NopEventBus) PublishEvent(ctx context.Context, event *Event) error { return nil }

func (NopEventBus) SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error {
	return nil
}

func (NopEventBus) SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error {
	return nil
}

func (NopEventBus) UnsubscribeFromEventType(eventType EventType) error { return nil }

func (NopEventBus) Close() error { return nil }

var (
	_ EventBus = NopEventBus{}
	_ EventBus = (*NATSEventBus)(nil)
)
