package eventbus

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/global-data-controller/osd-equalizer/internal/models"
)

// Publisher turns run lifecycle notifications into events on a bus
type Publisher struct {
	bus    EventBus
	source string
	logger *zap.Logger
}

// NewPublisher creates a publisher. Source identifies the cluster the
// events are about.
func NewPublisher(bus EventBus, source string, logger *zap.Logger) *Publisher {
	if bus == nil {
		bus = NopEventBus{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{bus: bus, source: source, logger: logger.Named("publisher")}
}

func (p *Publisher) RunStarted(ctx context.Context, info models.RunInfo) error {
	return p.publish(ctx, EventTypeRunStarted, info.RunID, info)
}

func (p *Publisher) RoundCompleted(ctx context.Context, report models.RoundReport) error {
	return p.publish(ctx, EventTypeRoundCompleted, report.RunID, report)
}

func (p *Publisher) Improved(ctx context.Context, report models.RoundReport) error {
	return p.publish(ctx, EventTypeImproved, report.RunID, report)
}

func (p *Publisher) Committed(ctx context.Context, result models.RunResult) error {
	return p.publish(ctx, EventTypeCommitted, result.RunID, result)
}

func (p *Publisher) publish(ctx context.Context, eventType EventType, runID string, payload interface{}) error {
	event, err := NewEvent(eventType, p.source, runID, payload)
	if err != nil {
		return fmt.Errorf("building %s event: %w", eventType, err)
	}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
		event.WithTraceID(sc.TraceID().String())
	}
	if err := p.bus.PublishEvent(ctx, event); err != nil {
		return err
	}
	p.logger.Debug("Event published",
		zap.String("event_type", string(eventType)),
		zap.String("run_id", runID))
	return nil
}
