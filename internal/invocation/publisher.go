package invocation

import (
	"context"
	"encoding/json"
	"fmt"

	"faasrt/internal/common/mq"
	"faasrt/internal/runtime/engine"
	appErr "faasrt/pkg/errors"
)

// Publisher forwards invocation events to a message queue topic, keyed by
// module so one module's events stay ordered.
type Publisher struct {
	producer mq.Producer
	topic    string
}

func NewPublisher(producer mq.Producer, topic string) *Publisher {
	return &Publisher{producer: producer, topic: topic}
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, ev engine.Event) error {
	if p == nil || p.producer == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("event publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("event topic is required")
	}
	if ev.RequestID == "" {
		return appErr.ValidationError("request_id", "required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal invocation event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = ev.Module
	if message.ID == "" {
		message.ID = ev.RequestID
	}
	message.SetHeader("request_id", ev.RequestID)
	message.SetHeader("type", string(ev.Type))
	if err := p.producer.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.EventPublishFailed, "publish invocation event failed")
	}
	return nil
}

func (p *Publisher) Name() string { return "kafka" }

func (p *Publisher) Handle(ctx context.Context, ev engine.Event) error {
	return p.Publish(ctx, ev)
}

// Close closes the producer, flushing pending async writes.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
