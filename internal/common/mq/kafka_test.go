package mq

import (
	"context"
	"testing"
	"time"
)

func TestToKafkaMessage(t *testing.T) {
	msg := NewMessage([]byte(`{"ok":true}`))
	msg.ID = "req-1"
	msg.SetHeader("module", "echo")

	km := toKafkaMessage("invocations", msg)
	if km.Topic != "invocations" || string(km.Key) != "req-1" || string(km.Value) != `{"ok":true}` {
		t.Fatalf("unexpected message %+v", km)
	}
	headers := map[string]string{}
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["module"] != "echo" || headers[headerID] != "req-1" {
		t.Fatalf("unexpected headers %v", headers)
	}
	ts, err := time.Parse(time.RFC3339Nano, headers[headerTimestamp])
	if err != nil || !ts.Equal(msg.Timestamp) {
		t.Fatalf("timestamp header %q does not match %v", headers[headerTimestamp], msg.Timestamp)
	}
}

func TestProducerValidation(t *testing.T) {
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatalf("expected brokers to be required")
	}
	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()
	ctx := context.Background()
	if err := p.Publish(ctx, "", NewMessage(nil)); err == nil {
		t.Fatalf("expected topic to be required")
	}
	if err := p.Publish(ctx, "t", nil); err == nil {
		t.Fatalf("expected nil message to fail")
	}
	if err := p.PublishBatch(ctx, "t", nil); err == nil {
		t.Fatalf("expected empty batch to fail")
	}
}
