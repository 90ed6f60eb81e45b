package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisStreamPublisherAppendsEvent(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := NewRedisStreamPublisher(RedisStreamConfig{Addr: mr.Addr(), Stream: "test:events"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()

	evt := Event{
		ID:         "evt-1",
		Type:       TypeSessionIssued,
		SessionID:  "s-1",
		MemberID:   "m-1",
		OccurredAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Data:       map[string]any{"units": 2},
	}
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	msgs, err := client.XRange(context.Background(), "test:events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one stream entry, got %d", len(msgs))
	}
	if msgs[0].Values["type"] != TypeSessionIssued || msgs[0].Values["session_id"] != "s-1" {
		t.Fatalf("unexpected stream values: %+v", msgs[0].Values)
	}
	payload, _ := msgs[0].Values["payload"].(string)
	decoded, err := decodeEvent([]byte(payload))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.ID != "evt-1" || !decoded.OccurredAt.Equal(evt.OccurredAt) {
		t.Fatalf("decoded event mismatch: %+v", decoded)
	}
}

func TestRedisStreamPublisherFailsWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	pub, err := NewRedisStreamPublisher(RedisStreamConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	defer pub.Close()
	mr.Close()
	if err := pub.Publish(context.Background(), Event{ID: "e", Type: TypeSessionCreated}); err == nil {
		t.Fatal("expected publish error with redis down")
	}
}

func TestPublisherConstructorsValidateInput(t *testing.T) {
	if _, err := NewRedisStreamPublisher(RedisStreamConfig{}); err == nil {
		t.Fatal("expected error for empty redis addr")
	}
	if _, err := NewAMQPPublisher(AMQPConfig{}); err == nil {
		t.Fatal("expected error for empty amqp url")
	}
}
