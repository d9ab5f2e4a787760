package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"asistencia/internal/attendance"
)

func TestInMemory_PublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := q.Publish(ctx, Message{Type: "a", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-msgs:
		if msg.Type != "a" {
			t.Errorf("unexpected message %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Error("expected the channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestInMemory_PublishRespectsContext(t *testing.T) {
	q := NewInMemory(1)
	ctx := context.Background()
	if err := q.Publish(ctx, Message{Type: "first"}); err != nil {
		t.Fatal(err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(short, Message{Type: "second"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded on a full queue, got %v", err)
	}
}

func TestEventPublisher_RoundTrip(t *testing.T) {
	q := NewInMemory(2)
	pub := NewEventPublisher(q)
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	evt := attendance.SessionEvent{Type: attendance.EventSessionToken, SessionID: "s1", Phase: attendance.PhaseSalida, Token: "ABCD2345", At: at}
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, _ := q.Consume(ctx)
	msg := <-msgs
	if msg.Type != attendance.EventSessionToken {
		t.Errorf("unexpected type %q", msg.Type)
	}
	got, err := DecodeEvent(msg)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if got.SessionID != "s1" || got.Token != "ABCD2345" || got.Phase != attendance.PhaseSalida || !got.At.Equal(at) {
		t.Errorf("unexpected event %+v", got)
	}
}

func TestEventPublisher_DoesNotBlockOnFullQueue(t *testing.T) {
	q := NewInMemory(1)
	pub := NewEventPublisher(q)
	ctx := context.Background()
	_ = pub.Publish(ctx, attendance.SessionEvent{Type: attendance.EventSessionCreated})

	start := time.Now()
	err := pub.Publish(ctx, attendance.SessionEvent{Type: attendance.EventSessionClosed})
	if err == nil {
		t.Fatal("expected an error on a full queue")
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("publish blocked for %s", time.Since(start))
	}
}
