package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"asistencia/internal/attendance"
)

// publishTimeout bounds how long a request waits on a full or slow queue.
const publishTimeout = 250 * time.Millisecond

// EventPublisher sends session events through a Queue.
type EventPublisher struct {
	q Queue
}

// NewEventPublisher wraps q.
func NewEventPublisher(q Queue) *EventPublisher {
	return &EventPublisher{q: q}
}

// Publish implements attendance.Publisher.
func (p *EventPublisher) Publish(ctx context.Context, evt attendance.SessionEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", evt.Type, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return p.q.Publish(ctx, Message{Type: evt.Type, Body: body})
}

// DecodeEvent turns a queued message back into a session event.
func DecodeEvent(msg Message) (attendance.SessionEvent, error) {
	var evt attendance.SessionEvent
	if err := json.Unmarshal(msg.Body, &evt); err != nil {
		return attendance.SessionEvent{}, fmt.Errorf("decode %s event: %w", msg.Type, err)
	}
	if evt.Type == "" {
		evt.Type = msg.Type
	}
	return evt, nil
}
