// Package bus is the in-process publish/subscribe registry between the
// connection layer and its consumers.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Topic names a stream of messages.
type Topic string

// Topics published by the client. Domain events use their engine event type
// as topic.
const (
	TopicGameState        Topic = "game.state"
	TopicConnectionStatus Topic = "connection.status"
	TopicConnectionStats  Topic = "connection.stats"
	TopicFrameRejected    Topic = "frame.rejected"
)

// Message is one delivery. Payload is shared between subscribers and must be
// treated as read-only.
type Message struct {
	Topic   Topic
	Payload any
}

// Handler handles a message. Returned errors are collected by Publish.
type Handler func(ctx context.Context, msg Message) error

// Subscription identifies one registered handler.
type Subscription struct {
	topic Topic
	id    uint64
}

type entry struct {
	id      uint64
	handler Handler
}

// Bus delivers synchronously, in registration order, to every handler
// registered for a topic at the moment Publish starts.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]entry
	nextID   uint64
}

func New() *Bus {
	return &Bus{handlers: make(map[Topic][]entry)}
}

func (b *Bus) Subscribe(topic Topic, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], entry{id: b.nextID, handler: h})
	return Subscription{topic: topic, id: b.nextID}
}

// SubscribeFunc registers a handler that cannot fail.
func (b *Bus) SubscribeFunc(topic Topic, fn func(ctx context.Context, msg Message)) Subscription {
	return b.Subscribe(topic, func(ctx context.Context, msg Message) error {
		fn(ctx, msg)
		return nil
	})
}

// Unsubscribe removes the handler. Unknown or repeated subscriptions are
// ignored.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.handlers[sub.topic]
	for i, e := range list {
		if e.id != sub.id {
			continue
		}
		next := make([]entry, 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.topic)
		} else {
			b.handlers[sub.topic] = next
		}
		return
	}
}

// Subscribers reports how many handlers are registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Publish delivers payload to the current subscribers of topic. A handler
// that fails or panics does not stop delivery to the rest; all failures are
// joined into the returned error.
func (b *Bus) Publish(ctx context.Context, topic Topic, payload any) error {
	b.mu.RLock()
	list := b.handlers[topic]
	b.mu.RUnlock()

	if len(list) == 0 {
		return nil
	}

	msg := Message{Topic: topic, Payload: payload}
	var errs []error
	for _, e := range list {
		if err := deliver(ctx, e.handler, msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d handler(s) failed for %s: %w", len(errs), topic, errors.Join(errs...))
	}
	return nil
}

func deliver(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}
