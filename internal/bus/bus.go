package bus

import (
	"context"
	"log/slog"
	"sync"
)

const queueDepth = 256

// Bus is the in-process message bus: broadcast events for WS clients and
// internal caches, plus buffered inbound/outbound queues for run requests
// and delivery.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]EventHandler

	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func New() *Bus {
	return &Bus{
		subs:     make(map[string]EventHandler),
		inbound:  make(chan InboundMessage, queueDepth),
		outbound: make(chan OutboundMessage, queueDepth),
	}
}

func (b *Bus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[id] = handler
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers the event to every subscriber. Handlers run on the
// caller's goroutine and must not block; a panicking handler is dropped
// from the event, not the subscription.
func (b *Bus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event handler panic", "event", event.Name, "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// PublishInbound enqueues a run request. When the queue is full the message
// is dropped with a warning rather than blocking the producer.
func (b *Bus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		slog.Warn("inbound queue full, dropping message",
			"origin", msg.Origin, "session", msg.SessionKey)
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
// The second return is false when the context ended.
func (b *Bus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *Bus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message", "target", msg.Target)
	}
}

func (b *Bus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}
