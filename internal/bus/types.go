package bus

import "context"

// InboundMessage is a request for an agent run. Origins include the gateway
// WebSocket, the cron scheduler, spawned sub-agents and background system
// jobs; the consumer routes on SessionKey.
type InboundMessage struct {
	Origin     string            `json:"origin"`
	SessionKey string            `json:"session_key"`
	AgentID    string            `json:"agent_id,omitempty"`
	Content    string            `json:"content"`
	Deliver    bool              `json:"deliver,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a finished result headed for a delivery target
// (notifier backends or a connected WS client).
type OutboundMessage struct {
	Target     string            `json:"target"`
	SessionKey string            `json:"session_key,omitempty"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Event is a server-side event broadcast to WebSocket clients and internal
// subscribers.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// Cache invalidation kind constants.
const (
	CacheKindHierarchy = "hierarchy"
	CacheKindSkills    = "skills"
	CacheKindCron      = "cron"
	CacheKindModels    = "models"
	CacheKindConfig    = "config"
)

// CacheInvalidatePayload signals cache layers to evict stale entries.
// Used with protocol.EventCacheInvalidate events.
type CacheInvalidatePayload struct {
	Kind string `json:"kind"`
	Key  string `json:"key"` // empty = invalidate all
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription. Used by the
// gateway server and the agent runtime to decouple from the concrete Bus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts run-request routing between producers (gateway,
// cron, spawner) and the agent runtime consumer.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	ConsumeOutbound(ctx context.Context) (OutboundMessage, bool)
}
