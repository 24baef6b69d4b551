package streaming

import "context"

// Event is a real-time event emitted on an automation config's topic.
type Event struct {
	ConfigID  string `json:"config_id"`
	EventType string `json:"event_type"`
	Payload   any    `json:"payload,omitempty"`
}

// Hub provides topic-keyed pub/sub for live automation events.
// One topic per automation config; publish never blocks.
type Hub interface {
	Subscribe(topic string) *Subscription
	Unsubscribe(topic string, sub *Subscription)
	Publish(ctx context.Context, topic string, event Event)
}
