// Package messaging provides a NATS client wrapper for fanning conversation
// events out across server instances. Every persisted mutation is published
// to the conversation's subject; each instance with local room members
// subscribes and delivers to its own connections. Delivery is best-effort —
// there is no persisted queue, and clients that were offline catch up via
// history pagination on reconnect.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns.
const (
	// SubjectConvEvents carries all broadcast events for one
	// conversation: conv.events.<conversation_id>.
	SubjectConvEvents = "conv.events"

	// SubjectPresence carries presence transitions for one conversation:
	// conv.presence.<conversation_id>.
	SubjectPresence = "conv.presence"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "huddle",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats: disconnected: %v", err)
			} else {
				log.Printf("nats: disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats: reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("nats: connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("nats: connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishConvEvent publishes an event payload to the conversation's
// subject. All instances, including the publisher, receive it through
// their subscription, so every instance observes one ordered stream per
// conversation.
func (c *NATSClient) PublishConvEvent(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectConvEvents+"."+conversationID, data)
}

// SubscribeConv subscribes this instance to a conversation's event
// subject. Called when the first local connection joins the room;
// re-subscribing is a no-op.
func (c *NATSClient) SubscribeConv(conversationID string, handler func(data []byte)) error {
	subject := SubjectConvEvents + "." + conversationID

	c.mu.Lock()
	if _, ok := c.subs[subject]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeConv drops this instance's subscription for a conversation.
// Called when the last local connection leaves the room.
func (c *NATSClient) UnsubscribeConv(conversationID string) error {
	return c.unsubscribe(SubjectConvEvents + "." + conversationID)
}

// PublishPresence publishes a presence transition for a conversation.
func (c *NATSClient) PublishPresence(conversationID string, data []byte) error {
	return c.conn.Publish(SubjectPresence+"."+conversationID, data)
}

// SubscribePresence subscribes to presence transitions for a conversation.
func (c *NATSClient) SubscribePresence(conversationID string, handler func(data []byte)) error {
	subject := SubjectPresence + "." + conversationID

	c.mu.Lock()
	if _, ok := c.subs[subject]; ok {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribePresence drops the presence subscription for a conversation.
func (c *NATSClient) UnsubscribePresence(conversationID string) error {
	return c.unsubscribe(SubjectPresence + "." + conversationID)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("nats: drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("nats: connection drain: %v", err)
	}

	log.Printf("nats: client closed")
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
