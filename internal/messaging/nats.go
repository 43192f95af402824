// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the matchmaking engine, the transport edge and the admin tooling.
// It handles connection lifecycle, subject-based subscriptions, and
// convenience methods for the engine's action and event channels.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across Duologue services.
const (
	SubjectAction      = "engine.action"       // transport -> engine user actions
	SubjectMatchFound  = "engine.match_found"  // + .<user_id>
	SubjectDialogEnded = "engine.dialog_ended" // + .<user_id>
	SubjectUserEvent   = "engine.event"        // + .<user_id> (queued, expired, errors)
	SubjectAlert       = "engine.alert"        // + .<category> (rating, complaint)
	SubjectUIDeliver   = "ui.deliver"          // + .<user_id>
	SubjectUIEdit      = "ui.edit"             // + .<user_id>
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
		Name:          "duologue",
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
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// SubscribeActions subscribes to the user-action subject the transport edge
// publishes to.
func (c *NATSClient) SubscribeActions(handler func(data []byte)) error {
	return c.Subscribe(SubjectAction, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishAction publishes a user action (used by the transport edge and tests).
func (c *NATSClient) PublishAction(data []byte) error {
	return c.Publish(SubjectAction, data)
}

// PublishMatchFound publishes a match result to a specific user.
func (c *NATSClient) PublishMatchFound(userID string, data []byte) error {
	return c.Publish(SubjectMatchFound+"."+userID, data)
}

// PublishDialogEnded publishes a dialog termination event to a specific user.
func (c *NATSClient) PublishDialogEnded(userID string, data []byte) error {
	return c.Publish(SubjectDialogEnded+"."+userID, data)
}

// PublishUserEvent publishes a queue/search lifecycle event to a specific user.
func (c *NATSClient) PublishUserEvent(userID string, data []byte) error {
	return c.Publish(SubjectUserEvent+"."+userID, data)
}

// Alert publishes a fire-and-forget alert in the given category
// (e.g. "rating", "complaint"). Delivery is at-least-once on the NATS side;
// the engine never blocks on or fails an operation because of it.
func (c *NATSClient) Alert(category string, data []byte) error {
	return c.Publish(SubjectAlert+"."+category, data)
}

// SubscribeAlerts subscribes to alerts of a specific category.
func (c *NATSClient) SubscribeAlerts(category string, handler func(data []byte)) error {
	return c.Subscribe(SubjectAlert+"."+category, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeMatchFound subscribes to match results for a specific user.
func (c *NATSClient) SubscribeMatchFound(userID string, handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchFound+"."+userID, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchFound unsubscribes from match results for a specific user.
func (c *NATSClient) UnsubscribeMatchFound(userID string) error {
	return c.unsubscribe(SubjectMatchFound + "." + userID)
}

// PublishUIDeliver asks the transport to send a fresh message to a user.
func (c *NATSClient) PublishUIDeliver(userID string, data []byte) error {
	return c.Publish(SubjectUIDeliver+"."+userID, data)
}

// PublishUIEdit asks the transport to edit an existing message in place.
func (c *NATSClient) PublishUIEdit(userID string, data []byte) error {
	return c.Publish(SubjectUIEdit+"."+userID, data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
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
