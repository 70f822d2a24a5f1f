// Package messaging wraps the NATS connection shared by the signaling server
// and the moderator. The server publishes room lifecycle events and abuse
// reports; the moderator consumes reports in a queue group.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects.
const (
	SubjectRoomCreated  = "rooms.created"
	SubjectRoomClosed   = "rooms.closed"
	SubjectReportSubmit = "report.submit"

	// QueueModerators load-balances report.submit across moderator instances.
	QueueModerators = "moderators"
)

// RoomEvent is the payload of rooms.created and rooms.closed.
type RoomEvent struct {
	RoomID  string    `json:"roomId"`
	Handles [2]string `json:"handles"`
	Tier    string    `json:"tier,omitempty"`   // created only
	Skip    bool      `json:"skip,omitempty"`   // closed only
	Server  string    `json:"server,omitempty"` // emitting WS server
	At      time.Time `json:"at"`
}

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
		URL:           nats.DefaultURL,
		Name:          "duet",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
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
	c.track(subject, sub)
	return nil
}

// QueueSubscribe is Subscribe within a queue group: each message goes to one
// member of the group.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s/%s: %w", subject, queue, err)
	}
	c.track(subject+"#"+queue, sub)
	return nil
}

func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	if old, ok := c.subs[key]; ok {
		_ = old.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
}

// PublishRoomCreated publishes ev on rooms.created.
func (c *NATSClient) PublishRoomCreated(ev RoomEvent) error {
	return c.publishJSON(SubjectRoomCreated, ev)
}

// PublishRoomClosed publishes ev on rooms.closed.
func (c *NATSClient) PublishRoomClosed(ev RoomEvent) error {
	return c.publishJSON(SubjectRoomClosed, ev)
}

// SubscribeRoomEvents delivers both room subjects to handler.
func (c *NATSClient) SubscribeRoomEvents(handler func(subject string, ev RoomEvent)) error {
	for _, subject := range []string{SubjectRoomCreated, SubjectRoomClosed} {
		subject := subject
		err := c.Subscribe(subject, func(msg *nats.Msg) {
			var ev RoomEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				log.Printf("[nats] bad %s payload: %v", subject, err)
				return
			}
			handler(subject, ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// PublishReport publishes an encoded report on report.submit.
func (c *NATSClient) PublishReport(data []byte) error {
	return c.Publish(SubjectReportSubmit, data)
}

// SubscribeReports consumes report.submit in the moderators queue group.
func (c *NATSClient) SubscribeReports(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectReportSubmit, QueueModerators, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *NATSClient) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) publishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats: encode %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}
