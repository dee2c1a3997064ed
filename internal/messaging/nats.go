// Package messaging hands gateway events off to the rest of the platform
// over NATS. Fan-out to connected clients happens in-process; NATS carries
// copies outward to the collaborators that need them — the messages service
// archives forwarded live messages, the social graph service consumes
// presence transitions. The gateway is publish-only.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects published by the gateway.
const (
	// SubjectLiveMessage + ".<conversation_id>" carries every live message
	// the gateway forwarded, for archival by the messages service.
	SubjectLiveMessage = "messages.live"

	// SubjectPresenceOnline / SubjectPresenceOffline carry user presence
	// transitions (first connection opened, last connection closed).
	SubjectPresenceOnline  = "presence.online"
	SubjectPresenceOffline = "presence.offline"
)

// PresenceUpdate is the payload published on the presence subjects.
type PresenceUpdate struct {
	UserID    string    `json:"userId"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "glimpse-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// Client wraps the NATS connection with the gateway's publish helpers.
type Client struct {
	conn *nats.Conn
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error only if the initial connection fails;
// disconnects after that are retried by the NATS client itself.
func NewClient(config Config) (*Client, error) {
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

	return &Client{conn: nc}, nil
}

// PublishLiveMessage publishes a forwarded live message to the
// messages.live.<conversationID> subject. The data is the wire payload as
// delivered to peers.
func (c *Client) PublishLiveMessage(conversationID string, data []byte) error {
	subject := SubjectLiveMessage + "." + conversationID
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// PublishPresence publishes a presence transition for userID.
func (c *Client) PublishPresence(userID string, online bool) error {
	subject := SubjectPresenceOffline
	if online {
		subject = SubjectPresenceOnline
	}

	data, err := json.Marshal(PresenceUpdate{
		UserID:    userID,
		Online:    online,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("nats marshal presence update: %w", err)
	}

	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection so buffered publishes flush before shutdown.
func (c *Client) Close() {
	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] client closed")
}
