// Package gateway glues the websocket transport to the conversation fan-out
// core. It owns the per-connection channel bindings, decodes and rate-limits
// inbound events, and hands forwarded messages and presence transitions off
// to the rest of the platform over NATS.
package gateway

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/glimpse/realtime/internal/conversation"
	"github.com/glimpse/realtime/internal/messaging"
	"github.com/glimpse/realtime/internal/metrics"
	"github.com/glimpse/realtime/internal/protocol"
	"github.com/glimpse/realtime/internal/ratelimit"
	"github.com/glimpse/realtime/internal/ws"
)

// Sender pushes an encoded frame to a connection by session id. *ws.Server
// implements it; tests substitute a recorder.
type Sender interface {
	SendMessage(connID string, data []byte) error
}

// Gateway routes transport callbacks to the right channel and tracks the
// binding each connection holds.
type Gateway struct {
	live    *conversation.Channel[protocol.LiveMessage, protocol.LiveMessage]
	typing  *conversation.Channel[protocol.TypingIndicator, protocol.TypingEvent]
	limiter *ratelimit.Limiter // nil disables event rate limiting
	nats    *messaging.Client  // nil disables downstream publishing
	sender  Sender

	mu       sync.Mutex
	sessions map[string]*session // connection id -> channel binding
}

// session holds the one binding a connection owns; which field is set
// depends on the endpoint the connection was upgraded on.
type session struct {
	live   *conversation.Binding[protocol.LiveMessage, protocol.LiveMessage]
	typing *conversation.Binding[protocol.TypingIndicator, protocol.TypingEvent]
}

func (s *session) close() {
	if s.live != nil {
		s.live.Close()
	}
	if s.typing != nil {
		s.typing.Close()
	}
}

// New creates a Gateway over the two channels. The limiter and NATS client
// may be nil, which disables the respective concern.
func New(live *conversation.Channel[protocol.LiveMessage, protocol.LiveMessage], typing *conversation.Channel[protocol.TypingIndicator, protocol.TypingEvent], limiter *ratelimit.Limiter, nats *messaging.Client) *Gateway {
	return &Gateway{
		live:     live,
		typing:   typing,
		limiter:  limiter,
		nats:     nats,
		sessions: make(map[string]*session),
	}
}

// SetSender assigns the frame sender. This supports the initialization
// order where the gateway is created before the server (NewServer requires
// the HandleMessage callback).
func (g *Gateway) SetSender(sender Sender) {
	g.sender = sender
}

// stream adapts one connection into the fan-out core's Stream: outbound
// events are JSON-encoded and written through the sender.
type stream[E any] struct {
	id     string
	sender Sender
}

func (s stream[E]) ID() string { return s.id }

func (s stream[E]) Send(event E) error {
	data, err := protocol.Encode(event)
	if err != nil {
		return err
	}
	return s.sender.SendMessage(s.id, data)
}

// HandleConnect attaches the connection to its channel (initially unbound;
// the first event joins a conversation), announces presence when this is
// the user's first connection, and confirms the stream to the client.
func (g *Gateway) HandleConnect(conn *ws.Connection, cameOnline bool) {
	sess := &session{}
	switch conn.Channel {
	case ws.ChannelLive:
		sess.live = g.live.Attach(stream[protocol.LiveMessage]{id: conn.ID, sender: g.sender}, conn.Identity)
	case ws.ChannelTyping:
		sess.typing = g.typing.Attach(stream[protocol.TypingEvent]{id: conn.ID, sender: g.sender}, conn.Identity)
	default:
		log.Printf("[gateway] unknown channel %q session=%s", conn.Channel, conn.ID)
		return
	}

	g.mu.Lock()
	g.sessions[conn.ID] = sess
	g.mu.Unlock()

	if cameOnline && g.nats != nil {
		if err := g.nats.PublishPresence(conn.Identity.UserID, true); err != nil {
			log.Printf("[gateway] presence publish failed user=%s: %v", conn.Identity.UserID, err)
		}
	}

	g.sendFrame(conn.ID, protocol.StreamReady{
		Type:      "stream_ready",
		SessionID: conn.ID,
		UserID:    conn.Identity.UserID,
	})
}

// HandleMessage processes one inbound frame on whichever channel the
// connection belongs to.
func (g *Gateway) HandleMessage(conn *ws.Connection, data []byte) {
	g.mu.Lock()
	sess := g.sessions[conn.ID]
	g.mu.Unlock()
	if sess == nil {
		return
	}

	switch conn.Channel {
	case ws.ChannelLive:
		g.handleLive(conn, sess, data)
	case ws.ChannelTyping:
		g.handleTyping(conn, sess, data)
	}
}

// HandleDisconnect releases the connection's conversation membership. It
// runs on every termination path — clean close, read error, heartbeat
// eviction, shutdown — so a departed stream never lingers in a peer set.
func (g *Gateway) HandleDisconnect(conn *ws.Connection, wentOffline bool) {
	g.mu.Lock()
	sess := g.sessions[conn.ID]
	delete(g.sessions, conn.ID)
	g.mu.Unlock()

	if sess != nil {
		sess.close()
	}

	if wentOffline && g.nats != nil {
		if err := g.nats.PublishPresence(conn.Identity.UserID, false); err != nil {
			log.Printf("[gateway] presence publish failed user=%s: %v", conn.Identity.UserID, err)
		}
	}
}

// handleLive forwards a chat message to the other participants of its
// conversation, then publishes a copy for the messages service to archive.
// Fan-out does not wait for persistence; whether a message survives a crash
// between the two is the storage layer's concern, exactly as it is for the
// REST send path.
func (g *Gateway) handleLive(conn *ws.Connection, sess *session, data []byte) {
	if !g.allow(conn.Identity.UserID, ratelimit.RuleLiveMessage) {
		metrics.EventsTotal.WithLabelValues(ws.ChannelLive, "rate_limited").Inc()
		g.sendError(conn.ID, protocol.CodeRateLimited, "live message rate limit exceeded")
		return
	}

	msg, err := protocol.DecodeLiveMessage(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(ws.ChannelLive, "invalid").Inc()
		g.sendError(conn.ID, errorCode(err), err.Error())
		return
	}

	start := time.Now()
	res, err := sess.live.Deliver(msg)
	if err != nil {
		if errors.Is(err, conversation.ErrClosed) {
			return // connection is being torn down
		}
		metrics.EventsTotal.WithLabelValues(ws.ChannelLive, "invalid").Inc()
		g.sendError(conn.ID, errorCode(err), err.Error())
		return
	}
	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	metrics.EventsTotal.WithLabelValues(ws.ChannelLive, "forwarded").Inc()
	countDeliveries(ws.ChannelLive, res)

	if g.nats != nil {
		if err := g.nats.PublishLiveMessage(res.Conversation, data); err != nil {
			log.Printf("[gateway] live message publish failed conversation=%s: %v", res.Conversation, err)
		}
	}
}

// handleTyping forwards a typing indicator. Typing events are ephemeral:
// they are never published downstream, never persisted, and losing one is
// fine.
func (g *Gateway) handleTyping(conn *ws.Connection, sess *session, data []byte) {
	if !g.allow(conn.Identity.UserID, ratelimit.RuleTyping) {
		metrics.EventsTotal.WithLabelValues(ws.ChannelTyping, "rate_limited").Inc()
		// No error frame: a throttled typing indicator is not worth a
		// round trip, the client will send another soon enough.
		return
	}

	ind, err := protocol.DecodeTypingIndicator(data)
	if err != nil {
		metrics.EventsTotal.WithLabelValues(ws.ChannelTyping, "invalid").Inc()
		g.sendError(conn.ID, errorCode(err), err.Error())
		return
	}

	start := time.Now()
	res, err := sess.typing.Deliver(ind)
	if err != nil {
		if errors.Is(err, conversation.ErrClosed) {
			return
		}
		metrics.EventsTotal.WithLabelValues(ws.ChannelTyping, "invalid").Inc()
		g.sendError(conn.ID, errorCode(err), err.Error())
		return
	}
	metrics.FanoutDuration.Observe(time.Since(start).Seconds())
	metrics.EventsTotal.WithLabelValues(ws.ChannelTyping, "forwarded").Inc()
	countDeliveries(ws.ChannelTyping, res)
}

// allow checks the per-user rate limit for one inbound event.
func (g *Gateway) allow(userID string, rule ratelimit.Rule) bool {
	if g.limiter == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, _ := g.limiter.Allow(ctx, userID, rule)
	return ok
}

func (g *Gateway) sendFrame(connID string, payload interface{}) {
	data, err := protocol.Encode(payload)
	if err != nil {
		log.Printf("[gateway] encode frame for session=%s: %v", connID, err)
		return
	}
	if err := g.sender.SendMessage(connID, data); err != nil {
		log.Printf("[gateway] send frame to session=%s: %v", connID, err)
	}
}

func (g *Gateway) sendError(connID, code, message string) {
	g.sendFrame(connID, protocol.ErrorFrame{Code: code, Message: message})
}

// errorCode maps a decode/validation error to its wire error code.
func errorCode(err error) string {
	if errors.Is(err, protocol.ErrMissingConversation) || errors.Is(err, protocol.ErrMissingCounterpart) {
		return protocol.CodeMissingConversation
	}
	return protocol.CodeInvalidMessage
}

func countDeliveries(channel string, res conversation.Delivery) {
	if res.Delivered > 0 {
		metrics.DeliveriesTotal.WithLabelValues(channel, "ok").Add(float64(res.Delivered))
	}
	if res.Pruned > 0 {
		metrics.DeliveriesTotal.WithLabelValues(channel, "pruned").Add(float64(res.Pruned))
	}
}
