package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/glimpse/realtime/internal/conversation"
	"github.com/glimpse/realtime/internal/identity"
	"github.com/glimpse/realtime/internal/protocol"
	"github.com/glimpse/realtime/internal/ws"
)

// recordingSender captures frames per connection id instead of writing to a
// socket. Marking a connection failed makes every send error, the way a
// write to a dead socket would.
type recordingSender struct {
	mu     sync.Mutex
	frames map[string][][]byte
	failed map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		frames: make(map[string][][]byte),
		failed: make(map[string]bool),
	}
}

func (r *recordingSender) SendMessage(connID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed[connID] {
		return errors.New("connection reset")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	r.frames[connID] = append(r.frames[connID], cp)
	return nil
}

func (r *recordingSender) fail(connID string) {
	r.mu.Lock()
	r.failed[connID] = true
	r.mu.Unlock()
}

func (r *recordingSender) sent(connID string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[connID]
}

// last decodes the most recent frame sent to connID into v.
func (r *recordingSender) last(t *testing.T, connID string, v interface{}) {
	t.Helper()
	frames := r.sent(connID)
	if len(frames) == 0 {
		t.Fatalf("no frames sent to %s", connID)
	}
	if err := json.Unmarshal(frames[len(frames)-1], v); err != nil {
		t.Fatalf("decode frame for %s: %v", connID, err)
	}
}

func newTestGateway() (*Gateway, *recordingSender) {
	live := NewLiveChannel(conversation.NewRegistry[protocol.LiveMessage]())
	typing := NewTypingChannel(conversation.NewRegistry[protocol.TypingEvent]())
	g := New(live, typing, nil, nil)
	sender := newRecordingSender()
	g.SetSender(sender)
	return g, sender
}

func liveConn(id, userID, username string) *ws.Connection {
	return &ws.Connection{
		ID:      id,
		Channel: ws.ChannelLive,
		Identity: identity.Identity{
			UserID:   userID,
			Username: username,
		},
	}
}

func typingConn(id, userID, username string) *ws.Connection {
	return &ws.Connection{
		ID:      id,
		Channel: ws.ChannelTyping,
		Identity: identity.Identity{
			UserID:   userID,
			Username: username,
		},
	}
}

func TestConnectSendsStreamReady(t *testing.T) {
	g, sender := newTestGateway()

	conn := liveConn("s1", "u1", "alice")
	g.HandleConnect(conn, true)

	var ready protocol.StreamReady
	sender.last(t, "s1", &ready)
	if ready.Type != "stream_ready" {
		t.Errorf("type = %q, want stream_ready", ready.Type)
	}
	if ready.SessionID != "s1" || ready.UserID != "u1" {
		t.Errorf("got session=%q user=%q", ready.SessionID, ready.UserID)
	}
}

func TestLiveMessageFanOut(t *testing.T) {
	g, sender := newTestGateway()

	alice := liveConn("sa", "u1", "alice")
	bob := liveConn("sb", "u2", "bob")
	g.HandleConnect(alice, true)
	g.HandleConnect(bob, true)

	// Bob binds to the conversation first so he is listening when
	// Alice's message arrives.
	g.HandleMessage(bob, []byte(`{"conversationId":"c1","content":"hi","messageType":"text","senderId":"u2"}`))
	g.HandleMessage(alice, []byte(`{"conversationId":"c1","content":"hello bob","messageType":"text","senderId":"u1"}`))

	var got protocol.LiveMessage
	sender.last(t, "sb", &got)
	if got.Content != "hello bob" {
		t.Errorf("bob received content %q, want %q", got.Content, "hello bob")
	}
	if got.ConversationID != "c1" {
		t.Errorf("conversation = %q, want c1", got.ConversationID)
	}

	// Alice never receives her own message: only the stream_ready frame
	// plus nothing from her send (bob's first message predates her join).
	for _, frame := range sender.sent("sa") {
		var echo protocol.LiveMessage
		if err := json.Unmarshal(frame, &echo); err == nil && echo.Content == "hello bob" {
			t.Error("sender received an echo of its own message")
		}
	}
}

func TestLiveMessageMissingConversation(t *testing.T) {
	g, sender := newTestGateway()

	alice := liveConn("sa", "u1", "alice")
	g.HandleConnect(alice, true)

	g.HandleMessage(alice, []byte(`{"content":"hi","messageType":"text"}`))

	var frame protocol.ErrorFrame
	sender.last(t, "sa", &frame)
	if frame.Code != protocol.CodeMissingConversation {
		t.Errorf("code = %q, want %q", frame.Code, protocol.CodeMissingConversation)
	}
}

func TestLiveMessageInvalidJSON(t *testing.T) {
	g, sender := newTestGateway()

	alice := liveConn("sa", "u1", "alice")
	g.HandleConnect(alice, true)

	g.HandleMessage(alice, []byte(`{not json`))

	var frame protocol.ErrorFrame
	sender.last(t, "sa", &frame)
	if frame.Code != protocol.CodeInvalidMessage {
		t.Errorf("code = %q, want %q", frame.Code, protocol.CodeInvalidMessage)
	}
}

func TestRebindingAcrossConversations(t *testing.T) {
	g, sender := newTestGateway()

	alice := liveConn("sa", "u1", "alice")
	bob := liveConn("sb", "u2", "bob")
	carol := liveConn("sc", "u3", "carol")
	g.HandleConnect(alice, true)
	g.HandleConnect(bob, true)
	g.HandleConnect(carol, true)

	g.HandleMessage(bob, []byte(`{"conversationId":"c1","content":"x","messageType":"text"}`))
	g.HandleMessage(carol, []byte(`{"conversationId":"c2","content":"y","messageType":"text"}`))

	g.HandleMessage(alice, []byte(`{"conversationId":"c1","content":"to bob","messageType":"text"}`))
	g.HandleMessage(alice, []byte(`{"conversationId":"c2","content":"to carol","messageType":"text"}`))

	var toBob protocol.LiveMessage
	sender.last(t, "sb", &toBob)
	if toBob.Content != "to bob" {
		t.Errorf("bob received %q, want %q", toBob.Content, "to bob")
	}

	var toCarol protocol.LiveMessage
	sender.last(t, "sc", &toCarol)
	if toCarol.Content != "to carol" {
		t.Errorf("carol received %q, want %q", toCarol.Content, "to carol")
	}

	// After the switch, traffic in c2 must not reach Alice's old spot
	// in c1. Bob speaks again in c1; Alice is no longer there.
	before := len(sender.sent("sa"))
	g.HandleMessage(bob, []byte(`{"conversationId":"c1","content":"still here?","messageType":"text"}`))
	if got := len(sender.sent("sa")); got != before {
		t.Errorf("alice received a frame from a conversation she left")
	}
}

func TestTypingRewriteAndPairKey(t *testing.T) {
	g, sender := newTestGateway()

	alice := typingConn("ta", "u1", "alice")
	bob := typingConn("tb", "u2", "bob")
	g.HandleConnect(alice, true)
	g.HandleConnect(bob, true)

	// Bob joins the pair conversation by typing at Alice, then Alice
	// types at Bob. The sorted pair key puts both in the same
	// conversation regardless of who typed first.
	g.HandleMessage(bob, []byte(`{"userId":"u1","isTyping":true}`))
	g.HandleMessage(alice, []byte(`{"userId":"u2","isTyping":true}`))

	var ev protocol.TypingEvent
	sender.last(t, "tb", &ev)
	if ev.UserID != "u1" || ev.Username != "alice" {
		t.Errorf("event attributed to %q/%q, want u1/alice", ev.UserID, ev.Username)
	}
	if !ev.IsTyping {
		t.Error("isTyping = false, want true")
	}
	if ev.Timestamp.IsZero() {
		t.Error("timestamp not set server-side")
	}
}

func TestTypingSpoofedIdentityIgnored(t *testing.T) {
	g, sender := newTestGateway()

	alice := typingConn("ta", "u1", "alice")
	mallory := typingConn("tm", "u3", "mallory")
	g.HandleConnect(alice, true)
	g.HandleConnect(mallory, true)

	g.HandleMessage(alice, []byte(`{"userId":"u3","isTyping":true}`))
	// Mallory claims nothing about who she is; the payload cannot carry
	// a sender identity at all, only the counterpart.
	g.HandleMessage(mallory, []byte(`{"userId":"u1","isTyping":true}`))

	var ev protocol.TypingEvent
	sender.last(t, "ta", &ev)
	if ev.UserID != "u3" || ev.Username != "mallory" {
		t.Errorf("event attributed to %q/%q, want u3/mallory", ev.UserID, ev.Username)
	}
}

func TestTypingMissingCounterpart(t *testing.T) {
	g, sender := newTestGateway()

	alice := typingConn("ta", "u1", "alice")
	g.HandleConnect(alice, true)

	g.HandleMessage(alice, []byte(`{"isTyping":true}`))

	var frame protocol.ErrorFrame
	sender.last(t, "ta", &frame)
	if frame.Code != protocol.CodeMissingConversation {
		t.Errorf("code = %q, want %q", frame.Code, protocol.CodeMissingConversation)
	}
}

func TestDisconnectLeavesConversation(t *testing.T) {
	g, sender := newTestGateway()

	alice := liveConn("sa", "u1", "alice")
	bob := liveConn("sb", "u2", "bob")
	g.HandleConnect(alice, true)
	g.HandleConnect(bob, true)

	g.HandleMessage(bob, []byte(`{"conversationId":"c1","content":"x","messageType":"text"}`))
	g.HandleMessage(alice, []byte(`{"conversationId":"c1","content":"y","messageType":"text"}`))

	g.HandleDisconnect(bob, true)

	before := len(sender.sent("sb"))
	g.HandleMessage(alice, []byte(`{"conversationId":"c1","content":"gone?","messageType":"text"}`))
	if got := len(sender.sent("sb")); got != before {
		t.Error("disconnected connection still received a frame")
	}
}

func TestMessageAfterDisconnectIgnored(t *testing.T) {
	g, sender := newTestGateway()

	alice := liveConn("sa", "u1", "alice")
	g.HandleConnect(alice, true)
	g.HandleDisconnect(alice, true)

	before := len(sender.sent("sa"))
	g.HandleMessage(alice, []byte(`{"conversationId":"c1","content":"x","messageType":"text"}`))
	if got := len(sender.sent("sa")); got != before {
		t.Error("frame processed for a session that no longer exists")
	}
}

func TestDeadPeerPrunedOnSendFailure(t *testing.T) {
	g, sender := newTestGateway()

	alice := liveConn("sa", "u1", "alice")
	bob := liveConn("sb", "u2", "bob")
	carol := liveConn("sc", "u3", "carol")
	g.HandleConnect(alice, true)
	g.HandleConnect(bob, true)
	g.HandleConnect(carol, true)

	join := []byte(`{"conversationId":"c1","content":"join","messageType":"text"}`)
	g.HandleMessage(bob, join)
	g.HandleMessage(carol, join)

	sender.fail("sb")

	g.HandleMessage(alice, []byte(`{"conversationId":"c1","content":"first","messageType":"text"}`))

	// Carol still got the message despite Bob's failure.
	var got protocol.LiveMessage
	sender.last(t, "sc", &got)
	if got.Content != "first" {
		t.Errorf("carol received %q, want %q", got.Content, "first")
	}

	// Bob was pruned: a recovered socket would see no further traffic.
	if n := g.live.Registry().Members("c1"); n != 2 {
		t.Errorf("conversation has %d members after prune, want 2", n)
	}
}

func TestUnknownChannelConnectIgnored(t *testing.T) {
	g, sender := newTestGateway()

	conn := &ws.Connection{ID: "sx", Channel: "video"}
	g.HandleConnect(conn, true)

	if frames := sender.sent("sx"); len(frames) != 0 {
		t.Errorf("unknown channel received %d frames, want 0", len(frames))
	}
	g.HandleDisconnect(conn, true) // must not panic
}
