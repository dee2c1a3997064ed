package conversation

import (
	"errors"
	"sync"

	"github.com/glimpse/realtime/internal/identity"
)

// ErrClosed is returned by Deliver after the binding has been closed.
var ErrClosed = errors.New("conversation: binding closed")

// KeyFunc derives the routing conversation id for an inbound event. An error
// means the event carries no usable routing key and must be rejected without
// touching the sender's membership.
type KeyFunc[In any] func(sender identity.Identity, event In) (string, error)

// OutboundFunc builds the payload delivered to peers from an inbound event.
// The live message channel forwards events verbatim; the typing channel
// reconstructs the payload server-side so clients cannot spoof the sender.
type OutboundFunc[In, Out any] func(sender identity.Identity, event In) Out

// Channel is one fan-out concern (live messages, typing indicators) tying a
// Registry to the channel's routing-key derivation and outbound rewrite.
// Both channels in the gateway are instances of this one type; they differ
// only in their type parameters and the two functions.
type Channel[In, Out any] struct {
	name     string
	registry *Registry[Out]
	key      KeyFunc[In]
	outbound OutboundFunc[In, Out]
}

// NewChannel creates a Channel over the given registry. The registry is
// injected so tests and the process wiring own its lifecycle; the channel
// never reaches for shared global state.
func NewChannel[In, Out any](name string, registry *Registry[Out], key KeyFunc[In], outbound OutboundFunc[In, Out]) *Channel[In, Out] {
	return &Channel[In, Out]{
		name:     name,
		registry: registry,
		key:      key,
		outbound: outbound,
	}
}

// Name returns the channel name, used for logging and metric labels.
func (c *Channel[In, Out]) Name() string {
	return c.name
}

// Registry exposes the underlying registry, for membership inspection and
// gauge registration.
func (c *Channel[In, Out]) Registry() *Registry[Out] {
	return c.registry
}

// Attach creates the binding that drives one connection's lifecycle on this
// channel. The binding starts unbound; it joins a conversation when the
// first event arrives.
func (c *Channel[In, Out]) Attach(stream Stream[Out], sender identity.Identity) *Binding[In, Out] {
	return &Binding[In, Out]{
		channel: c,
		stream:  stream,
		sender:  sender,
	}
}

// Delivery reports the outcome of fanning out one inbound event.
type Delivery struct {
	Conversation string // the conversation the event was routed to
	Delivered    int    // peers that accepted the event
	Pruned       int    // peers removed because their write failed
}

// Binding is one connection's membership state on one channel. It moves from
// unbound, to bound to exactly one conversation, to closed. Deliver and
// Close may race from different goroutines (event worker vs. disconnect
// path); the mutex keeps the membership transitions atomic.
//
// Deliver must not be called concurrently with itself for the same binding:
// the transport reads one frame at a time per connection, which is what
// preserves per-sender event ordering.
type Binding[In, Out any] struct {
	channel *Channel[In, Out]
	stream  Stream[Out]
	sender  identity.Identity

	mu      sync.Mutex
	current string // bound conversation id, empty while unbound
	closed  bool
}

// Deliver routes one inbound event: it derives the conversation key, moves
// the stream's membership there (leaving any previously bound conversation
// first), and pushes the outbound payload to every other member of a
// point-in-time peer snapshot. A peer whose write fails is removed from the
// conversation immediately and delivery continues with the remaining peers.
//
// Membership is re-asserted on every event, not only on rebinds: a stream
// pruned from the set by a transient write failure rejoins the conversation
// the moment it sends again.
func (b *Binding[In, Out]) Deliver(event In) (Delivery, error) {
	key, err := b.channel.key(b.sender, event)
	if err != nil {
		return Delivery{}, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Delivery{}, ErrClosed
	}
	if b.current != "" && b.current != key {
		b.channel.registry.Leave(b.current, b.stream)
	}
	b.channel.registry.Join(key, b.stream)
	b.current = key
	b.mu.Unlock()

	out := b.channel.outbound(b.sender, event)
	result := Delivery{Conversation: key}
	for _, peer := range b.channel.registry.Peers(key, b.stream) {
		if err := peer.Send(out); err != nil {
			b.channel.registry.Leave(key, peer)
			result.Pruned++
			continue
		}
		result.Delivered++
	}
	return result, nil
}

// Close removes the stream from whatever conversation it was last bound to
// and marks the binding terminal. It is idempotent and runs on every
// termination path, clean close or error, so a dead connection never
// lingers in a member set.
func (b *Binding[In, Out]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.current != "" {
		b.channel.registry.Leave(b.current, b.stream)
		b.current = ""
	}
}

// Conversation returns the conversation id the binding is currently bound
// to, or the empty string while unbound or after Close.
func (b *Binding[In, Out]) Conversation() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
