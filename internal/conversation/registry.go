// Package conversation implements the realtime fan-out core: an in-memory
// registry of which streams are attached to which conversation, and the
// per-connection binding lifecycle that forwards each inbound event to every
// other participant. State lives entirely in process memory; a restart drops
// all memberships and clients re-join by sending their next event.
package conversation

import "sync"

// Stream is one attached duplex connection as the fan-out core sees it: a
// stable id for set membership and a way to push an event to its client.
// Send may block until the peer's transport accepts the write; an error
// means the peer is gone and the stream will be pruned.
type Stream[E any] interface {
	ID() string
	Send(event E) error
}

// Registry maps a conversation id to the set of streams currently attached
// to it. Each channel (live messages, typing) owns its own Registry, so one
// connection can hold memberships on both channels independently.
//
// All methods are safe for concurrent use. Join and Leave mutate under an
// exclusive lock; Peers copies the member set under a read lock so callers
// can deliver to the snapshot without holding any lock.
type Registry[E any] struct {
	mu      sync.RWMutex
	members map[string]map[string]Stream[E] // conversation id -> stream id -> stream
}

// NewRegistry creates an empty Registry.
func NewRegistry[E any]() *Registry[E] {
	return &Registry[E]{
		members: make(map[string]map[string]Stream[E]),
	}
}

// Join adds s to the member set for conversationID, creating the set if this
// is the first member. Joining a conversation the stream already belongs to
// is a no-op.
func (r *Registry[E]) Join(conversationID string, s Stream[E]) {
	r.mu.Lock()
	set, ok := r.members[conversationID]
	if !ok {
		set = make(map[string]Stream[E])
		r.members[conversationID] = set
	}
	set[s.ID()] = s
	r.mu.Unlock()
}

// Leave removes s from the member set for conversationID. When the set
// becomes empty the conversation entry is deleted so the registry does not
// accumulate dead keys. Leaving a conversation the stream is not part of is
// a no-op.
func (r *Registry[E]) Leave(conversationID string, s Stream[E]) {
	r.mu.Lock()
	if set, ok := r.members[conversationID]; ok {
		delete(set, s.ID())
		if len(set) == 0 {
			delete(r.members, conversationID)
		}
	}
	r.mu.Unlock()
}

// Peers returns a snapshot of the streams attached to conversationID,
// excluding the given stream. The returned slice is safe to iterate while
// other goroutines join and leave; deliveries to it observe the membership
// as of the moment of the call.
func (r *Registry[E]) Peers(conversationID string, excluding Stream[E]) []Stream[E] {
	r.mu.RLock()
	set := r.members[conversationID]
	peers := make([]Stream[E], 0, len(set))
	for id, s := range set {
		if id == excluding.ID() {
			continue
		}
		peers = append(peers, s)
	}
	r.mu.RUnlock()
	return peers
}

// Conversations returns the number of conversations with at least one
// attached stream.
func (r *Registry[E]) Conversations() int {
	r.mu.RLock()
	n := len(r.members)
	r.mu.RUnlock()
	return n
}

// Members returns the current member count for conversationID, zero if the
// conversation has no entry.
func (r *Registry[E]) Members(conversationID string) int {
	r.mu.RLock()
	n := len(r.members[conversationID])
	r.mu.RUnlock()
	return n
}
