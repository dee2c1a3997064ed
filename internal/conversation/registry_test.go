package conversation

import (
	"fmt"
	"sync"
	"testing"
)

// recordStream is a Stream implementation for tests that records every event
// pushed to it and can be flipped into a failing state to simulate a dead
// connection.
type recordStream struct {
	id string

	mu   sync.Mutex
	got  []string
	fail bool
}

func newRecordStream(id string) *recordStream {
	return &recordStream{id: id}
}

func (s *recordStream) ID() string { return s.id }

func (s *recordStream) Send(event string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("stream %s: connection gone", s.id)
	}
	s.got = append(s.got, event)
	return nil
}

func (s *recordStream) setFailing(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *recordStream) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.got))
	copy(out, s.got)
	return out
}

func TestJoinAndPeers(t *testing.T) {
	r := NewRegistry[string]()
	a := newRecordStream("a")
	b := newRecordStream("b")

	r.Join("u1:u2", a)
	r.Join("u1:u2", b)

	peers := r.Peers("u1:u2", a)
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer for a, got %d", len(peers))
	}
	if peers[0].ID() != "b" {
		t.Errorf("expected peer b, got %s", peers[0].ID())
	}
}

func TestJoinIdempotent(t *testing.T) {
	r := NewRegistry[string]()
	a := newRecordStream("a")

	r.Join("u1:u2", a)
	r.Join("u1:u2", a)

	if n := r.Members("u1:u2"); n != 1 {
		t.Fatalf("expected 1 member after double join, got %d", n)
	}
}

func TestLeaveRemovesEmptyConversation(t *testing.T) {
	r := NewRegistry[string]()
	a := newRecordStream("a")
	b := newRecordStream("b")

	r.Join("u1:u2", a)
	r.Join("u1:u2", b)
	r.Leave("u1:u2", a)

	if n := r.Members("u1:u2"); n != 1 {
		t.Fatalf("expected 1 member after first leave, got %d", n)
	}
	if n := r.Conversations(); n != 1 {
		t.Fatalf("expected conversation to survive with a member, got %d", n)
	}

	r.Leave("u1:u2", b)

	if n := r.Conversations(); n != 0 {
		t.Fatalf("expected empty conversation to be removed, got %d entries", n)
	}
}

func TestLeaveUnknownIsNoOp(t *testing.T) {
	r := NewRegistry[string]()
	a := newRecordStream("a")

	// Neither the conversation nor the stream exist; must not panic.
	r.Leave("nope", a)

	r.Join("u1:u2", a)
	r.Leave("u1:u2", newRecordStream("stranger"))

	if n := r.Members("u1:u2"); n != 1 {
		t.Fatalf("leaving a non-member changed the set: %d members", n)
	}
}

func TestPeersExcludesSelf(t *testing.T) {
	r := NewRegistry[string]()
	a := newRecordStream("a")

	r.Join("u1:u2", a)

	if peers := r.Peers("u1:u2", a); len(peers) != 0 {
		t.Fatalf("sole member should see no peers, got %d", len(peers))
	}
}

func TestPeersSnapshotSurvivesMutation(t *testing.T) {
	r := NewRegistry[string]()
	a := newRecordStream("a")
	b := newRecordStream("b")
	c := newRecordStream("c")

	r.Join("k", a)
	r.Join("k", b)
	r.Join("k", c)

	peers := r.Peers("k", a)

	// Mutations after the snapshot must not affect it.
	r.Leave("k", b)
	r.Leave("k", c)

	if len(peers) != 2 {
		t.Fatalf("snapshot changed under mutation: %d peers", len(peers))
	}
}

func TestConcurrentJoinLeavePeers(t *testing.T) {
	r := NewRegistry[string]()
	goroutines := 50
	iterations := 100

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			s := newRecordStream(fmt.Sprintf("s-%d", id))
			conv := fmt.Sprintf("conv-%d", id%5)
			for i := 0; i < iterations; i++ {
				r.Join(conv, s)
				_ = r.Peers(conv, s)
				r.Leave(conv, s)
			}
		}(g)
	}

	wg.Wait()

	if n := r.Conversations(); n != 0 {
		t.Fatalf("expected empty registry after all leaves, got %d conversations", n)
	}
}
