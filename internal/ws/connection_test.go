package ws

import (
	"sync"
	"testing"
	"time"
)

func TestConnectionActivityTimestamp(t *testing.T) {
	c := &Connection{ID: "s1"}

	before := time.Now()
	c.Touch()
	got := c.LastActivity()

	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("LastActivity %v outside [%v, now]", got, before)
	}
}

// Read workers touch the connection while the heartbeat sweep reads it;
// this must be clean under the race detector.
func TestConnectionActivityConcurrent(t *testing.T) {
	c := &Connection{ID: "s1"}
	c.Touch()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				c.Touch()
				if c.LastActivity().IsZero() {
					t.Error("LastActivity returned zero after Touch")
					return
				}
			}
		}()
	}
	wg.Wait()

	if idle := time.Since(c.LastActivity()); idle > time.Minute {
		t.Errorf("stale activity timestamp: %v idle", idle)
	}
}
