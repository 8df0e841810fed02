package claims

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sunflowermm/xrkbot/pkg/event"
)

func TestClaimExclusive(t *testing.T) {
	m := NewManager()
	scope := event.UserScope("1")

	if !m.Claim(scope, "quiz", time.Minute, "", nil) {
		t.Fatal("first claim refused")
	}
	if m.Claim(scope, "poll", time.Minute, "", nil) {
		t.Fatal("second claim on a live scope succeeded")
	}

	// A different scope is independent.
	if !m.Claim(event.UserScope("2"), "poll", time.Minute, "", nil) {
		t.Fatal("claim on unrelated scope refused")
	}

	owner, ok := m.Owner(scope)
	if !ok || owner != "quiz" {
		t.Errorf("owner = %q, %v; want quiz, true", owner, ok)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	m := NewManager()
	scope := event.GroupScope("g")

	m.Claim(scope, "setup", time.Minute, "", nil)
	m.Release(scope)
	m.Release(scope) // no-op

	if _, ok := m.Owner(scope); ok {
		t.Fatal("scope still owned after release")
	}
	if !m.Claim(scope, "other", time.Minute, "", nil) {
		t.Fatal("released scope not claimable")
	}
}

func TestLazyExpiry(t *testing.T) {
	m := NewManager()
	scope := event.UserScope("1")

	m.Claim(scope, "quiz", -time.Second, "", nil)

	if _, ok := m.Owner(scope); ok {
		t.Fatal("expired claim reported as live")
	}
	if m.Len() != 0 {
		t.Errorf("len = %d after lazy expiry, want 0", m.Len())
	}
	// The slot is free again immediately.
	if !m.Claim(scope, "poll", time.Minute, "", nil) {
		t.Fatal("expired scope not reclaimable")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	m := NewManager()
	m.Claim(event.UserScope("1"), "a", -time.Second, "", nil)
	m.Claim(event.UserScope("2"), "b", -time.Second, "", nil)
	m.Claim(event.UserScope("3"), "c", time.Minute, "", nil)

	if n := m.Sweep(context.Background()); n != 2 {
		t.Errorf("swept %d claims, want 2", n)
	}
	if owner, ok := m.Owner(event.UserScope("3")); !ok || owner != "c" {
		t.Errorf("live claim lost by sweep: %q, %v", owner, ok)
	}
	if n := m.Sweep(context.Background()); n != 0 {
		t.Errorf("second sweep removed %d claims, want 0", n)
	}
}

func TestTimeoutMessageDelivered(t *testing.T) {
	var mu sync.Mutex
	var got string
	reply := func(ctx context.Context, segs ...event.Segment) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		got = event.PlainText(segs)
		return true, nil
	}

	m := NewManager()
	m.Claim(event.UserScope("1"), "quiz", -time.Second, "time is up", reply)
	m.Sweep(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if got != "time is up" {
		t.Errorf("timeout notice = %q, want \"time is up\"", got)
	}
}

func TestNoTimeoutMessageOnRelease(t *testing.T) {
	called := false
	reply := func(ctx context.Context, segs ...event.Segment) (bool, error) {
		called = true
		return true, nil
	}

	m := NewManager()
	scope := event.UserScope("1")
	m.Claim(scope, "quiz", time.Minute, "time is up", reply)
	m.Release(scope)
	m.Sweep(context.Background())

	if called {
		t.Fatal("timeout notice sent for an explicitly released claim")
	}
}

func TestTimeoutMessageDeliveredOnReclaim(t *testing.T) {
	notified := make(chan string, 1)
	reply := func(ctx context.Context, segs ...event.Segment) (bool, error) {
		notified <- event.PlainText(segs)
		return true, nil
	}

	m := NewManager()
	scope := event.UserScope("1")
	m.Claim(scope, "quiz", -time.Second, "time is up", reply)

	// Claiming over the expired slot still owes its timeout notice.
	if !m.Claim(scope, "poll", time.Minute, "", nil) {
		t.Fatal("expired scope not reclaimable")
	}
	select {
	case got := <-notified:
		if got != "time is up" {
			t.Errorf("timeout notice = %q, want \"time is up\"", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout notice not delivered for the replaced expired claim")
	}

	if owner, ok := m.Owner(scope); !ok || owner != "poll" {
		t.Errorf("owner = %q, %v; want poll, true", owner, ok)
	}
}

func TestTTLRefreshByOwner(t *testing.T) {
	m := NewManager()
	scope := event.UserScope("1")

	m.Claim(scope, "quiz", -time.Second, "", nil)
	// After expiry anyone may claim, including the previous owner with a
	// fresh TTL.
	if !m.Claim(scope, "quiz", time.Minute, "", nil) {
		t.Fatal("owner could not re-claim after expiry")
	}
	if owner, ok := m.Owner(scope); !ok || owner != "quiz" {
		t.Errorf("owner = %q, %v", owner, ok)
	}
}
