package dispatch

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/sunflowermm/xrkbot/internal/claims"
	"github.com/sunflowermm/xrkbot/internal/dedup"
	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/internal/scheduler"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

func newEngine() *Engine {
	return New(scheduler.NewRegistry(), dedup.NewSet(dedup.DefaultCap), claims.NewManager())
}

// deal mirrors Deal but runs the walk inline, so tests can assert on
// handler call order without synchronizing on the dispatch goroutine.
func deal(en *Engine, e *event.Event) {
	if e == nil {
		return
	}
	en.dedup.EnsureID(e)
	if !en.dedup.MarkProcessed(e) {
		return
	}
	en.walk(context.Background(), e)
}

func msgEvent(id, userID, text string) *event.Event {
	return &event.Event{
		ID:        id,
		AdapterID: "test",
		PostType:  event.PostMessage,
		Scope:     event.UserScope(userID),
		Actor:     event.Actor{ID: userID, Name: userID, Role: event.RoleMember},
		Message:   &event.MessagePayload{Text: text, Segments: []event.Segment{event.Text(text)}},
	}
}

// recorder registers a handler that appends its name to calls.
func recorder(en *Engine, calls *[]string, name string, priority int, enhancer, handled bool) {
	en.Registry().Register(&scheduler.Descriptor{
		Name:     name,
		Priority: priority,
		Enhancer: enhancer,
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			*calls = append(*calls, name)
			return handled, nil
		},
	})
}

func TestDuplicateDropped(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "echo", event.PriorityNormal, false, true)

	deal(en, msgEvent("ev1", "1", "hi"))
	deal(en, msgEvent("ev1", "1", "hi"))

	if len(calls) != 1 {
		t.Fatalf("handler ran %d times for a retransmitted event, want 1", len(calls))
	}
}

func TestShortCircuitAfterEnhancers(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "enh-b", event.PriorityEnhancer+1, true, false)
	recorder(en, &calls, "enh-a", event.PriorityEnhancer, true, false)
	recorder(en, &calls, "late", event.PriorityLow, false, true)
	recorder(en, &calls, "stop", event.PriorityNormal, false, true)
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	deal(en, msgEvent("ev1", "1", "hi"))

	want := []string{"enh-a", "enh-b", "stop"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestWalkContinuesPastUnhandled(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "skip", event.PriorityNormal, false, false)
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	deal(en, msgEvent("ev1", "1", "hi"))

	if len(calls) != 2 || calls[1] != "fallback" {
		t.Fatalf("calls = %v, want walk to reach fallback", calls)
	}
}

func TestHandlerErrorIsolation(t *testing.T) {
	en := newEngine()
	var calls []string
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "broken",
		Priority: event.PriorityNormal,
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			return true, errors.New("backend down")
		},
	})
	recorder(en, &calls, "next", event.PriorityLow, false, true)

	deal(en, msgEvent("ev1", "1", "hi"))

	// An erroring handler counts as not-handled even with a truthy result.
	if len(calls) != 1 || calls[0] != "next" {
		t.Fatalf("calls = %v, want the walk to continue past the failing handler", calls)
	}
}

func TestHandlerPanicIsolation(t *testing.T) {
	en := newEngine()
	var calls []string
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "bomb",
		Priority: event.PriorityNormal,
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			panic("nil map write")
		},
	})
	recorder(en, &calls, "next", event.PriorityLow, false, true)

	deal(en, msgEvent("ev1", "1", "hi"))

	if len(calls) != 1 || calls[0] != "next" {
		t.Fatalf("calls = %v, want dispatch to survive the panic", calls)
	}
}

func TestTriggerAndRoleFilters(t *testing.T) {
	en := newEngine()
	var calls []string
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "admin-only",
		Priority: event.PriorityNormal,
		MinRole:  event.RoleAdmin,
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "admin-only")
			return true, nil
		},
	})
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "status",
		Priority: event.PriorityLow,
		Trigger:  regexp.MustCompile(`^#status\b`),
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "status")
			return true, nil
		},
	})

	deal(en, msgEvent("ev1", "1", "#status"))
	if len(calls) != 1 || calls[0] != "status" {
		t.Fatalf("calls = %v, want only the trigger match for a member", calls)
	}

	calls = nil
	deal(en, msgEvent("ev2", "1", "hello"))
	if len(calls) != 0 {
		t.Fatalf("calls = %v, want nothing for non-matching member text", calls)
	}

	calls = nil
	adminEvent := msgEvent("ev3", "2", "hello")
	adminEvent.Actor.Role = event.RoleAdmin
	deal(en, adminEvent)
	if len(calls) != 1 || calls[0] != "admin-only" {
		t.Fatalf("calls = %v, want the role-gated handler for an admin", calls)
	}
}

func TestRuntimeRegistrationAffectsNextEvent(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "base", event.PriorityNormal, false, true)

	deal(en, msgEvent("ev1", "1", "hi"))
	recorder(en, &calls, "urgent", 50, false, true)
	deal(en, msgEvent("ev2", "1", "hi"))

	want := []string{"base", "urgent"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestClaimRoutesToOwnerBypassingFilters(t *testing.T) {
	en := newEngine()
	var calls []string

	// The quiz owner is role-gated and trigger-gated; the claim must
	// bypass both.
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "quiz",
		Priority: event.PriorityNormal,
		Trigger:  regexp.MustCompile(`^#quiz\b`),
		MinRole:  event.RoleOwner,
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "quiz")
			return false, nil
		},
	})
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	e := msgEvent("ev1", "1", "start")
	if !en.SetContext("quiz", e, false, time.Minute, "") {
		t.Fatal("claim refused on a free scope")
	}

	deal(en, msgEvent("ev2", "1", "my answer"))

	if len(calls) != 1 || calls[0] != "quiz" {
		t.Fatalf("calls = %v, want only the claim owner", calls)
	}
}

func TestClaimReleasedByHandledResult(t *testing.T) {
	en := newEngine()
	var calls []string
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "quiz",
		Priority: event.PriorityNormal,
		Trigger:  regexp.MustCompile(`^never-matches$`),
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "quiz")
			return true, nil
		},
	})
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	e := msgEvent("ev1", "1", "start")
	en.SetContext("quiz", e, false, time.Minute, "")

	// The owner handles the turn, which ends the exchange.
	deal(en, msgEvent("ev2", "1", "final answer"))
	// The next event takes the normal walk again.
	deal(en, msgEvent("ev3", "1", "hello"))

	want := []string{"quiz", "fallback"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

func TestFinishRestoresNormalWalk(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "quiz", event.PriorityNormal, false, false)
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	e := msgEvent("ev1", "1", "start")
	en.SetContext("quiz", e, false, time.Minute, "")
	en.Finish("quiz", e)

	deal(en, msgEvent("ev2", "1", "hello"))

	// Both handlers run: the claim is gone so the walk is normal.
	if len(calls) != 2 {
		t.Fatalf("calls = %v, want the full walk after Finish", calls)
	}
}

func TestFinishRefusedForNonOwner(t *testing.T) {
	en := newEngine()
	recorder(en, new([]string), "quiz", event.PriorityNormal, false, false)

	e := msgEvent("ev1", "1", "start")
	en.SetContext("quiz", e, false, time.Minute, "")
	en.Finish("poll", e)

	var calls []string
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "other",
		Priority: event.PriorityLow,
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "other")
			return true, nil
		},
	})

	deal(en, msgEvent("ev2", "1", "next"))
	if len(calls) != 0 {
		t.Fatal("claim lost to a Finish from a non-owning handler")
	}
}

func TestUserClaimInsideGroup(t *testing.T) {
	en := newEngine()
	var calls []string
	// The trigger never matches, so quiz is reachable only through the
	// claim; other senders must not hit it on the normal walk.
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "quiz",
		Priority: event.PriorityNormal,
		Trigger:  regexp.MustCompile(`^#quiz\b`),
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "quiz")
			return false, nil
		},
	})
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	groupEvent := func(id, userID string) *event.Event {
		e := msgEvent(id, userID, "answer")
		e.Scope = event.GroupScope("g1")
		return e
	}

	// scopeIsGroup=false binds the sender, not the whole group.
	en.SetContext("quiz", groupEvent("ev1", "1"), false, time.Minute, "")

	deal(en, groupEvent("ev2", "1"))
	deal(en, groupEvent("ev3", "2"))

	want := []string{"quiz", "fallback"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want claimed user routed to owner and others walking normally", calls)
	}
}

func TestStaleClaimOwnerReleased(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "quiz", event.PriorityNormal, false, false)
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	e := msgEvent("ev1", "1", "start")
	en.SetContext("quiz", e, false, time.Minute, "")
	en.Registry().Unregister("quiz")

	// First event hits the stale claim, which is dropped without a walk.
	deal(en, msgEvent("ev2", "1", "hello"))
	if len(calls) != 0 {
		t.Fatalf("calls = %v, want the stale-owner event swallowed", calls)
	}

	// Second event walks normally.
	deal(en, msgEvent("ev3", "1", "hello"))
	if len(calls) != 1 || calls[0] != "fallback" {
		t.Fatalf("calls = %v, want normal walk after the stale claim drop", calls)
	}
}

func TestStaleUserClaimInGroupReleased(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "quiz", event.PriorityNormal, false, false)
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	groupEvent := func(id string) *event.Event {
		e := msgEvent(id, "1", "hello")
		e.Scope = event.GroupScope("g1")
		return e
	}

	// The claim binds the sender's user scope, not the group.
	en.SetContext("quiz", groupEvent("ev1"), false, time.Minute, "")
	en.Registry().Unregister("quiz")

	// The stale claim is dropped even though it sits on the user scope
	// rather than the event's own group scope.
	deal(en, groupEvent("ev2"))
	if len(calls) != 0 {
		t.Fatalf("calls = %v, want the stale-owner event swallowed", calls)
	}

	deal(en, groupEvent("ev3"))
	if len(calls) != 1 || calls[0] != "fallback" {
		t.Fatalf("calls = %v, want normal walk after the stale claim drop", calls)
	}
}

func TestExpiredClaimFallsThrough(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "quiz", event.PriorityNormal, false, false)
	recorder(en, &calls, "fallback", event.PriorityFallback, false, true)

	e := msgEvent("ev1", "1", "start")
	en.SetContext("quiz", e, false, -time.Second, "")

	deal(en, msgEvent("ev2", "1", "hello"))

	if len(calls) != 2 {
		t.Fatalf("calls = %v, want the normal walk once the claim expired", calls)
	}
}

func TestEnhancersRunForClaimedScope(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "bind-reply", event.PriorityEnhancer, true, false)
	recorder(en, &calls, "quiz", event.PriorityNormal, false, false)

	e := msgEvent("ev1", "1", "start")
	en.SetContext("quiz", e, false, time.Minute, "")

	deal(en, msgEvent("ev2", "1", "answer"))

	want := []string{"bind-reply", "quiz"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want enhancers before the claim owner", calls)
	}
}

func TestPostTypeFiltering(t *testing.T) {
	en := newEngine()
	var calls []string
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "friend-approver",
		Priority: event.PriorityNormal,
		Events:   []event.PostType{event.PostRequest},
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "friend-approver")
			return true, nil
		},
	})
	recorder(en, &calls, "catch-all", event.PriorityFallback, false, true)

	req := &event.Event{
		ID:       "ev1",
		PostType: event.PostRequest,
		Scope:    event.UserScope("2"),
		Actor:    event.Actor{ID: "2"},
		Request:  &event.RequestPayload{RequestType: "friend"},
	}
	deal(en, req)
	deal(en, msgEvent("ev2", "1", "hi"))

	want := []string{"friend-approver", "catch-all"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

// End to end: a console line travels normalizer → dedup → walk and stops
// at the matching fallback-priority trigger handler.
func TestConsoleStatusLine(t *testing.T) {
	en := newEngine()
	var calls []string
	recorder(en, &calls, "bind", event.PriorityEnhancer, true, false)
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "status",
		Priority: event.PriorityFallback,
		Trigger:  regexp.MustCompile(`^#status$`),
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			calls = append(calls, "status")
			return true, nil
		},
	})
	recorder(en, &calls, "after", event.PriorityFallback+1, false, true)

	e := normalize.Normalize(normalize.Raw{
		UserID: "1",
		Text:   "#status",
	}, normalize.Defaults{AdapterID: "console", SelfID: "console"})

	if e.Scope != event.UserScope("1") || e.Text() != "#status" {
		t.Fatalf("normalized event = scope %q text %q", e.Scope, e.Text())
	}
	deal(en, e)

	want := []string{"bind", "status"}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
}

// Deal must hand the walk off and return: a parked handler delays only
// its own event, never ingestion of the events behind it.
func TestDealDoesNotBlockOnSlowHandler(t *testing.T) {
	en := newEngine()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan struct{}, 2)
	en.Registry().Register(&scheduler.Descriptor{
		Name:     "slow",
		Priority: event.PriorityNormal,
		Fn: func(ctx context.Context, e *event.Event) (bool, error) {
			started <- struct{}{}
			<-release
			done <- struct{}{}
			return true, nil
		},
	})

	// Both calls return immediately; both walks park in the handler.
	en.Deal(context.Background(), msgEvent("ev1", "1", "hi"))
	en.Deal(context.Background(), msgEvent("ev2", "1", "hi"))

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("walk never reached the handler")
		}
	}
	select {
	case <-done:
		t.Fatal("handler finished before being released")
	default:
	}

	close(release)
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("handler never finished after release")
		}
	}
}

func TestNilEventIgnored(t *testing.T) {
	en := newEngine()
	en.Deal(context.Background(), nil) // must not panic
}
