// Package dispatch orchestrates delivery of canonical events to
// handlers: dedup gate, enhancer pass, context-claim check, then the
// priority walk. One handler's failure never aborts dispatch for the
// others, and nothing raised inside a handler escapes the walk.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sunflowermm/xrkbot/internal/claims"
	"github.com/sunflowermm/xrkbot/internal/dedup"
	"github.com/sunflowermm/xrkbot/internal/scheduler"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Engine routes events through the registry the way adapters expect:
// fire-and-forget per event, so a slow handler delays only its own
// event's walk, never ingestion of subsequent events.
type Engine struct {
	registry *scheduler.Registry
	dedup    *dedup.Set
	claims   *claims.Manager
	tracer   trace.Tracer
}

// New wires the engine to its owned registries.
func New(reg *scheduler.Registry, dd *dedup.Set, cm *claims.Manager) *Engine {
	return &Engine{
		registry: reg,
		dedup:    dd,
		claims:   cm,
		tracer:   otel.Tracer("xrkbot/dispatch"),
	}
}

// Registry exposes the handler registry for hot-reload callers.
func (en *Engine) Registry() *scheduler.Registry { return en.registry }

// Deal dispatches one canonical event. Duplicate retransmissions are
// dropped silently after the dedup check; otherwise the walk runs on
// its own goroutine so a stalled handler delays only this event, never
// the adapter's receive loop or events behind it.
func (en *Engine) Deal(ctx context.Context, e *event.Event) {
	if e == nil {
		return
	}
	en.dedup.EnsureID(e)
	if !en.dedup.MarkProcessed(e) {
		slog.Debug("duplicate event dropped", "adapter", e.AdapterID, "event_id", e.ID)
		return
	}
	go en.walk(ctx, e)
}

// walk runs the enhancer pass, the claim check, and the normal priority
// walk for one event.
func (en *Engine) walk(ctx context.Context, e *event.Event) {
	ctx, span := en.tracer.Start(ctx, "dispatch.deal", trace.WithAttributes(
		attribute.String("event.id", e.ID),
		attribute.String("event.adapter", e.AdapterID),
		attribute.String("event.post_type", string(e.PostType)),
		attribute.String("event.scope", string(e.Scope)),
	))
	defer span.End()

	ordered := en.registry.Ordered()

	// Enhancers all run first, priority-ordered, and never short-circuit.
	// They enrich the event (bind reply, backfill sender fields) before
	// the claim owner or any normal handler sees it.
	for _, d := range ordered {
		if !d.Enhancer || !d.Accepts(e.PostType) {
			continue
		}
		en.invoke(ctx, d, e)
	}

	if owner, ok := en.claimOwner(e); ok {
		en.dispatchToOwner(ctx, span, owner, e)
		return
	}

	for _, d := range ordered {
		if d.Enhancer || !d.Accepts(e.PostType) {
			continue
		}
		if e.Actor.Role < d.MinRole {
			continue
		}
		if !d.TriggerMatches(e) {
			continue
		}
		handled, _ := en.invoke(ctx, d, e)
		if handled {
			span.SetAttributes(attribute.String("dispatch.handled_by", d.Name))
			return
		}
	}
	slog.Debug("event unhandled", "adapter", e.AdapterID, "event_id", e.ID, "post_type", string(e.PostType))
}

// claimOwner resolves a live claim for the event. The event's own scope
// is checked first; for group events the sender's user scope is checked
// next, so a handler that claimed an individual inside a group still
// receives that user's follow-up turns.
func (en *Engine) claimOwner(e *event.Event) (string, bool) {
	if owner, ok := en.claims.Owner(e.Scope); ok {
		return owner, true
	}
	if e.Scope.IsGroup() && e.Actor.ID != "" {
		userScope := event.UserScope(e.Actor.ID)
		if owner, ok := en.claims.Owner(userScope); ok {
			return owner, true
		}
	}
	return "", false
}

// dispatchToOwner routes a claimed scope's event to the owning handler
// only, bypassing trigger and permission filters — the claim already
// represents consent. A truthy result releases the claim.
func (en *Engine) dispatchToOwner(ctx context.Context, span trace.Span, owner string, e *event.Event) {
	d, ok := en.registry.Get(owner)
	if !ok {
		// Owner was hot-unloaded after claiming; drop the stale claim
		// and let the next event take the normal walk. The claim may sit
		// on the event scope or on the sender's user scope, so release
		// by owner rather than assuming the event scope.
		slog.Warn("claim owner no longer registered, releasing claim",
			"owner", owner, "scope", string(e.Scope))
		en.releaseOwned(owner, e)
		return
	}
	span.SetAttributes(
		attribute.Bool("dispatch.claimed", true),
		attribute.String("dispatch.handled_by", owner),
	)
	handled, _ := en.invoke(ctx, d, e)
	if handled {
		en.releaseOwned(owner, e)
	}
}

// SetContext claims the event's scope for the named handler, enabling a
// multi-turn exchange: subsequent events in the scope route only to
// that handler until Finish or expiry. When scopeIsGroup is false for a
// group event, the claim binds the individual sender instead of the
// whole group. Returns false on a live conflicting claim.
func (en *Engine) SetContext(handlerName string, e *event.Event, scopeIsGroup bool, ttl time.Duration, timeoutMessage string) bool {
	scope := e.Scope
	if !scopeIsGroup && scope.IsGroup() {
		scope = event.UserScope(e.Actor.ID)
	}
	return en.claims.Claim(scope, handlerName, ttl, timeoutMessage, e.Reply)
}

// Finish releases the named handler's claim covering the event.
// Releasing a claim held by another handler is refused.
func (en *Engine) Finish(handlerName string, e *event.Event) {
	en.releaseOwned(handlerName, e)
}

func (en *Engine) releaseOwned(handlerName string, e *event.Event) {
	for _, scope := range []event.Scope{e.Scope, event.UserScope(e.Actor.ID)} {
		if owner, ok := en.claims.Owner(scope); ok && owner == handlerName {
			en.claims.Release(scope)
			return
		}
	}
}

// invoke runs one handler with panic and error isolation. Errors and
// panics are logged with the handler name and event id and treated as
// not-handled.
func (en *Engine) invoke(ctx context.Context, d *scheduler.Descriptor, e *event.Event) (handled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panicked", "handler", d.Name, "event_id", e.ID, "panic", r)
			handled = false
		}
	}()
	handled, err = d.Fn(ctx, e)
	if err != nil {
		slog.Warn("handler failed", "handler", d.Name, "event_id", e.ID, "error", err)
		return false, err
	}
	return handled, nil
}
