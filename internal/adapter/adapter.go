// Package adapter provides the source abstraction layer. One adapter
// per external channel (protocol client, chat platform SDK, local
// device channel, console input) receives raw source payloads and
// forwards them — tagged with the adapter id and normalized — into the
// dispatch engine.
package adapter

import (
	"context"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Sink accepts normalized events for dispatch. Satisfied by
// dispatch.Engine.
type Sink interface {
	Deal(ctx context.Context, e *event.Event)
}

// Adapter defines the interface all source implementations satisfy.
type Adapter interface {
	// Name returns the adapter identifier (e.g. "onebot", "console").
	Name() string

	// Start begins receiving events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts the adapter down.
	Stop(ctx context.Context) error

	// Running reports whether the adapter is actively receiving.
	Running() bool
}

// Base provides shared functionality for adapter implementations,
// which should embed it.
type Base struct {
	name    string
	selfID  string
	sink    Sink
	limiter *rate.Limiter
	running bool
}

// NewBase creates a Base. A nil limiter disables intake rate limiting.
func NewBase(name, selfID string, sink Sink, limiter *rate.Limiter) *Base {
	return &Base{name: name, selfID: selfID, sink: sink, limiter: limiter}
}

// Name returns the adapter name.
func (b *Base) Name() string { return b.name }

// SelfID returns the configured bot identity for this adapter.
func (b *Base) SelfID() string { return b.selfID }

// SetSelfID records the bot identity once the platform reports it.
func (b *Base) SetSelfID(id string) { b.selfID = id }

// Running reports the running state.
func (b *Base) Running() bool { return b.running }

// SetRunning updates the running state.
func (b *Base) SetRunning(running bool) { b.running = running }

// Publish is the standard forwarding path: identity gate, intake rate
// limit, normalize, dispatch. An event with no resolvable bot identity
// is dropped here with a warning and never reaches normalization.
func (b *Base) Publish(ctx context.Context, raw normalize.Raw) {
	if raw.SelfID == "" && b.selfID == "" {
		slog.Warn("dropping event without bot identity", "adapter", b.name)
		return
	}
	if b.limiter != nil && !b.limiter.Allow() {
		slog.Warn("intake rate limit exceeded, dropping event", "adapter", b.name)
		return
	}
	e := normalize.Normalize(raw, normalize.Defaults{
		AdapterID: b.name,
		SelfID:    b.selfID,
	})
	b.sink.Deal(ctx, e)
}
