// Package device implements the local device-signal adapter. Devices
// push signals over an in-process channel; each signal becomes a
// device event scoped to the originating device, making the device a
// claimable conversation peer like a user.
package device

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sunflowermm/xrkbot/internal/adapter"
	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Signal is one raw device occurrence.
type Signal struct {
	DeviceID  string
	EventType string
	Data      json.RawMessage
}

// Adapter consumes device signals and feeds them into the pipeline.
type Adapter struct {
	*adapter.Base
	signals chan Signal
	cancel  context.CancelFunc
}

// New creates a device adapter with the given intake buffer size.
func New(sink adapter.Sink, selfID string, buffer int) *Adapter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Adapter{
		Base:    adapter.NewBase("device", selfID, sink, nil),
		signals: make(chan Signal, buffer),
	}
}

// Signals returns the intake channel device drivers write to.
func (a *Adapter) Signals() chan<- Signal { return a.signals }

// Start begins consuming signals. Non-blocking.
func (a *Adapter) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.SetRunning(true)
	go a.consume(loopCtx)
	slog.Info("device adapter started")
	return nil
}

// Stop ends the consume loop.
func (a *Adapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.SetRunning(false)
	return nil
}

func (a *Adapter) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-a.signals:
			if sig.DeviceID == "" {
				slog.Warn("device signal missing device id, dropped", "event_type", sig.EventType)
				continue
			}
			a.Publish(ctx, normalize.Raw{
				PostType:        event.PostDevice,
				DeviceID:        sig.DeviceID,
				DeviceEventType: sig.EventType,
				DeviceData:      sig.Data,
			})
		}
	}
}
