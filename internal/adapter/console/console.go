// Package console implements the local stdin adapter, mainly used for
// development and for driving the core without any platform connection.
// Each input line becomes a message event from the console master user.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/sunflowermm/xrkbot/internal/adapter"
	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

const (
	// consoleUserID is the fixed identity of the console operator.
	consoleUserID = "0"
	consoleSelfID = "console"
)

// Adapter reads lines from in and prints replies to out.
type Adapter struct {
	*adapter.Base
	in     io.Reader
	out    io.Writer
	cancel context.CancelFunc
}

// New creates a console adapter on stdin/stdout.
func New(sink adapter.Sink) *Adapter {
	return &Adapter{
		Base: adapter.NewBase("console", consoleSelfID, sink, nil),
		in:   os.Stdin,
		out:  os.Stdout,
	}
}

// Start begins the read loop. Non-blocking.
func (a *Adapter) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.SetRunning(true)
	go a.readLoop(loopCtx)
	slog.Info("console adapter started")
	return nil
}

// Stop ends the read loop.
func (a *Adapter) Stop(_ context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.SetRunning(false)
	return nil
}

func (a *Adapter) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(a.in)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		a.Publish(ctx, normalize.Raw{
			PostType: event.PostMessage,
			SelfID:   consoleSelfID,
			UserID:   consoleUserID,
			Text:     line,
			Sender:   normalize.Sender{ID: consoleUserID, Name: "console", Role: "master"},
			Reply:    a.reply,
		})
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("console read loop ended", "error", err)
	}
}

func (a *Adapter) reply(_ context.Context, segments ...event.Segment) (bool, error) {
	if _, err := fmt.Fprintln(a.out, event.PlainText(segments)); err != nil {
		return false, err
	}
	return true, nil
}
