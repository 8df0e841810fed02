// Package telegram connects the pipeline to Telegram via long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/sunflowermm/xrkbot/internal/adapter"
	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Config configures the telegram adapter.
type Config struct {
	Token   string
	Masters []string // user ids granted RoleMaster
}

// Adapter is the telegram source adapter.
type Adapter struct {
	*adapter.Base
	cfg        Config
	bot        *telego.Bot
	masters    map[string]bool
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates a telegram adapter from config.
func New(cfg Config, sink adapter.Sink, limiter *rate.Limiter) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	masters := make(map[string]bool, len(cfg.Masters))
	for _, id := range cfg.Masters {
		masters[id] = true
	}
	return &Adapter{
		Base:    adapter.NewBase("telegram", "", sink, limiter),
		cfg:     cfg,
		bot:     bot,
		masters: masters,
	}, nil
}

// Start begins long polling for updates. Non-blocking.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	a.SetSelfID(a.bot.Username())
	a.SetRunning(true)
	slog.Info("telegram adapter started", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed")
					return
				}
				if update.Message != nil {
					a.handleMessage(pollCtx, update.Message)
				}
			}
		}
	}()
	return nil
}

// Stop cancels long polling and waits for the poll goroutine to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.SetRunning(false)
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-ctx.Done():
		}
	}
	return nil
}

func (a *Adapter) handleMessage(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}

	segments := []event.Segment{}
	if msg.Text != "" {
		segments = append(segments, event.Text(msg.Text))
	}
	if msg.Caption != "" {
		segments = append(segments, event.Text(msg.Caption))
	}
	if len(msg.Photo) > 0 {
		// Last photo size is the largest rendition.
		segments = append(segments, event.Image(msg.Photo[len(msg.Photo)-1].FileID))
	}
	if msg.Voice != nil {
		segments = append(segments, event.Audio(msg.Voice.FileID))
	}
	if msg.Audio != nil {
		segments = append(segments, event.Audio(msg.Audio.FileID))
	}
	if msg.Video != nil {
		segments = append(segments, event.Video(msg.Video.FileID))
	}
	if msg.Document != nil {
		segments = append(segments, event.File(msg.Document.FileID))
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	raw := normalize.Raw{
		PostType: event.PostMessage,
		EventID:  strconv.Itoa(msg.MessageID),
		UserID:   userID,
		Time:     int64(msg.Date),
		Segments: segments,
		Sender: normalize.Sender{
			ID:   userID,
			Name: msg.From.FirstName,
			Role: a.roleOf(userID),
		},
		Reply: a.replyFunc(msg.Chat.ID),
	}
	if msg.Chat.Type == "group" || msg.Chat.Type == "supergroup" {
		raw.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	a.Publish(ctx, raw)
}

func (a *Adapter) roleOf(userID string) string {
	if a.masters[userID] {
		return "master"
	}
	return ""
}

func (a *Adapter) replyFunc(chatID int64) event.ReplyFunc {
	return func(ctx context.Context, segments ...event.Segment) (bool, error) {
		text := event.PlainText(segments)
		if text == "" {
			return true, nil
		}
		if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text)); err != nil {
			return false, fmt.Errorf("telegram send: %w", err)
		}
		return true, nil
	}
}
