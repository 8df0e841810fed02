// Package discord connects the pipeline to Discord via the Bot API
// gateway. Guild messages become group-scoped events, DMs user-scoped.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/sunflowermm/xrkbot/internal/adapter"
	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Config configures the discord adapter.
type Config struct {
	Token   string
	Masters []string // user ids granted RoleMaster
}

// Adapter is the discord source adapter.
type Adapter struct {
	*adapter.Base
	cfg     Config
	session *discordgo.Session
	masters map[string]bool
	runCtx  context.Context
}

// New creates a discord adapter from config.
func New(cfg Config, sink adapter.Sink, limiter *rate.Limiter) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	masters := make(map[string]bool, len(cfg.Masters))
	for _, id := range cfg.Masters {
		masters[id] = true
	}
	return &Adapter{
		Base:    adapter.NewBase("discord", "", sink, limiter),
		cfg:     cfg,
		session: session,
		masters: masters,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (a *Adapter) Start(ctx context.Context) error {
	a.runCtx = ctx
	a.session.AddHandler(a.handleMessage)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	if a.session.State != nil && a.session.State.User != nil {
		a.SetSelfID(a.session.State.User.ID)
	}
	a.SetRunning(true)
	slog.Info("discord adapter started", "self_id", a.SelfID())
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(_ context.Context) error {
	a.SetRunning(false)
	return a.session.Close()
}

func (a *Adapter) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	segments := []event.Segment{}
	if m.Content != "" {
		segments = append(segments, event.Text(m.Content))
	}
	for _, att := range m.Attachments {
		if isImage(att.ContentType) {
			segments = append(segments, event.Image(att.URL))
		} else {
			segments = append(segments, event.File(att.URL))
		}
	}
	for _, u := range m.Mentions {
		segments = append(segments, event.At(u.ID))
	}

	raw := normalize.Raw{
		PostType: event.PostMessage,
		EventID:  m.ID,
		UserID:   m.Author.ID,
		Time:     m.Timestamp.Unix(),
		Segments: segments,
		Sender: normalize.Sender{
			ID:   m.Author.ID,
			Name: m.Author.Username,
			Role: a.roleOf(m.Author.ID),
		},
		Reply: a.replyFunc(m.ChannelID),
	}
	// GuildID is empty for DMs; the channel id is the group identity.
	if m.GuildID != "" {
		raw.GroupID = m.ChannelID
	}

	a.Publish(a.runCtx, raw)
}

func (a *Adapter) roleOf(userID string) string {
	if a.masters[userID] {
		return "master"
	}
	return ""
}

func (a *Adapter) replyFunc(channelID string) event.ReplyFunc {
	return func(_ context.Context, segments ...event.Segment) (bool, error) {
		text := event.PlainText(segments)
		if text != "" {
			if _, err := a.session.ChannelMessageSend(channelID, text); err != nil {
				return false, fmt.Errorf("discord send: %w", err)
			}
		}
		for _, seg := range segments {
			url := seg.Data["url"]
			if url == "" || seg.Type == event.SegText || seg.Type == event.SegAt {
				continue
			}
			if _, err := a.session.ChannelMessageSend(channelID, url); err != nil {
				return false, fmt.Errorf("discord send media: %w", err)
			}
		}
		return true, nil
	}
}

func isImage(contentType string) bool {
	return len(contentType) >= 6 && contentType[:6] == "image/"
}
