package discord

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"

	"applyq.local/applyq/internal/events"
)

const maxMessageLength = 2000

type MessageSender interface {
	SendMessage(channelID string, content string) error
}

// Subscriber posts operator alerts (cooldowns, tainted sessions, failed
// tasks) to a Discord channel.
type Subscriber struct {
	sender    MessageSender
	channelID string
	logger    *log.Logger
}

func New(sender MessageSender, channelID string, logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Subscriber{
		sender:    sender,
		channelID: strings.TrimSpace(channelID),
		logger:    logger,
	}
}

func (s *Subscriber) Name() string {
	return "discord"
}

func (s *Subscriber) Handle(_ context.Context, event events.Event) error {
	if !event.Alert() {
		return nil
	}
	if err := s.sender.SendMessage(s.channelID, formatAlert(event)); err != nil {
		return fmt.Errorf("send discord alert: %w", err)
	}
	s.logger.Printf("subscriber=discord event_id=%s event_type=%s channel_id=%s", event.ID, event.Type, s.channelID)
	return nil
}

func formatAlert(event events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** tenant=`%s`", event.Type, event.TenantID)
	if event.TaskID != "" {
		fmt.Fprintf(&b, " task=`%s`", event.TaskID)
	}
	if event.SessionID != "" {
		fmt.Fprintf(&b, " session=`%s`", event.SessionID)
	}

	keys := make([]string, 0, len(event.Attributes))
	for key := range event.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, "\n%s: %s", key, event.Attributes[key])
	}

	out := b.String()
	if len(out) > maxMessageLength {
		out = out[:maxMessageLength-3] + "..."
	}
	return out
}

// SessionSender delivers messages through a discordgo bot session.
type SessionSender struct {
	session *discordgo.Session
}

func NewSessionSender(token string) (*SessionSender, error) {
	session, err := discordgo.New(normalizeBotToken(token))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &SessionSender{session: session}, nil
}

func (s *SessionSender) SendMessage(channelID string, content string) error {
	channelID = strings.TrimSpace(channelID)
	content = strings.TrimSpace(content)
	if channelID == "" {
		return fmt.Errorf("channel id is required")
	}
	if content == "" {
		return nil
	}
	_, err := s.session.ChannelMessageSend(channelID, content)
	return err
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
