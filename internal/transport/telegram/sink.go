// Package telegram delivers operator alerts to a Telegram chat or forum topic.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"cadence/pkg/logx"
)

const textLimit = 4000

// Config selects the bot and the destination chat.
type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint. Empty means the public API.
	APIURL string
	// Timeout bounds each Bot API call. 0 means 10s.
	Timeout time.Duration
}

// Sink sends plain-text messages through the Bot API. It never long-polls
// for updates.
type Sink struct {
	bot  *tele.Bot
	chat *tele.Chat
	tid  int
	log  logx.Logger
}

func NewSink(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true, // skip getMe at startup; sends still go to the API
		Client:  newHTTPClient(cfg.Timeout),
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		tid:  cfg.ThreadID,
		log:  log.With(logx.String("comp", "telegram")),
	}, nil
}

func (s *Sink) Name() string { return "telegram" }

// Send delivers text, split on line boundaries when it exceeds the message
// limit. A flood-control reply is reported with its retry hint.
func (s *Sink) Send(ctx context.Context, text string) error {
	for _, chunk := range splitText(text, textLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := s.bot.Send(s.chat, chunk, &tele.SendOptions{
			ThreadID:              s.tid,
			DisableWebPagePreview: true,
		})
		if err != nil {
			var flood tele.FloodError
			if errors.As(err, &flood) {
				return fmt.Errorf("telegram flood control, retry after %ds: %w", flood.RetryAfter, err)
			}
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
