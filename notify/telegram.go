package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram counts the limit of 4096 after entity parsing, so the raw parts
// are cut before escaping.
const (
	maxTelegramTitle = 256
	maxTelegramBody  = 3500
)

// TelegramConfig configures the Telegram transport.
type TelegramConfig struct {
	Token       string
	ChatID      int64
	APIEndpoint string // format string with token and method, defaults to tgbotapi.APIEndpoint
}

// Telegram sends messages to one chat through the Bot API.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates the bot token and returns a notifier.
// A nil client gets a 30 second timeout.
func NewTelegram(cfg TelegramConfig, client *http.Client) (*Telegram, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: connecting bot: %w", err)
	}
	return &Telegram{api: api, chatID: cfg.ChatID}, nil
}

func (t *Telegram) target() string {
	return fmt.Sprintf("telegram/%d", t.chatID)
}

// Send delivers msg as an HTML message. The Bot API client has no context
// support, so ctx is only checked before the request starts.
func (t *Telegram) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return &NotifyError{Target: t.target(), Err: err}
	}

	m := tgbotapi.NewMessage(t.chatID, formatTelegram(msg))
	m.ParseMode = tgbotapi.ModeHTML
	m.DisableWebPagePreview = true
	m.DisableNotification = msg.Priority == PriorityMin || msg.Priority == PriorityLow

	if _, err := t.api.Send(m); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			err = &StatusError{Code: apiErr.Code, Body: apiErr.Message}
		}
		return &NotifyError{Target: t.target(), Err: err}
	}
	return nil
}

func formatTelegram(msg Message) string {
	var sb strings.Builder
	if msg.Priority == PriorityUrgent {
		sb.WriteString("🚨 ")
	}
	if msg.Title != "" {
		sb.WriteString("<b>")
		sb.WriteString(html.EscapeString(cut(msg.Title, maxTelegramTitle)))
		sb.WriteString("</b>\n\n")
	}
	sb.WriteString(html.EscapeString(cut(msg.Body, maxTelegramBody)))
	if msg.Click != "" && !strings.Contains(msg.Body, msg.Click) {
		fmt.Fprintf(&sb, "\n\n<a href=\"%s\">Open</a>", html.EscapeString(msg.Click))
	}

	var tags []string
	for _, tag := range msg.Tags {
		if h := hashtag(tag); h != "" {
			tags = append(tags, h)
		}
	}
	if len(tags) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(strings.Join(tags, " "))
	}

	return sb.String()
}

func cut(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func hashtag(tag string) string {
	var sb strings.Builder
	for _, r := range tag {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			sb.WriteRune(r)
		} else if r == ' ' || r == '-' {
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return ""
	}
	return "#" + sb.String()
}
