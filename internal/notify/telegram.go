package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
)

// TelegramSender posts alerts to a chat through the Bot API sendMessage call.
type TelegramSender struct {
	token   string
	chatID  string
	apiBase string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		apiBase: "https://api.telegram.org",
		client:  defaultClient(),
	}
}

type telegramMessage struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode"`
	DisableNotification bool   `json:"disable_notification"`
}

// Send delivers m. Warnings are sent silently.
func (t *TelegramSender) Send(ctx context.Context, m Message) error {
	msg := telegramMessage{
		ChatID:              t.chatID,
		Text:                telegramText(m),
		ParseMode:           "HTML",
		DisableNotification: !m.Critical,
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiBase, t.token)
	if err := postJSON(ctx, t.client, url, msg); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}

// telegramText renders m as HTML. User-controlled text is escaped.
func telegramText(m Message) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(m.Title))
	b.WriteString("</b>\n")
	b.WriteString(html.EscapeString(m.Text))
	if m.Threshold != 0 {
		fmt.Fprintf(&b, "\nvalue <code>%g</code> threshold <code>%g</code>", m.Value, m.Threshold)
	}
	fmt.Fprintf(&b, "\n<i>%s</i>", m.At.UTC().Format(time.RFC3339))
	return b.String()
}

// Name returns "telegram".
func (t *TelegramSender) Name() string { return "telegram" }
