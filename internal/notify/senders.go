package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const telegramAPI = "https://api.telegram.org"

// Sender delivers one rendered message.
type Sender interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// Message is the rendered form of one bus event.
type Message struct {
	Project   string    `json:"project"`
	Event     string    `json:"event"`
	SessionID string    `json:"session_id,omitempty"`
	Text      string    `json:"message"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

type StatusError struct {
	Channel    string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s http status %d", e.Channel, e.StatusCode)
}

func newHTTP(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json")
}

type WebhookSender struct {
	URL  string
	HTTP *resty.Client
}

func NewWebhookSender(rawURL string, timeout time.Duration) (*WebhookSender, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid webhook url %q", rawURL)
	}
	return &WebhookSender{URL: u.String(), HTTP: newHTTP(timeout)}, nil
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	resp, err := s.HTTP.R().SetContext(ctx).SetBody(msg).Post(s.URL)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Channel: s.Name(), StatusCode: resp.StatusCode()}
	}
	return nil
}

type TelegramSender struct {
	BotToken string
	ChatID   string
	// APIBase overrides the Bot API host.
	APIBase string
	HTTP    *resty.Client
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

func NewTelegramSender(botToken, chatID string, timeout time.Duration) (*TelegramSender, error) {
	if strings.TrimSpace(botToken) == "" || strings.TrimSpace(chatID) == "" {
		return nil, errors.New("notify: missing telegram bot_token/chat_id")
	}
	return &TelegramSender{BotToken: botToken, ChatID: chatID, APIBase: telegramAPI, HTTP: newHTTP(timeout)}, nil
}

func (s *TelegramSender) Name() string { return "telegram" }

func (s *TelegramSender) Send(ctx context.Context, msg Message) error {
	base := strings.TrimRight(s.APIBase, "/")
	if base == "" {
		base = telegramAPI
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", base, url.PathEscape(s.BotToken))
	resp, err := s.HTTP.R().
		SetContext(ctx).
		SetBody(telegramSendMessageRequest{ChatID: s.ChatID, Text: msg.Text}).
		Post(endpoint)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Channel: s.Name(), StatusCode: resp.StatusCode()}
	}
	return nil
}
