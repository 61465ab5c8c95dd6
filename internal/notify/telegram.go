package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramNotifier posts alerts through the Bot API sendMessage method.
type TelegramNotifier struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

type TelegramOption func(*TelegramNotifier)

// WithTelegramBaseURL points the notifier at another API host.
func WithTelegramBaseURL(u string) TelegramOption {
	return func(t *TelegramNotifier) { t.baseURL = u }
}

func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *TelegramNotifier) { t.client = c }
}

func NewTelegramNotifier(token, chatID string, opts ...TelegramOption) *TelegramNotifier {
	t := &TelegramNotifier{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TelegramNotifier) Name() string { return "telegram" }

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

func (t *TelegramNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(sendMessageRequest{
		ChatID:                t.chatID,
		Text:                  alert.Text(),
		DisableWebPagePreview: true,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the URL carries the token; keep it out of the error
		return fmt.Errorf("telegram sendMessage: %w", unwrapURLError(err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("telegram sendMessage: read response: %w", err)
	}

	var out telegramResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("telegram sendMessage: status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !out.OK {
		return fmt.Errorf("telegram sendMessage: status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}

func unwrapURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return uerr.Err
	}
	return err
}
