package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"
	"time"
)

// TelegramNotifier posts trade alerts to a chat through the Bot API, using
// HTML parse mode so symbol names like SBIN-EQ need no escape gymnastics.
type TelegramNotifier struct {
	endpoint string
	chatID   string
	client   *http.Client
}

// NewTelegramNotifier creates a notifier for NOTIFY_TELEGRAM_BOT_TOKEN /
// NOTIFY_TELEGRAM_CHAT_ID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		endpoint: "https://api.telegram.org/bot" + botToken + "/sendMessage",
		chatID:   chatID,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("%s <b>%s</b>\n%s",
		levelBadge(alert.Level), html.EscapeString(alert.Title), html.EscapeString(alert.Message))

	body, err := json.Marshal(map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	// The Bot API reports failures both via HTTP status and the ok field.
	var reply struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if derr := json.NewDecoder(resp.Body).Decode(&reply); derr == nil && !reply.OK {
		return fmt.Errorf("telegram refused: %s", reply.Description)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	log.Printf("[notify] telegram: %s", alert.Title)
	return nil
}

func levelBadge(l AlertLevel) string {
	switch l {
	case AlertCritical:
		return "🚨"
	case AlertWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
