package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/amirphl/kraken-trader/internal/utils"
)

const (
	sendRetries    = 3
	sendRetryDelay = 2 * time.Second
)

type TelegramNotifier struct {
	Token  string
	ChatID string

	baseURL string
	client  *http.Client
	sleep   func(d time.Duration)
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		Token:   token,
		ChatID:  chatID,
		baseURL: "https://api.telegram.org",
		client:  &http.Client{Timeout: 10 * time.Second},
		sleep:   time.Sleep,
	}
}

func (t *TelegramNotifier) Send(message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.Token)
	resp, err := t.client.PostForm(apiURL, url.Values{
		"chat_id": {t.ChatID},
		"text":    {message},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return fmt.Errorf("telegram send failed: %s", resp.Status)
	}
	return nil
}

// SendWithRetry retries a failed send a few times before giving up. Alerts
// are best-effort; a lost one is logged, never fatal.
func (t *TelegramNotifier) SendWithRetry(message string) error {
	var err error
	for i := 0; i < sendRetries; i++ {
		if err = t.Send(message); err == nil {
			return nil
		}
		utils.GetLogger().Printf("Notifier | telegram send attempt %d/%d failed: %v", i+1, sendRetries, err)
		if i < sendRetries-1 {
			t.sleep(sendRetryDelay)
		}
	}
	return err
}
