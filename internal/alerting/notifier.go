package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification describes one dryness alert.
type Notification struct {
	DeviceID     string
	At           time.Time
	Raw          float64
	Percent      float64
	ThresholdPct float64
	Calibrated   bool
}

// Notifier delivers notifications to a channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage with the rendered text.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("device", note.DeviceID).
		Float64("percent", note.Percent).
		Msg("dryness alert sent (telegram)")
	return nil
}

func renderMessage(note Notification) string {
	pct := decimal.NewFromFloat(note.Percent).StringFixed(1)
	threshold := decimal.NewFromFloat(note.ThresholdPct).StringFixed(1)

	builder := strings.Builder{}
	builder.WriteString("[Soil moisture alert]\n")
	builder.WriteString(fmt.Sprintf("Device: %s\n", note.DeviceID))
	builder.WriteString(fmt.Sprintf("Reading: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	builder.WriteString(fmt.Sprintf("Moisture: %s%% (threshold %s%%)\n", pct, threshold))
	builder.WriteString(fmt.Sprintf("Raw: %s\n", decimal.NewFromFloat(note.Raw).String()))
	if !note.Calibrated {
		builder.WriteString("Sensor is not calibrated; percent uses the default ADC scale.\n")
	}
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
