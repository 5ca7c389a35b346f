package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"

	"sasd/pkg/logx"
)

const telnyxMessagesURL = "https://api.telnyx.com/v2/messages"

// TelnyxConfig configures the Telnyx SMS client.
type TelnyxConfig struct {
	APIKey     string
	FromNumber string
	RatePerSec int // outbound rate limit; 0 disables limiting
	Timeout    time.Duration
}

// Telnyx sends SMS through the Telnyx v2 messages API.
type Telnyx struct {
	apiKey  string
	from    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// NewTelnyx builds a Telnyx sender. The from number is normalized by
// stripping spaces so "+1 555 000" and "+1555000" behave the same.
func NewTelnyx(cfg TelnyxConfig, log logx.Logger) *Telnyx {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	return &Telnyx{
		apiKey:  cfg.APIKey,
		from:    strings.ReplaceAll(cfg.FromNumber, " ", ""),
		baseURL: telnyxMessagesURL,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log,
	}
}

type telnyxMessage struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
	Type string `json:"type"`
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("telnyx: HTTP %d: %s", e.Status, e.Body)
}

func (t *Telnyx) SendSMS(ctx context.Context, telephone, message string) error {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(telnyxMessage{
		From: t.from,
		To:   strings.ReplaceAll(telephone, " ", ""),
		Text: message,
		Type: "SMS",
	})
	if err != nil {
		return err
	}

	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Authorization", "Bearer "+t.apiKey)
			req.Header.Set("Content-Type", "application/json")

			resp, err := t.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			apiErr := &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
			// Client errors (bad number, bad key) won't improve on retry.
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return retry.Unrecoverable(apiErr)
			}
			return apiErr
		},
		retry.Attempts(4),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(15*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			t.log.Warn("telnyx send retry", logx.Int("attempt", int(n)+1), logx.Err(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("send to %s: %w", telephone, err)
	}
	t.log.Debug("sms sent", logx.String("to", telephone))
	return nil
}
