package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wudi/edgeway/internal/config"
)

// deliver posts one payload. 4xx answers are permanent failures.
func (d *Dispatcher) deliver(ep config.WebhookEndpoint, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}

	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Edgeway-Event", string(p.Type))
	req.Header.Set("X-Edgeway-Timestamp", strconv.FormatInt(time.Now().Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set("X-Edgeway-Signature", "sha256="+signPayload(ep.Secret, body))
	}
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error: status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("client error: status %d", resp.StatusCode))
	}
}

// signPayload computes the hex HMAC-SHA256 of payload.
func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
