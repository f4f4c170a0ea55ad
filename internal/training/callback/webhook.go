package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Webhook posts each result as JSON to a vendor endpoint. A 4xx answer is a
// vendor-reported failure; anything else non-2xx is a transport failure.
type Webhook struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

type vendorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (w *Webhook) OnResult(ctx context.Context, r Result) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	c := w.Client
	if c == nil {
		c = http.DefaultClient
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var vb vendorBody
		if json.Unmarshal(raw, &vb) != nil || vb.Message == "" {
			vb.Message = strings.TrimSpace(string(raw))
		}
		if vb.Code == 0 {
			vb.Code = resp.StatusCode
		}
		return &VendorError{Code: vb.Code, Message: vb.Message}
	default:
		return fmt.Errorf("webhook %s: unexpected status %d", w.URL, resp.StatusCode)
	}
}
