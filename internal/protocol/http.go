package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "fedtrain/pkg/logx"
)

// HTTPClient speaks JSON over HTTP. A request's ServerAddress overrides
// BaseURL.
type HTTPClient struct {
	BaseURL string
	Client  *http.Client
	log     logx.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, log logx.Logger) *HTTPClient {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
		log:     log.With(logx.String("comp", "protocol")),
	}
}

func (c *HTTPClient) Checkin(ctx context.Context, req CheckinRequest) (*CheckinResponse, error) {
	var resp CheckinResponse
	status, err := c.post(ctx, req.ServerAddress, "/v1/checkin", req, &resp)
	if err != nil {
		return nil, fmt.Errorf("checkin: %w", err)
	}
	if status == http.StatusNoContent || resp.Assignment.TaskName == "" {
		return nil, fmt.Errorf("checkin %s: %w", req.Population, ErrNoAssignment)
	}
	return &resp, nil
}

func (c *HTTPClient) Report(ctx context.Context, req ReportRequest) error {
	if _, err := c.post(ctx, req.ServerAddress, "/v1/report", req, nil); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	return nil
}

func (c *HTTPClient) endpoint(server, path string) (string, error) {
	base := strings.TrimSpace(server)
	if base == "" {
		base = c.BaseURL
	}
	if base == "" {
		return "", ErrNoServer
	}
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	u, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func (c *HTTPClient) post(ctx context.Context, server, path string, body, out any) (int, error) {
	target, err := c.endpoint(server, path)
	if err != nil {
		return 0, err
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshal body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(buf))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.Client.Do(req)
	if err != nil {
		c.log.Debug("protocol request failed", logx.String("url", target), logx.Duration("latency", time.Since(start)), logx.Err(err))
		return 0, err
	}
	defer resp.Body.Close()
	c.log.Debug("protocol request", logx.String("url", target), logx.Int("status", resp.StatusCode), logx.Duration("latency", time.Since(start)))

	if resp.StatusCode >= 300 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(slurp))}
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
