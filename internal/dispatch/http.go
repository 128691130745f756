package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/balarajuyogesh/hawkeye/internal/config"
)

// httpSender delivers the payload as an HTTP request. Any 2xx response is
// success; everything else is a retriable delivery error.
type httpSender struct {
	url     string
	method  string
	headers map[string]string
	auth    *config.BasicAuth
	client  *http.Client
}

func newHTTPSender(t config.Target) *httpSender {
	return &httpSender{
		url:     t.URL,
		method:  t.Method,
		headers: t.Headers,
		auth:    t.Auth,
		// Per-attempt deadline comes from the caller's context.
		client: &http.Client{},
	}
}

func (s *httpSender) Send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
	if s.auth != nil {
		req.SetBasicAuth(s.auth.Username, s.auth.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bad status %s: %s", resp.Status, body)
	}
	return nil
}

func (s *httpSender) Describe() string {
	return fmt.Sprintf("http %s %s", s.method, s.url)
}

func (s *httpSender) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
