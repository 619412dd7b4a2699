// Package httpx holds the small HTTP helpers shared by the Canvas client and
// the Discord notifier. There are no retries: a failed call is retried by the
// next poll cycle.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"
)

// maxBody bounds how much of a response we buffer.
const maxBody = 8 << 20

// HTTPError carries status/body for non-2xx responses.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: %s %s status=%d body=%s", e.Method, e.URL, e.StatusCode, snippet(e.Body, 300))
}

func snippet(b []byte, max int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= max {
		return s
	}
	return CutUTF8(s, max) + "..."
}

// CutUTF8 returns the longest prefix of s that is at most n bytes and does
// not split a multi-byte character.
func CutUTF8(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Do sends req and returns the full body of a 2xx response.
// The body is always drained so the connection can be reused.
func Do(client *http.Client, req *http.Request) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		// url.Error embeds the request URL, which for webhooks is a secret.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			uerr.URL = redact(req)
			return nil, uerr
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, redact(req), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read %s %s: %w", req.Method, redact(req), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, &HTTPError{
			Method:     req.Method,
			URL:        redact(req),
			StatusCode: resp.StatusCode,
			Body:       body,
		}
	}
	return body, nil
}

// GetJSON performs a GET with the given headers and decodes the body into out.
func GetJSON(ctx context.Context, client *http.Client, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	body, err := Do(client, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("json parse error: %w body=%s", err, snippet(body, 300))
	}
	return nil
}

// PostJSON marshals payload and POSTs it. Any 2xx is success.
func PostJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = Do(client, req)
	return err
}

// redact drops the query string and, for webhook-style URLs, the secret path tail.
func redact(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	u := *req.URL
	u.RawQuery = ""
	if strings.Contains(u.Path, "/webhooks/") {
		if i := strings.LastIndex(u.Path, "/"); i > 0 {
			u.Path = u.Path[:i] + "/***"
		}
	}
	return u.String()
}
