package poller

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/tutorly/livesync/internal/event"
)

// DefaultCheckPath is the fallback poll endpoint.
const DefaultCheckPath = "/api/updates/check"

// ErrStatus is wrapped by non-2xx poll responses.
var ErrStatus = errors.New("unexpected poll status")

// Fetcher retrieves the updates published since the last check.
type Fetcher interface {
	Check(ctx context.Context) ([]event.Update, error)
}

// HTTPFetcher polls the updates endpoint with a bearer credential.
type HTTPFetcher struct {
	baseURL string
	path    string
	token   string
	client  *http.Client
}

// NewHTTPFetcher creates a fetcher targeting baseURL (e.g. "http://127.0.0.1:8080").
func NewHTTPFetcher(baseURL, token string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    DefaultCheckPath,
		token:   token,
		client:  client,
	}
}

// WithPath overrides the check path.
func (f *HTTPFetcher) WithPath(path string) *HTTPFetcher {
	if path != "" {
		f.path = path
	}
	return f
}

// Check sends GET <path>. Any non-2xx status or transport failure is an
// error for backoff purposes.
func (f *HTTPFetcher) Check(ctx context.Context) ([]event.Update, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+f.path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: GET %s: %d %s", ErrStatus, f.path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var updates []event.Update
	if err := json.NewDecoder(resp.Body).Decode(&updates); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// NewHTTPClient builds the poll client. With useHTTP2 set it speaks HTTP/2
// over TLS through golang.org/x/net/http2.
func NewHTTPClient(timeout time.Duration, useHTTP2 bool, tlsConfig *tls.Config) *http.Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if !useHTTP2 {
		return &http.Client{Timeout: timeout}
	}
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &http2.Transport{TLSClientConfig: tlsConfig},
	}
}
