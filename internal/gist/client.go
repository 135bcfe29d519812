// Package gist talks to the remote blob store: a single named JSON file
// inside a GitHub Gist. One canonical file carries the whole sync
// payload; other files in the gist are never read or written.
package gist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/renfold/gistsync/internal/syncerr"
	"github.com/tidwall/gjson"
)

const defaultBaseURL = "https://api.github.com"

const (
	// requestTimeout is the hard per-request deadline, enforced via
	// context cancellation.
	requestTimeout = 30 * time.Second

	// probeTimeout bounds the connectivity check.
	probeTimeout = 5 * time.Second

	// maxRetries is the number of retries after the first attempt for
	// 5xx/429 responses and transient transport errors.
	maxRetries = 3

	// backoffBase scales linearly with the attempt number: 1s, 2s, 3s.
	backoffBase = time.Second
)

// TokenSource supplies the persisted bearer token on demand, so a token
// updated in settings takes effect without rebuilding the client.
type TokenSource func() string

// Client is the authenticated HTTP client for the gist blob store.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      TokenSource
	logger     *slog.Logger
}

// NewClient creates a gist client. If httpClient is nil,
// http.DefaultClient is used.
func NewClient(httpClient *http.Client, token TokenSource, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    defaultBaseURL,
		token:      token,
		logger:     logger,
	}
}

type gistFile struct {
	Filename  string `json:"filename"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
	RawURL    string `json:"raw_url"`
	Size      int64  `json:"size"`
}

type gistResponse struct {
	ID          string              `json:"id"`
	Description string              `json:"description"`
	Files       map[string]gistFile `json:"files"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// GetFile fetches the named file's content from the gist. A missing gist
// or missing file yields syncerr.ErrFileAbsent so callers can tell "no
// remote data yet" apart from a real failure. When the provider truncates
// inline content, the raw-content link is followed for the full body.
func (c *Client) GetFile(ctx context.Context, gistID, filename string) (string, error) {
	body, err := c.request(ctx, http.MethodGet, c.baseURL+"/gists/"+gistID, nil, c.token())
	if err != nil {
		var apiErr *syncerr.RemoteAPIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return "", fmt.Errorf("gist %s: %w", gistID, syncerr.ErrFileAbsent)
		}
		return "", err
	}

	var resp gistResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding gist response: %w", err)
	}

	file, ok := resp.Files[filename]
	if !ok {
		return "", fmt.Errorf("file %s in gist %s: %w", filename, gistID, syncerr.ErrFileAbsent)
	}

	content := file.Content
	if file.Truncated && file.RawURL != "" {
		c.logger.Debug("inline content truncated, fetching raw",
			slog.String("file", filename),
			slog.Int64("size", file.Size),
		)
		raw, err := c.request(ctx, http.MethodGet, file.RawURL, nil, c.token())
		if err != nil {
			return "", fmt.Errorf("fetching raw content: %w", err)
		}
		content = string(raw)
	}

	if content == "" {
		c.logger.Warn("remote sync file is empty", slog.String("file", filename))
	}
	return content, nil
}

// PutFile updates exactly one named file inside the gist, leaving any
// other files untouched. message becomes the gist description, serving as
// the commit message for the write.
func (c *Client) PutFile(ctx context.Context, gistID, filename, content, message string) error {
	payload, err := json.Marshal(map[string]any{
		"description": message,
		"files": map[string]any{
			filename: map[string]string{"content": content},
		},
	})
	if err != nil {
		return fmt.Errorf("encoding gist patch: %w", err)
	}

	if _, err := c.request(ctx, http.MethodPatch, c.baseURL+"/gists/"+gistID, payload, c.token()); err != nil {
		return fmt.Errorf("updating gist file %s: %w", filename, err)
	}
	return nil
}

// CheckConnectivity probes the API host with a short deadline. It
// reports reachability only and never returns an error.
func (c *Client) CheckConnectivity(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.baseURL+"/rate_limit", nil)
	if err != nil {
		return false
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	// Any HTTP response proves the host is reachable; auth problems are
	// reported by the operations themselves.
	return true
}

// TestConnection reads the gist using caller-supplied credentials instead
// of the persisted ones, validating settings before they are saved. The
// persisted credential path is untouched.
func (c *Client) TestConnection(ctx context.Context, token, gistID string) error {
	body, err := c.request(ctx, http.MethodGet, c.baseURL+"/gists/"+gistID, nil, token)
	if err != nil {
		return fmt.Errorf("testing connection: %w", err)
	}

	var resp gistResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("testing connection: decoding gist response: %w", err)
	}
	return nil
}

// request performs one logical API call: bearer-token injection, a hard
// per-attempt timeout, and bounded retry with linearly increasing backoff
// on 5xx/429 and transient transport failures. All other HTTP errors
// surface immediately as *syncerr.RemoteAPIError.
func (c *Client) request(ctx context.Context, method, url string, body []byte, token string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffBase * time.Duration(attempt)
			c.logger.Debug("retrying request",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		respBody, err := c.doOnce(ctx, method, url, body, token)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, err
		}
	}

	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// doOnce performs a single HTTP attempt under the request timeout.
func (c *Client) doOnce(ctx context.Context, method, url string, body []byte, token string) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(attemptCtx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := gjson.GetBytes(respBody, "message").String()
		if message == "" {
			message = strings.TrimSpace(string(respBody))
		}
		return nil, &syncerr.RemoteAPIError{Status: resp.StatusCode, Message: message}
	}

	return respBody, nil
}

// isRetryable classifies an attempt error: retryable API statuses
// (5xx/429) and transient transport errors (timeout, connection
// reset/refused, DNS failure).
func isRetryable(err error) bool {
	var apiErr *syncerr.RemoteAPIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe")
}
