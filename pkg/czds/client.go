// Package czds implements a client for the ICANN Centralized Zone Data
// Service: an authentication exchange yielding a bearer token, a listing of
// available zone files, and the zone file download itself.
package czds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultAuthURL = "https://account-api.icann.org"
	DefaultAPIURL  = "https://czds-api.icann.org"
)

// AuthError means credentials or the cached token were rejected and a single
// re-authentication did not help. Fatal for the affected operation only.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("czds authentication failed during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// DownloadError means the remote service kept failing past the retry ceiling.
type DownloadError struct {
	URL string
	Err error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("czds request to %s failed: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// ZoneLink is one published zone file location.
type ZoneLink struct {
	TLD string `json:"zone"`
	URL string `json:"download_link"`
}

type Options struct {
	AuthURL     string
	APIURL      string
	Username    string
	Password    string
	AuthTimeout time.Duration
	ListTimeout time.Duration
	// Backoff governs retries of non-auth failures (5xx, network errors).
	// Steps is the attempt ceiling.
	Backoff wait.Backoff
}

func DefaultBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: 500 * time.Millisecond,
		Factor:   2,
		Jitter:   0.1,
		Steps:    4,
	}
}

// Client is safe for concurrent use: many download tasks share one cached
// token, refreshed under a single-writer-wins discipline.
type Client struct {
	log        *logrus.Entry
	httpClient *http.Client
	opts       Options

	mu    sync.Mutex
	token string
}

func New(log *logrus.Entry, opts Options) *Client {
	if opts.AuthURL == "" {
		opts.AuthURL = DefaultAuthURL
	}
	if opts.APIURL == "" {
		opts.APIURL = DefaultAPIURL
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 30 * time.Second
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 60 * time.Second
	}
	if opts.Backoff.Steps == 0 {
		opts.Backoff = DefaultBackoff()
	}

	return &Client{
		log:        log,
		httpClient: &http.Client{},
		opts:       opts,
	}
}

// TLDFromURL extracts the TLD label from a zone download location, e.g.
// ".../czds/downloads/zara.zone" -> "zara".
func TLDFromURL(url string) string {
	name := url
	if i := strings.LastIndex(url, "/"); i >= 0 {
		name = url[i+1:]
	}
	return strings.ToLower(strings.TrimSuffix(name, ".zone"))
}

// HasToken reports whether an access token is currently cached.
func (c *Client) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// Authenticate exchanges credentials for a bearer token and caches it.
func (c *Client) Authenticate(ctx context.Context) error {
	return c.refresh(ctx, c.cachedToken())
}

func (c *Client) cachedToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// refresh re-authenticates unless another task already replaced the stale
// token, in which case the fresh one is reused as-is.
func (c *Client) refresh(ctx context.Context, stale string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.token != stale {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.AuthTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"username": c.opts.Username,
		"password": c.opts.Password,
	})
	if err != nil {
		return &AuthError{Op: "authenticate", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.AuthURL+"/api/authenticate", bytes.NewReader(payload))
	if err != nil {
		return &AuthError{Op: "authenticate", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &AuthError{Op: "authenticate", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &AuthError{Op: "authenticate", Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &AuthError{Op: "authenticate", Err: err}
	}
	if out.AccessToken == "" {
		return &AuthError{Op: "authenticate", Err: fmt.Errorf("response carried no access token")}
	}

	c.token = out.AccessToken
	c.log.WithField("user", c.opts.Username).Info("authenticated with czds")
	return nil
}

// ZoneLinks lists the currently published zone file locations.
func (c *Client) ZoneLinks(ctx context.Context) ([]ZoneLink, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ListTimeout)
	defer cancel()

	resp, err := c.doAuthorized(ctx, c.opts.APIURL+"/czds/downloads/links")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var urls []string
	if err := json.NewDecoder(resp.Body).Decode(&urls); err != nil {
		return nil, &DownloadError{URL: c.opts.APIURL + "/czds/downloads/links", Err: err}
	}

	links := make([]ZoneLink, 0, len(urls))
	for _, u := range urls {
		links = append(links, ZoneLink{TLD: TLDFromURL(u), URL: u})
	}
	c.log.WithField("count", len(links)).Info("listed czds zone links")
	return links, nil
}

// Download returns the compressed zone file byte stream for one location.
// The caller owns the returned body; cancellation of ctx aborts the read.
// A transport failure mid-read surfaces as a DownloadError, not as stream
// corruption.
func (c *Client) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.doAuthorized(ctx, url)
	if err != nil {
		return nil, err
	}
	return &bodyReader{rc: resp.Body, url: url}, nil
}

// bodyReader tags read errors from the response body so a connection dropped
// mid-download stays distinguishable from corruption in the bytes received.
type bodyReader struct {
	rc  io.ReadCloser
	url string
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && err != io.EOF {
		return n, &DownloadError{URL: b.url, Err: err}
	}
	return n, err
}

func (b *bodyReader) Close() error { return b.rc.Close() }

// doAuthorized performs a GET with the cached bearer token. On 401/403 the
// token is invalidated, re-acquired once, and the request retried once; a
// second rejection is an AuthError. Server-side and network failures are
// retried with exponential backoff up to the configured ceiling.
func (c *Client) doAuthorized(ctx context.Context, url string) (*http.Response, error) {
	backoff := c.opts.Backoff
	reauthed := false
	var lastErr error

	for attempt := 0; attempt < c.opts.Backoff.Steps; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff.Step()); err != nil {
				return nil, &DownloadError{URL: url, Err: err}
			}
		}

		token := c.cachedToken()
		if token == "" {
			if err := c.refresh(ctx, ""); err != nil {
				return nil, err
			}
			token = c.cachedToken()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, &DownloadError{URL: url, Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, &DownloadError{URL: url, Err: ctx.Err()}
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return resp, nil

		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			if reauthed {
				return nil, &AuthError{Op: "request " + url, Err: fmt.Errorf("status %d after re-authentication", resp.StatusCode)}
			}
			reauthed = true
			c.log.WithField("url", url).Warn("access token rejected, re-authenticating")
			if err := c.refresh(ctx, token); err != nil {
				return nil, err
			}
			// The re-auth retry does not consume a backoff attempt.
			attempt--

		case resp.StatusCode >= http.StatusInternalServerError:
			resp.Body.Close()
			lastErr = fmt.Errorf("status %d", resp.StatusCode)

		default:
			resp.Body.Close()
			return nil, &DownloadError{URL: url, Err: fmt.Errorf("status %d", resp.StatusCode)}
		}
	}

	return nil, &DownloadError{URL: url, Err: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
