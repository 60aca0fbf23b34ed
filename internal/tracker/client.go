// Package tracker fetches transfer descriptors from a private tracker that
// authenticates with a long-lived session cookie.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v3"
)

const defaultCookieName = "mam_id"

// maxDescriptorSize caps the response body; descriptors are small and an
// unbounded read would let a misbehaving tracker exhaust memory.
const maxDescriptorSize = 10 << 20

type Config struct {
	BaseURL       string
	CookieName    string // defaults to mam_id
	SessionCookie string
	Timeout       time.Duration
}

type Client struct {
	baseURL    string
	cookieName string
	cookie     string
	http       *http.Client
}

func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("tracker base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse tracker base URL: %w", err)
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		cookieName: cfg.CookieName,
		cookie:     cfg.SessionCookie,
		http:       &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// DescriptorBytes downloads the raw descriptor for a tracker content id,
// retrying transient failures with exponential backoff.
func (c *Client) DescriptorBytes(ctx context.Context, contentID int64) ([]byte, error) {
	u := fmt.Sprintf("%s/tor/download.php?tid=%s", c.baseURL, strconv.FormatInt(contentID, 10))

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.AddCookie(&http.Cookie{Name: c.cookieName, Value: c.cookie})

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("fetch descriptor: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("tracker rejected session cookie: %s", resp.Status))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(fmt.Errorf("tracker has no content %d", contentID))
		case resp.StatusCode >= 500:
			return fmt.Errorf("tracker unavailable: %s", resp.Status)
		default:
			return backoff.Permanent(fmt.Errorf("tracker returned %s", resp.Status))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxDescriptorSize))
		if err != nil {
			return fmt.Errorf("read descriptor body: %w", err)
		}
		// An expired session serves an HTML login page with a 200; a real
		// descriptor is always a bencoded dictionary.
		if len(body) == 0 || body[0] != 'd' {
			return backoff.Permanent(fmt.Errorf("tracker response is not a descriptor (session expired?)"))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
