// Package httpx provides the shared HTTP client with connection pooling,
// retry with exponential backoff, rate limiting, proxy support, and JSON
// cookie persistence.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/arvell/drops-agent/internal/backoff"
	"github.com/arvell/drops-agent/internal/constants"
	"github.com/arvell/drops-agent/internal/logger"
)

// ErrRequest is returned when a request still fails after all retries.
var ErrRequest = errors.New("request failed")

// ErrRequestInvalid is returned for non-retryable client errors (4xx other
// than 429). The caller should not repeat the request unchanged.
var ErrRequestInvalid = errors.New("request invalid")

// Client wraps *http.Client with bounded retries, backoff, and a token
// bucket shared across all callers. The proxy is read per request so
// settings updates reach the live transport.
type Client struct {
	httpClient *http.Client
	transport  *http.Transport
	proxy      atomic.Pointer[url.URL]
	limiter    *backoff.RateLimiter
	log        *logger.Logger
	maxRetries int
}

// NewClient creates a Client configured for connection pooling. proxyURL
// may be empty.
func NewClient(log *logger.Logger, proxyURL string) (*Client, error) {
	c := &Client{
		limiter:    backoff.HTTPLimiter(),
		log:        log,
		maxRetries: constants.DefaultMaxRetries,
	}

	c.transport = &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		Proxy: func(*http.Request) (*url.URL, error) {
			return c.proxy.Load(), nil
		},
	}
	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   constants.DefaultHTTPTimeout,
	}

	if err := c.SetProxy(proxyURL); err != nil {
		return nil, err
	}
	return c, nil
}

// SetProxy points the transport at a new proxy; an empty URL goes direct.
// Idle connections are dropped so new requests dial through it.
func (c *Client) SetProxy(proxyURL string) error {
	if proxyURL == "" {
		c.proxy.Store(nil)
	} else {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return fmt.Errorf("parsing proxy URL: %w", err)
		}
		c.proxy.Store(parsed)
	}
	c.transport.CloseIdleConnections()
	return nil
}

// HTTPClient returns the underlying *http.Client for callers that manage
// their own retries (e.g. the watch beacon).
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

// Do sends the request with retries on transient failures: network errors,
// 429 and 5xx. A 429 with a Retry-After header waits at least that long.
// Other 4xx statuses fail immediately with ErrRequestInvalid. The request
// must have a rewindable body (GetBody set) to be retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	bo := backoff.New(time.Second, 30*time.Second)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := bo.Duration()
			c.log.Debug("Retrying HTTP request",
				"url", req.URL.Redacted(),
				"attempt", fmt.Sprintf("%d/%d", attempt, c.maxRetries),
				"backoff", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("rewinding request body: %w", err)
				}
				req.Body = body
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if wait := retryAfter(resp); wait > 0 {
				drainAndClose(resp)
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(wait):
				}
			} else {
				drainAndClose(resp)
			}
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 500:
			drainAndClose(resp)
			lastErr = fmt.Errorf("status %d", resp.StatusCode)
			continue
		case resp.StatusCode >= 400:
			drainAndClose(resp)
			return nil, fmt.Errorf("%w: %s returned status %d",
				ErrRequestInvalid, req.URL.Redacted(), resp.StatusCode)
		}

		return resp, nil
	}

	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		ErrRequest, req.URL.Redacted(), c.maxRetries+1, lastErr)
}

func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func drainAndClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	resp.Body.Close()
}
