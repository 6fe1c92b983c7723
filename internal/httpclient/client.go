package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cesargomez89/hymnsync/internal/constants"
)

// Client wraps an http.Client to space out requests and to wait out
// rate limiting (429/503) before handing the response back.
type Client struct {
	httpClient *http.Client

	minRequestInterval time.Duration
	rateLimitAttempts  int
	retryBase          time.Duration
	lastRequest        time.Time
	mu                 sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithRateLimitAttempts sets how many times a 429/503 response is waited out
// before it is handed back. One means the response is returned at once and
// only the Retry-After pacing is applied to later requests.
func WithRateLimitAttempts(n int) Option {
	return func(c *Client) {
		if n < 1 {
			n = 1
		}
		c.rateLimitAttempts = n
	}
}

// NewClient creates a new rate-limited HTTP client.
func NewClient(httpClient *http.Client, minRequestInterval time.Duration, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: constants.DefaultHTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	c := &Client{
		httpClient:         httpClient,
		minRequestInterval: minRequestInterval,
		rateLimitAttempts:  constants.DefaultRetryCount,
		retryBase:          time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do executes an HTTP request after claiming a request slot. Responses other
// than 429/503 are returned to the caller whatever their status; transport
// errors are returned immediately so the caller's retry policy decides.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.rateLimitAttempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to rewind request body: %w", err)
			}
			req.Body = body
		}

		resp, err := c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusServiceUnavailable && resp.StatusCode != http.StatusTooManyRequests {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp)
		if retryAfter > 0 {
			c.deferNext(retryAfter)
		}
		if attempt == c.rateLimitAttempts-1 || (req.Body != nil && req.GetBody == nil) {
			return resp, nil
		}
		_ = resp.Body.Close()
		lastErr = fmt.Errorf("rate limited (status %d)", resp.StatusCode)

		backoffWait := time.Duration(attempt+1) * c.retryBase
		if retryAfter > backoffWait {
			backoffWait = retryAfter
		}
		backoffTimer := time.NewTimer(backoffWait)
		select {
		case <-ctx.Done():
			backoffTimer.Stop()
			return nil, ctx.Err()
		case <-backoffTimer.C:
		}
	}
	return nil, lastErr
}

// deferNext holds back the next request slot until d from now.
func (c *Client) deferNext(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := time.Now().Add(d)
	if c.lastRequest.Before(next) {
		c.lastRequest = next
	}
}

func (c *Client) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	now := time.Now()
	nextAllowed := c.lastRequest.Add(c.minRequestInterval)
	var waitTime time.Duration
	if now.Before(nextAllowed) {
		waitTime = nextAllowed.Sub(now)
		c.lastRequest = nextAllowed
	} else {
		c.lastRequest = now
	}
	c.mu.Unlock()

	if waitTime <= 0 {
		return nil
	}
	timer := time.NewTimer(waitTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRetryBase changes the backoff unit used while rate limited.
func (c *Client) SetRetryBase(d time.Duration) {
	c.retryBase = d
}

// GetUnderlyingClient returns the underlying *http.Client.
func (c *Client) GetUnderlyingClient() *http.Client {
	return c.httpClient
}

// parseRetryAfter reads a Retry-After header and returns the duration to wait.
func parseRetryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		return time.Until(t)
	}
	return 0
}
