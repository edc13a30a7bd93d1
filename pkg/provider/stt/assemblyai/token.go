package assemblyai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
)

const (
	// defaultTokenTTL is the lifetime requested for each temporary token. The
	// streaming API caps it at ten minutes.
	defaultTokenTTL = 10 * time.Minute

	// refreshMargin is how long before expiry a cached token stops being
	// handed out.
	refreshMargin = 5 * time.Minute
)

// TokenOption configures a [TokenSource].
type TokenOption func(*TokenSource)

// TokenURL overrides the token endpoint.
func TokenURL(u string) TokenOption { return func(ts *TokenSource) { ts.url = u } }

// TokenHTTPClient sets the HTTP client used for token requests.
func TokenHTTPClient(c *http.Client) TokenOption {
	return func(ts *TokenSource) { ts.client = c }
}

// TokenClock injects the clock used for expiry bookkeeping.
func TokenClock(c clockwork.Clock) TokenOption { return func(ts *TokenSource) { ts.clock = c } }

// TokenTTL sets the lifetime requested for each token.
func TokenTTL(d time.Duration) TokenOption { return func(ts *TokenSource) { ts.ttl = d } }

// TokenRetry sets the exponential backoff base and retry ceiling for
// transient fetch failures.
func TokenRetry(base time.Duration, maxRetries uint64) TokenOption {
	return func(ts *TokenSource) {
		if base > 0 {
			ts.retryBase = base
		}
		ts.retryMax = maxRetries
	}
}

// TokenSource fetches short-lived streaming tokens and caches each one until
// five minutes before it expires. Concurrent callers that miss the cache share
// a single in-flight request.
//
// TokenSource is safe for concurrent use.
type TokenSource struct {
	apiKey    string
	url       string
	client    *http.Client
	clock     clockwork.Clock
	ttl       time.Duration
	retryBase time.Duration
	retryMax  uint64

	group singleflight.Group

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a TokenSource for apiKey.
func NewTokenSource(apiKey string, opts ...TokenOption) *TokenSource {
	ts := &TokenSource{
		apiKey:    apiKey,
		url:       defaultTokenURL,
		client:    http.DefaultClient,
		clock:     clockwork.NewRealClock(),
		ttl:       defaultTokenTTL,
		retryBase: 200 * time.Millisecond,
		retryMax:  3,
	}
	for _, o := range opts {
		o(ts)
	}
	return ts
}

// tokenResponse is the body returned by the token endpoint.
type tokenResponse struct {
	Token            string `json:"token"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// Token returns a cached token when one is still fresh, otherwise fetches a
// new one.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	if tok, ok := ts.cached(); ok {
		return tok, nil
	}
	v, err, _ := ts.group.Do("token", func() (any, error) {
		// Another caller may have refreshed while we waited to enter.
		if tok, ok := ts.cached(); ok {
			return tok, nil
		}
		tr, err := ts.fetchWithRetry(ctx)
		if err != nil {
			return "", err
		}
		ttl := ts.ttl
		if tr.ExpiresInSeconds > 0 {
			ttl = time.Duration(tr.ExpiresInSeconds) * time.Second
		}
		ts.mu.Lock()
		ts.token = tr.Token
		ts.expires = ts.clock.Now().Add(ttl)
		ts.mu.Unlock()
		return tr.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (ts *TokenSource) Invalidate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.token = ""
	ts.expires = time.Time{}
}

func (ts *TokenSource) cached() (string, bool) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token == "" || !ts.clock.Now().Before(ts.expires.Add(-refreshMargin)) {
		return "", false
	}
	return ts.token, true
}

func (ts *TokenSource) fetchWithRetry(ctx context.Context) (tokenResponse, error) {
	b := retry.WithMaxRetries(ts.retryMax, retry.NewExponential(ts.retryBase))
	var tr tokenResponse
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		var err error
		tr, err = ts.fetch(ctx)
		return err
	})
	if err != nil {
		return tokenResponse{}, fmt.Errorf("assemblyai: fetch token: %w", err)
	}
	return tr, nil
}

// fetch performs one token request. Network failures and 5xx/429 responses
// are marked retryable; anything else fails immediately.
func (ts *TokenSource) fetch(ctx context.Context) (tokenResponse, error) {
	u, err := url.Parse(ts.url)
	if err != nil {
		return tokenResponse{}, err
	}
	q := u.Query()
	q.Set("expires_in_seconds", strconv.Itoa(int(ts.ttl/time.Second)))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return tokenResponse{}, err
	}
	req.Header.Set("Authorization", ts.apiKey)

	resp, err := ts.client.Do(req)
	if err != nil {
		slog.Debug("assemblyai: token request failed, retrying", "err", err)
		return tokenResponse{}, retry.RetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, body)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return tokenResponse{}, retry.RetryableError(err)
		}
		return tokenResponse{}, err
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return tokenResponse{}, fmt.Errorf("decode: %w", err)
	}
	if tr.Token == "" {
		return tokenResponse{}, fmt.Errorf("empty token in response")
	}
	return tr, nil
}
