// Package twitterapi is a small OAuth1-signed client for the v1.1 REST
// endpoints the ingestion pipeline polls.
package twitterapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dghubble/oauth1"
	"golang.org/x/time/rate"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/feed"
)

// DefaultBaseURL is the v1.1 REST root.
const DefaultBaseURL = "https://api.twitter.com/1.1"

// PageSize is the maximum page requested by the since-id pulls.
const PageSize = 200

// Error is a non-2xx response.
type Error struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s => %d", e.Method, e.URL, e.StatusCode)
}

// IsUnauthorized reports whether err is a 401 from the API.
func IsUnauthorized(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == http.StatusUnauthorized
}

// IsRateLimited reports whether err is a 420 or 429 from the API.
func IsRateLimited(err error) bool {
	var e *Error
	return errors.As(err, &e) && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 420)
}

// Credentials are the application and user halves of an OAuth1 credential.
type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// Options tune a Client. Zero values pick defaults.
type Options struct {
	BaseURL     string
	UserAgent   string
	RPS         float64
	Burst       int
	MaxAttempts int
	BaseBackoff time.Duration
	// HTTPClient is the transport underneath the OAuth1 signer.
	HTTPClient *http.Client
}

// Client calls the REST API on behalf of one account.
type Client struct {
	baseURL     string
	userAgent   string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
}

// NewClient builds a signed client for creds.
func NewClient(creds Credentials, opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.RPS <= 0 {
		opts.RPS = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 500 * time.Millisecond
	}
	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 30 * time.Second}
	}
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, base)
	cfg := oauth1.NewConfig(creds.ConsumerKey, creds.ConsumerSecret)
	hc := cfg.Client(ctx, oauth1.NewToken(creds.Token, creds.TokenSecret))
	hc.Timeout = base.Timeout
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		userAgent:   opts.UserAgent,
		http:        hc,
		limiter:     rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
	}
}

// MentionsSince returns mentions newer than sinceID, newest first.
func (c *Client) MentionsSince(ctx context.Context, sinceID int64, count int) ([]feed.Item, error) {
	q := pageQuery(sinceID, count)
	q.Set("tweet_mode", "extended")
	var out []feed.Item
	if err := c.get(ctx, "/statuses/mentions_timeline.json", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DirectMessagesSince returns received direct messages newer than sinceID, newest first.
func (c *Client) DirectMessagesSince(ctx context.Context, sinceID int64, count int) ([]feed.DirectMessage, error) {
	var out []feed.DirectMessage
	if err := c.get(ctx, "/direct_messages.json", pageQuery(sinceID, count), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockedIDs walks the blocks cursor and returns every blocked user id.
func (c *Client) BlockedIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	cursor := int64(-1)
	for cursor != 0 {
		q := url.Values{}
		q.Set("cursor", strconv.FormatInt(cursor, 10))
		var page struct {
			IDs        []int64 `json:"ids"`
			NextCursor int64   `json:"next_cursor"`
		}
		if err := c.get(ctx, "/blocks/ids.json", q, &page); err != nil {
			return nil, err
		}
		ids = append(ids, page.IDs...)
		cursor = page.NextCursor
	}
	return ids, nil
}

// NoRetweetIDs returns users whose retweets the account has muted.
func (c *Client) NoRetweetIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	if err := c.get(ctx, "/friendships/no_retweets/ids.json", nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// VerifyCredentials returns the account's own profile and the raw payload.
func (c *Client) VerifyCredentials(ctx context.Context) (account.Profile, json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/account/verify_credentials.json", nil, &raw); err != nil {
		return account.Profile{}, nil, err
	}
	p, err := account.ParseProfile(raw)
	return p, raw, err
}

// StatusUpdate is a new post.
type StatusUpdate struct {
	Text              string
	InReplyToStatusID int64
	Latitude          *float64
	Longitude         *float64
}

// UpdateStatus posts a status. It is never retried.
func (c *Client) UpdateStatus(ctx context.Context, u StatusUpdate) (*feed.Item, error) {
	if strings.TrimSpace(u.Text) == "" {
		return nil, errors.New("empty status")
	}
	form := url.Values{}
	form.Set("status", u.Text)
	if u.InReplyToStatusID != 0 {
		form.Set("in_reply_to_status_id", strconv.FormatInt(u.InReplyToStatusID, 10))
	}
	if u.Latitude != nil && u.Longitude != nil {
		form.Set("lat", strconv.FormatFloat(*u.Latitude, 'f', -1, 64))
		form.Set("long", strconv.FormatFloat(*u.Longitude, 'f', -1, 64))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/statuses/update.json", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	var out feed.Item
	if err := c.do(ctx, req, 1, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func pageQuery(sinceID int64, count int) url.Values {
	if count <= 0 || count > PageSize {
		count = PageSize
	}
	q := url.Values{}
	q.Set("since_id", strconv.FormatInt(sinceID, 10))
	q.Set("count", strconv.Itoa(count))
	q.Set("include_entities", "true")
	return q
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, req, c.maxAttempts, out)
}

// do sends req, retrying 429 and 5xx responses up to attempts times, and
// decodes a 2xx body into out. A Retry-After header replaces the next delay.
func (c *Client) do(ctx context.Context, req *http.Request, attempts int, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseBackoff
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		r := req
		if attempt > 1 {
			r = req.Clone(ctx)
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return struct{}{}, backoff.Permanent(err)
				}
				r.Body = body
			}
		}
		resp, err := c.http.Do(r)
		if err != nil {
			return struct{}{}, err
		}
		err = c.decode(req, resp, out)
		if err == nil {
			return struct{}{}, nil
		}
		var apiErr *Error
		if !errors.As(err, &apiErr) || !retryable(apiErr.StatusCode) {
			return struct{}{}, backoff.Permanent(err)
		}
		// the last attempt keeps the API error so callers can classify it
		if ra := retryAfter(resp.Header.Get("Retry-After")); ra > 0 && attempt < attempts {
			return struct{}{}, backoff.RetryAfter(int(math.Ceil(ra.Seconds())))
		}
		return struct{}{}, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(attempts)), backoff.WithMaxElapsedTime(0))
	return err
}

func (c *Client) decode(req *http.Request, resp *http.Response, out any) error {
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{Method: req.Method, URL: req.URL.Path, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return nil
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
