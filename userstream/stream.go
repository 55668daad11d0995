// Package userstream maintains a long-lived, OAuth1-signed user stream
// connection. It delivers raw frames, detects stalls and reconnects with
// bounded exponential backoff.
package userstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dghubble/oauth1"

	"github.com/onnwee/feedmaid/telemetry"
	"github.com/onnwee/feedmaid/twitterapi"
)

// DefaultURL is the user stream endpoint.
const DefaultURL = "https://userstream.twitter.com/1.1/user.json"

const (
	defaultStallTimeout = 90 * time.Second
	defaultMaxRetries   = 10
	maxFrameSize        = 1 << 20
)

// Backoff is an exponential schedule: Initial doubling up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

var (
	defaultNetworkBackoff   = Backoff{Initial: 250 * time.Millisecond, Max: 16 * time.Second}
	defaultHTTPBackoff      = Backoff{Initial: 5 * time.Second, Max: 320 * time.Second}
	defaultRateLimitBackoff = Backoff{Initial: 60 * time.Second, Max: 16 * time.Minute}
)

// Options configure one stream connection.
type Options struct {
	URL         string
	Credentials twitterapi.Credentials
	// Track is sent as the comma separated track parameter.
	Track []string
	// RepliesAll adds replies=all.
	RepliesAll   bool
	StallTimeout time.Duration
	// MaxRetries is the number of consecutive failed attempts before giving up.
	MaxRetries int
	UserAgent  string
	// HTTPClient is the transport underneath the signer. It must not set a
	// Timeout since the response body is read indefinitely.
	HTTPClient *http.Client

	NetworkBackoff   Backoff
	HTTPBackoff      Backoff
	RateLimitBackoff Backoff
}

// Handlers receive stream events. All run on the connection goroutine and
// must not call Stop.
type Handlers struct {
	OnConnected     func()
	OnItem          func(frame []byte)
	OnNoData        func()
	OnUnauthorized  func()
	OnMaxReconnects func(timeout time.Duration, retries int)
	OnError         func(err error)
}

// Conn is a running stream.
type Conn struct {
	opts   Options
	h      Handlers
	client *http.Client
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Dial starts the stream in the background and returns immediately.
func Dial(ctx context.Context, opts Options, h Handlers) *Conn {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = defaultStallTimeout
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	opts.NetworkBackoff = withDefault(opts.NetworkBackoff, defaultNetworkBackoff)
	opts.HTTPBackoff = withDefault(opts.HTTPBackoff, defaultHTTPBackoff)
	opts.RateLimitBackoff = withDefault(opts.RateLimitBackoff, defaultRateLimitBackoff)

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	cfg := oauth1.NewConfig(opts.Credentials.ConsumerKey, opts.Credentials.ConsumerSecret)
	client := cfg.Client(context.WithValue(context.Background(), oauth1.HTTPClient, base),
		oauth1.NewToken(opts.Credentials.Token, opts.Credentials.TokenSecret))

	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{opts: opts, h: h, client: client, cancel: cancel, done: make(chan struct{})}
	go c.run(ctx)
	return c
}

func withDefault(b, def Backoff) Backoff {
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	return b
}

// Stop closes the connection and waits for the reader to exit.
func (c *Conn) Stop() {
	c.once.Do(c.cancel)
	<-c.done
}

// Done is closed when the connection goroutine has exited.
func (c *Conn) Done() <-chan struct{} { return c.done }

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeStalled
	outcomeUnauthorized
	outcomeRateLimited
	outcomeHTTPError
	outcomeNetworkError
)

func (o outcome) String() string {
	switch o {
	case outcomeStalled:
		return "no_data"
	case outcomeUnauthorized:
		return "unauthorized"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeHTTPError:
		return "http"
	case outcomeNetworkError:
		return "network"
	default:
		return "stopped"
	}
}

func newBackOff(b Backoff) *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.Initial
	eb.MaxInterval = b.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.Reset()
	return eb
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)
	schedules := map[outcome]*backoff.ExponentialBackOff{
		outcomeNetworkError: newBackOff(c.opts.NetworkBackoff),
		outcomeHTTPError:    newBackOff(c.opts.HTTPBackoff),
		outcomeRateLimited:  newBackOff(c.opts.RateLimitBackoff),
	}
	failures := 0
	for {
		connected := false
		out, err := c.connect(ctx, func() {
			connected = true
			failures = 0
			for _, b := range schedules {
				b.Reset()
			}
		})
		if ctx.Err() != nil {
			return
		}
		switch out {
		case outcomeStopped:
			return
		case outcomeStalled:
			telemetry.RecordReconnect(out.String())
			call0(c.h.OnNoData)
			return
		case outcomeUnauthorized:
			call0(c.h.OnUnauthorized)
			return
		}

		if err != nil && c.h.OnError != nil {
			c.h.OnError(err)
		}
		failures++
		wait := schedules[out].NextBackOff()
		if failures > c.opts.MaxRetries {
			telemetry.RecordMaxReconnects()
			if c.h.OnMaxReconnects != nil {
				c.h.OnMaxReconnects(wait, failures-1)
			}
			return
		}
		telemetry.RecordReconnect(out.String())
		slog.Debug("stream reconnecting", slog.String("component", "userstream"),
			slog.String("reason", out.String()), slog.Duration("wait", wait), slog.Bool("was_connected", connected))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func call0(f func()) {
	if f != nil {
		f()
	}
}

func (c *Conn) requestURL() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	if len(c.opts.Track) > 0 {
		q.Set("track", strings.Join(c.opts.Track, ","))
	}
	if c.opts.RepliesAll {
		q.Set("replies", "all")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect runs one connection attempt until it ends.
func (c *Conn) connect(ctx context.Context, onConnected func()) (outcome, error) {
	target, err := c.requestURL()
	if err != nil {
		return outcomeStopped, err
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, target, nil)
	if err != nil {
		return outcomeStopped, err
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	// The stall timer also bounds the handshake; a stall before the first
	// byte counts as a network failure.
	var mu sync.Mutex
	var stalled bool
	stall := time.AfterFunc(c.opts.StallTimeout, func() {
		mu.Lock()
		stalled = true
		mu.Unlock()
		cancel()
	})
	defer stall.Stop()

	resp, err := c.client.Do(req)
	if err != nil {
		return outcomeNetworkError, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil && ctx.Err() == nil {
			slog.Debug("failed to close stream body", slog.Any("err", err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return outcomeUnauthorized, errors.New("stream unauthorized")
	case resp.StatusCode == 420 || resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRateLimited, fmt.Errorf("stream rate limited: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return outcomeHTTPError, fmt.Errorf("stream http error: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	onConnected()
	telemetry.AddActiveStreams(1)
	defer telemetry.AddActiveStreams(-1)
	call0(c.h.OnConnected)

	stall.Reset(c.opts.StallTimeout)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	for sc.Scan() {
		stall.Reset(c.opts.StallTimeout)
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if c.h.OnItem != nil {
			frame := make([]byte, len(line))
			copy(frame, line)
			c.h.OnItem(frame)
		}
	}
	mu.Lock()
	wasStalled := stalled
	mu.Unlock()
	if wasStalled {
		return outcomeStalled, nil
	}
	if ctx.Err() != nil {
		return outcomeStopped, nil
	}
	if err := sc.Err(); err != nil {
		return outcomeNetworkError, fmt.Errorf("stream read: %w", err)
	}
	return outcomeNetworkError, io.ErrUnexpectedEOF
}
