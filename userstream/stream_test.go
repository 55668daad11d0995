package userstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/feedmaid/twitterapi"
)

var testCreds = twitterapi.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs", Token: "tok", TokenSecret: "ts"}

func fastOptions(url string) Options {
	return Options{
		URL:              url,
		Credentials:      testCreds,
		StallTimeout:     2 * time.Second,
		MaxRetries:       3,
		NetworkBackoff:   Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond},
		HTTPBackoff:      Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond},
		RateLimitBackoff: Backoff{Initial: time.Millisecond, Max: 4 * time.Millisecond},
	}
}

func waitDone(t *testing.T, c *Conn) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not finish")
	}
}

func TestFramesDelivered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("track"); got != "go,rust" {
			t.Errorf("track = %q", got)
		}
		if got := r.URL.Query().Get("replies"); got != "all" {
			t.Errorf("replies = %q", got)
		}
		if !strings.HasPrefix(r.Header.Get("Authorization"), "OAuth ") {
			t.Errorf("request not signed")
		}
		fl := w.(http.Flusher)
		fmt.Fprint(w, "{\"friends\":[1,2]}\r\n\r\n{\"id\":5,\"text\":\"x\",\"user\":{\"id\":1}}\r\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var mu sync.Mutex
	var frames []string
	got := make(chan struct{})
	opts := fastOptions(srv.URL)
	opts.Track = []string{"go", "rust"}
	opts.RepliesAll = true
	c := Dial(context.Background(), opts, Handlers{
		OnItem: func(frame []byte) {
			mu.Lock()
			frames = append(frames, string(frame))
			n := len(frames)
			mu.Unlock()
			if n == 2 {
				close(got)
			}
		},
	})
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("frames not delivered")
	}
	c.Stop()
	mu.Lock()
	defer mu.Unlock()
	if frames[0] != `{"friends":[1,2]}` {
		t.Errorf("frame[0] = %q", frames[0])
	}
}

func TestStallTriggersNoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "\r\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	var noData, connected int32
	opts := fastOptions(srv.URL)
	opts.StallTimeout = 100 * time.Millisecond
	c := Dial(context.Background(), opts, Handlers{
		OnConnected: func() { atomic.AddInt32(&connected, 1) },
		OnNoData:    func() { atomic.AddInt32(&noData, 1) },
	})
	waitDone(t, c)
	if atomic.LoadInt32(&noData) != 1 || atomic.LoadInt32(&connected) != 1 {
		t.Errorf("noData=%d connected=%d", noData, connected)
	}
}

func TestUnauthorizedStopsWithoutRetry(t *testing.T) {
	var hits, unauthorized int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := Dial(context.Background(), fastOptions(srv.URL), Handlers{
		OnUnauthorized: func() { atomic.AddInt32(&unauthorized, 1) },
	})
	waitDone(t, c)
	if atomic.LoadInt32(&unauthorized) != 1 || atomic.LoadInt32(&hits) != 1 {
		t.Errorf("unauthorized=%d hits=%d", unauthorized, hits)
	}
}

func TestMaxReconnects(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var gotRetries int32 = -1
	var errs int32
	opts := fastOptions(srv.URL)
	opts.MaxRetries = 2
	c := Dial(context.Background(), opts, Handlers{
		OnError: func(error) { atomic.AddInt32(&errs, 1) },
		OnMaxReconnects: func(timeout time.Duration, retries int) {
			atomic.StoreInt32(&gotRetries, int32(retries))
			if timeout <= 0 {
				t.Errorf("timeout = %v", timeout)
			}
		},
	})
	waitDone(t, c)
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if r := atomic.LoadInt32(&gotRetries); r != 2 {
		t.Errorf("retries reported = %d, want 2", r)
	}
	if e := atomic.LoadInt32(&errs); e != 3 {
		t.Errorf("errors reported = %d, want 3", e)
	}
}

func TestRateLimitedThenConnects(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(420)
			return
		}
		fmt.Fprint(w, "{\"event\":\"follow\"}\r\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	got := make(chan struct{}, 1)
	c := Dial(context.Background(), fastOptions(srv.URL), Handlers{
		OnItem: func([]byte) {
			select {
			case got <- struct{}{}:
			default:
			}
		},
	})
	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame after rate limit")
	}
	c.Stop()
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("hits = %d", n)
	}
}

func TestStopCancelsDial(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := Dial(context.Background(), fastOptions(srv.URL), Handlers{})
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	// Stop is idempotent.
	c.Stop()
}
