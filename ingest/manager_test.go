package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/feed"
	"github.com/onnwee/feedmaid/notify"
	"github.com/onnwee/feedmaid/oauth"
	"github.com/onnwee/feedmaid/testutil"
	"github.com/onnwee/feedmaid/twitterapi"
	"github.com/onnwee/feedmaid/userstream"
)

const ownerID = 1

type fakeREST struct {
	mu       sync.Mutex
	mentions []feed.Item
	dms      []feed.DirectMessage
	blocked  []int64
	noRT     []int64
	errs     map[string]error
	calls    map[string]int
	since    map[string]int64
	updates  []twitterapi.StatusUpdate
	// block, when set, holds BlockedIDs until closed.
	block chan struct{}
}

func newFakeREST() *fakeREST {
	return &fakeREST{errs: map[string]error{}, calls: map[string]int{}, since: map[string]int64{}}
}

func (f *fakeREST) enter(name string, since int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	f.since[name] = since
	return f.errs[name]
}

func (f *fakeREST) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeREST) sinceOf(name string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.since[name]
}

func (f *fakeREST) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeREST) setErr(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[name] = err
}

func (f *fakeREST) MentionsSince(_ context.Context, since int64, _ int) ([]feed.Item, error) {
	if err := f.enter("mentions", since); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.Item(nil), f.mentions...), nil
}

func (f *fakeREST) DirectMessagesSince(_ context.Context, since int64, _ int) ([]feed.DirectMessage, error) {
	if err := f.enter("dms", since); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.DirectMessage(nil), f.dms...), nil
}

func (f *fakeREST) BlockedIDs(ctx context.Context) ([]int64, error) {
	if err := f.enter("blocked", 0); err != nil {
		return nil, err
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked, nil
}

func (f *fakeREST) NoRetweetIDs(context.Context) ([]int64, error) {
	if err := f.enter("no_retweets", 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.noRT, nil
}

func (f *fakeREST) VerifyCredentials(context.Context) (account.Profile, json.RawMessage, error) {
	if err := f.enter("verify", 0); err != nil {
		return account.Profile{}, nil, err
	}
	return account.Profile{ID: ownerID, ScreenName: "owner"}, json.RawMessage(`{}`), nil
}

func (f *fakeREST) UpdateStatus(_ context.Context, u twitterapi.StatusUpdate) (*feed.Item, error) {
	if err := f.enter("update", 0); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return &feed.Item{ID: 9000, Text: u.Text}, nil
}

type fakeConn struct {
	done chan struct{}
	once sync.Once
}

func (c *fakeConn) Stop()                 { c.once.Do(func() { close(c.done) }) }
func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) stopped() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

type dialed struct {
	opts userstream.Options
	h    userstream.Handlers
	conn *fakeConn
}

type fakeDialer struct{ ch chan dialed }

func (d *fakeDialer) dial(_ context.Context, opts userstream.Options, h userstream.Handlers) Streamer {
	c := &fakeConn{done: make(chan struct{})}
	d.ch <- dialed{opts: opts, h: h, conn: c}
	return c
}

func (d *fakeDialer) next(t *testing.T) dialed {
	t.Helper()
	select {
	case x := <-d.ch:
		return x
	case <-time.After(2 * time.Second):
		t.Fatal("no stream dialed")
		return dialed{}
	}
}

type sink struct{ ch chan notify.Message }

func newSink() *sink { return &sink{ch: make(chan notify.Message, 64)} }

func (s *sink) Notify(_ context.Context, m notify.Message) error {
	s.ch <- m
	return nil
}

func (s *sink) next(t *testing.T) notify.Message {
	t.Helper()
	select {
	case m := <-s.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
		return notify.Message{}
	}
}

func (s *sink) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-s.ch:
		t.Fatalf("unexpected notification %+v", m)
	case <-time.After(d):
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	m      *Manager
	store  *testutil.MemStore
	rest   *fakeREST
	dialer *fakeDialer
	sink   *sink
	reg    *Registry
}

func newOwner() *account.Account {
	a := account.New(7, "chat-7")
	a.UserID = ownerID
	a.ScreenName = "owner"
	a.ProfileUpdatedAt = time.Now()
	a.Primary = account.PrimaryCredential{Token: "tok", Secret: "sec"}
	return a
}

func newHarness(t *testing.T, a *account.Account, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:  testutil.NewMemStore(),
		rest:   newFakeREST(),
		dialer: &fakeDialer{ch: make(chan dialed, 8)},
		sink:   newSink(),
		reg:    NewRegistry(),
	}
	if err := h.store.CreateAccount(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	opts := Options{
		Store:        h.store,
		Notifier:     h.sink,
		Registry:     h.reg,
		Dial:         h.dialer.dial,
		NewREST:      func(twitterapi.Credentials) REST { return h.rest },
		Consumer:     twitterapi.Credentials{ConsumerKey: "ck", ConsumerSecret: "cs"},
		PollInterval: time.Hour,
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.m = New(a, opts)
	t.Cleanup(h.m.Stop)
	return h
}

func (h *harness) start(t *testing.T) dialed {
	t.Helper()
	if err := h.m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return h.dialer.next(t)
}

func mentionFrame(id int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%d,"text":"hi @owner","user":{"id":2,"screen_name":"bob"},"entities":{"user_mentions":[{"id":%d}]}}`, id, ownerID))
}

func TestStreamOptionsFromAccount(t *testing.T) {
	a := newOwner()
	a.Rules.TrackKeywordsStream = []string{"golang"}
	a.Rules.TrackUsers = []string{"alice"}
	a.Rules.Notifications = append(a.Rules.Notifications, account.Track)
	h := newHarness(t, a, nil)
	d := h.start(t)
	if d.opts.Credentials.Token != "tok" || d.opts.Credentials.ConsumerKey != "ck" {
		t.Errorf("credentials = %+v", d.opts.Credentials)
	}
	if len(d.opts.Track) != 1 || d.opts.Track[0] != "golang" || !d.opts.RepliesAll {
		t.Errorf("track = %v replies_all = %v", d.opts.Track, d.opts.RepliesAll)
	}
	if h.m.Polling() != PollingActive {
		t.Error("polling not active after start")
	}
}

func TestStreamItemPipeline(t *testing.T) {
	h := newHarness(t, newOwner(), nil)
	d := h.start(t)
	d.h.OnConnected()
	waitFor(t, "streaming", func() bool { return h.m.State() == Streaming })

	d.h.OnItem(mentionFrame(500))
	m := h.sink.next(t)
	if m.Kind != notify.KindItem || m.Category != account.Mention || m.ShortRef != "AA" || m.Item.ID != 500 {
		t.Errorf("notification = %+v", m)
	}
	if got := h.store.Account(t, 7).LastMentionID; got != 500 {
		t.Errorf("mention cursor = %d, want bootstrap to 500", got)
	}

	// A duplicate is stored once and not notified again; the next new item is.
	d.h.OnItem(mentionFrame(500))
	d.h.OnItem(mentionFrame(501))
	if m := h.sink.next(t); m.Item.ID != 501 || m.ShortRef != "AB" {
		t.Errorf("second notification = %+v", m)
	}
	if got := h.store.Account(t, 7).LastMentionID; got != 500 {
		t.Errorf("mention cursor moved to %d", got)
	}

	id, err := h.m.ResolveReference("ab")
	if err != nil || id != 501 {
		t.Errorf("ResolveReference(ab) = %d, %v", id, err)
	}
	if st := h.store.Account(t, 7).Items; st.Last != 1 || len(st.Slots) != 2 {
		t.Errorf("persisted items table = %+v", st)
	}
}

func TestSharedStoreNotifiesEveryAccount(t *testing.T) {
	store := db.NewStore(testutil.OpenSQLite(t), db.SQLite, nil)
	second := account.New(8, "chat-8")
	second.UserID = 3
	second.ScreenName = "second"
	second.ProfileUpdatedAt = time.Now()
	second.Primary = account.PrimaryCredential{Token: "tok2", Secret: "sec2"}

	type side struct {
		m      *Manager
		dialer *fakeDialer
		sink   *sink
	}
	var sides []side
	for _, a := range []*account.Account{newOwner(), second} {
		if err := store.CreateAccount(context.Background(), a); err != nil {
			t.Fatal(err)
		}
		rest := newFakeREST()
		sd := side{dialer: &fakeDialer{ch: make(chan dialed, 8)}, sink: newSink()}
		sd.m = New(a, Options{
			Store:        store,
			Notifier:     sd.sink,
			Dial:         sd.dialer.dial,
			NewREST:      func(twitterapi.Credentials) REST { return rest },
			PollInterval: time.Hour,
		})
		t.Cleanup(sd.m.Stop)
		sides = append(sides, sd)
	}

	frame := []byte(`{"id":777,"text":"hi @owner @second","user":{"id":5,"screen_name":"carol"},"entities":{"user_mentions":[{"id":1},{"id":3}]}}`)
	for _, sd := range sides {
		if err := sd.m.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		d := sd.dialer.next(t)
		d.h.OnConnected()
		waitFor(t, "streaming", func() bool { return sd.m.State() == Streaming })
		d.h.OnItem(frame)

		msg := sd.sink.next(t)
		if msg.Category != account.Mention || msg.ShortRef != "AA" || msg.Item.ID != 777 {
			t.Errorf("account %d notification = %+v", sd.m.ID(), msg)
		}
		if id, err := sd.m.ResolveReference("AA"); err != nil || id != 777 {
			t.Errorf("account %d ResolveReference(AA) = %d, %v", sd.m.ID(), id, err)
		}

		d.h.OnItem(frame)
		sd.sink.none(t, 50*time.Millisecond)
	}
}

func TestMalformedFramesIgnored(t *testing.T) {
	h := newHarness(t, newOwner(), nil)
	d := h.start(t)
	d.h.OnItem([]byte(`not json`))
	d.h.OnItem([]byte(`[1,2]`))
	d.h.OnItem([]byte(`{"delete":{"status":{"id":1}}}`))
	d.h.OnItem(mentionFrame(42))
	if m := h.sink.next(t); m.Item.ID != 42 {
		t.Errorf("notification = %+v", m)
	}
}

func TestFilteredItemNotDelivered(t *testing.T) {
	a := newOwner()
	a.Rules.Filters = []string{"spam"}
	h := newHarness(t, a, nil)
	d := h.start(t)
	d.h.OnItem([]byte(fmt.Sprintf(`{"id":60,"text":"spam @owner","user":{"id":2,"screen_name":"bob"},"entities":{"user_mentions":[{"id":%d}]}}`, ownerID)))
	d.h.OnItem(mentionFrame(61))
	if m := h.sink.next(t); m.Item.ID != 61 {
		t.Errorf("filtered item delivered: %+v", m)
	}
	// Filtered items still get a reference.
	if id, err := h.m.ResolveReference("AA"); err != nil || id != 60 {
		t.Errorf("ResolveReference(AA) = %d, %v", id, err)
	}
}

func TestFriendsAndDirectMessages(t *testing.T) {
	h := newHarness(t, newOwner(), nil)
	d := h.start(t)
	d.h.OnItem([]byte(`{"friends":[2,3]}`))
	d.h.OnItem([]byte(`{"direct_message":{"id":900,"text":"mine","sender":{"id":1,"screen_name":"owner"}}}`))
	d.h.OnItem([]byte(`{"direct_message":{"id":901,"text":"yo","sender":{"id":3,"screen_name":"carol"}}}`))
	m := h.sink.next(t)
	if m.Kind != notify.KindDirectMessage || m.DirectMessage.ID != 901 || m.ShortRef != "AB" {
		t.Errorf("dm notification = %+v", m)
	}
	snap := h.m.Snapshot()
	if snap.LastDMID != 900 || snap.DirectMessages != 2 {
		t.Errorf("snapshot = %+v", snap)
	}
	if got := h.store.Account(t, 7).Relationships.Friends; len(got) != 2 {
		t.Errorf("friends = %v", got)
	}
	if id, err := h.m.ResolveDirectMessage("AB"); err != nil || id != 901 {
		t.Errorf("ResolveDirectMessage = %d, %v", id, err)
	}
}

func TestStreamUnauthorizedRevokes(t *testing.T) {
	h := newHarness(t, newOwner(), func(o *Options) { o.PollInterval = 10 * time.Millisecond })
	d := h.start(t)
	waitFor(t, "first poll", func() bool { return h.rest.count("no_retweets") > 0 })

	d.h.OnUnauthorized()
	m := h.sink.next(t)
	if m.Kind != notify.KindRevoked {
		t.Fatalf("notification = %+v", m)
	}
	if h.m.State() != Revoked || h.m.Polling() != PollingStopped {
		t.Errorf("state = %s polling = %s", h.m.State(), h.m.Polling())
	}
	if h.store.Account(t, 7).Authorized() {
		t.Error("primary credential still stored")
	}
	if !d.conn.stopped() || h.reg.Len() != 0 {
		t.Error("stream not stopped")
	}

	waitFor(t, "poll round to exit", func() bool { return !h.m.pollBusy.Load() })
	calls := h.rest.total()
	time.Sleep(60 * time.Millisecond)
	if got := h.rest.total(); got != calls {
		t.Errorf("REST calls after revocation: %d -> %d", calls, got)
	}
	if _, err := h.m.UpdateStatus(context.Background(), "x", "", false); !errors.Is(err, ErrRevoked) {
		t.Errorf("UpdateStatus err = %v", err)
	}
	h.sink.none(t, 20*time.Millisecond)
}

func TestPollUnauthorizedRevokes(t *testing.T) {
	h := newHarness(t, newOwner(), func(o *Options) { o.PollInterval = 10 * time.Millisecond })
	h.rest.setErr("blocked", &twitterapi.Error{Method: http.MethodGet, URL: "/blocks/ids.json", StatusCode: http.StatusUnauthorized})
	d := h.start(t)
	if m := h.sink.next(t); m.Kind != notify.KindRevoked {
		t.Fatalf("notification = %+v", m)
	}
	if !d.conn.stopped() {
		t.Error("stream not stopped after REST 401")
	}
	waitFor(t, "poll round to exit", func() bool { return !h.m.pollBusy.Load() })
	calls := h.rest.total()
	time.Sleep(50 * time.Millisecond)
	if got := h.rest.total(); got != calls {
		t.Errorf("REST calls after revocation: %d -> %d", calls, got)
	}
}

func TestPollAdvancesCursorsAndSkipsUnset(t *testing.T) {
	a := newOwner()
	a.LastMentionID = 100
	h := newHarness(t, a, nil)
	h.rest.mentions = []feed.Item{
		{ID: 105, Text: "b", User: feed.User{ID: 2}, Entities: feed.Entities{UserMentions: []feed.UserMention{{ID: ownerID}}}},
		{ID: 103, Text: "a", User: feed.User{ID: 2}, Entities: feed.Entities{UserMentions: []feed.UserMention{{ID: ownerID}}}},
	}
	h.rest.blocked = []int64{66}
	h.start(t)

	first, second := h.sink.next(t), h.sink.next(t)
	if first.Item.ID != 103 || second.Item.ID != 105 {
		t.Errorf("order = %d, %d", first.Item.ID, second.Item.ID)
	}
	waitFor(t, "relationships", func() bool { return h.rest.count("no_retweets") == 1 })
	waitFor(t, "cursor", func() bool { return h.store.Account(t, 7).LastMentionID == 105 })
	if got := h.rest.sinceOf("mentions"); got != 100 {
		t.Errorf("mentions since = %d", got)
	}
	if h.rest.count("dms") != 0 {
		t.Error("direct messages pulled without a cursor")
	}
	if h.rest.count("verify") != 0 {
		t.Error("fresh profile refreshed")
	}
	waitFor(t, "blocked persisted", func() bool {
		b := h.store.Account(t, 7).Relationships.Blocked
		return len(b) == 1 && b[0] == 66
	})
}

func TestPollFailureIsIsolated(t *testing.T) {
	a := newOwner()
	a.LastMentionID = 10
	a.LastDMID = 20
	a.ProfileUpdatedAt = time.Time{}
	a.ScreenName = "old-name"
	h := newHarness(t, a, nil)
	h.rest.setErr("mentions", &twitterapi.Error{Method: http.MethodGet, URL: "/statuses/mentions_timeline.json", StatusCode: 500})
	h.start(t)
	waitFor(t, "relationships", func() bool { return h.rest.count("no_retweets") == 1 })
	if h.rest.count("dms") != 1 || h.rest.count("verify") != 1 {
		t.Errorf("dms = %d verify = %d", h.rest.count("dms"), h.rest.count("verify"))
	}
	if h.m.State() == Revoked {
		t.Error("non-401 failure revoked the account")
	}
	if got := h.store.Account(t, 7).ScreenName; got != "owner" {
		t.Errorf("profile not refreshed: %q", got)
	}
}

func TestPollTickSkippedWhileRunning(t *testing.T) {
	h := newHarness(t, newOwner(), func(o *Options) { o.PollInterval = 5 * time.Millisecond })
	h.rest.block = make(chan struct{})
	h.start(t)
	time.Sleep(60 * time.Millisecond)
	if n := h.rest.count("blocked"); n != 1 {
		t.Errorf("blocked pulls while first still running = %d", n)
	}
	close(h.rest.block)
	waitFor(t, "next round", func() bool { return h.rest.count("blocked") > 1 })
}

func TestNoDataRedials(t *testing.T) {
	h := newHarness(t, newOwner(), nil)
	first := h.start(t)
	first.h.OnConnected()
	waitFor(t, "streaming", func() bool { return h.m.State() == Streaming })

	first.h.OnNoData()
	second := h.dialer.next(t)
	if !first.conn.stopped() {
		t.Error("stalled connection not stopped")
	}
	if h.m.State() != Reconnecting {
		t.Errorf("state = %s, want reconnecting", h.m.State())
	}
	// Lifecycle callbacks from the old connection are ignored.
	first.h.OnMaxReconnects(time.Second, 3)
	second.h.OnConnected()
	waitFor(t, "streaming again", func() bool { return h.m.State() == Streaming })
	if c, ok := h.reg.Get(7); !ok || c.(*streamHandle).conn != second.conn {
		t.Error("registry does not hold the new connection")
	}
}

func TestMaxReconnectsKeepsPolling(t *testing.T) {
	h := newHarness(t, newOwner(), nil)
	d := h.start(t)
	d.h.OnMaxReconnects(16*time.Minute, 10)
	waitFor(t, "disconnected", func() bool { return h.m.State() == Disconnected })
	if h.m.Polling() != PollingActive {
		t.Error("polling stopped after max reconnects")
	}
	if !h.store.Account(t, 7).Authorized() {
		t.Error("credential cleared after max reconnects")
	}
}

func TestPollRoundRedialsAfterMaxReconnects(t *testing.T) {
	h := newHarness(t, newOwner(), func(o *Options) { o.PollInterval = 20 * time.Millisecond })
	first := h.start(t)
	first.h.OnConnected()
	waitFor(t, "streaming", func() bool { return h.m.State() == Streaming })

	first.h.OnMaxReconnects(16*time.Minute, 10)
	second := h.dialer.next(t)
	if second.conn == first.conn {
		t.Fatal("no new connection after max reconnects")
	}
	second.h.OnConnected()
	waitFor(t, "streaming again", func() bool { return h.m.State() == Streaming })

	// Callbacks of the abandoned connection are ignored.
	first.h.OnMaxReconnects(time.Minute, 10)
	time.Sleep(60 * time.Millisecond)
	if h.m.State() != Streaming {
		t.Errorf("state = %s after a stale generation gave up", h.m.State())
	}
}

func TestUpdateRulesReconnects(t *testing.T) {
	h := newHarness(t, newOwner(), nil)
	first := h.start(t)
	r := h.m.Account().Rules
	r.TrackKeywordsStream = []string{"rust"}
	if err := h.m.UpdateRules(context.Background(), r); err != nil {
		t.Fatal(err)
	}
	second := h.dialer.next(t)
	if !first.conn.stopped() || len(second.opts.Track) != 1 || second.opts.Track[0] != "rust" {
		t.Errorf("reconnect track = %v", second.opts.Track)
	}
	if got := h.store.Account(t, 7).Rules.TrackKeywordsStream; len(got) != 1 {
		t.Errorf("rules not persisted: %v", got)
	}
}

func TestUpdateStatusWithLocation(t *testing.T) {
	g := testutil.NewMockGoogleServer(t)
	g.MockLocation(52.5, 13.4, time.Now().Add(-10*time.Minute))
	a := newOwner()
	a.Location = account.LocationCredential{AccessToken: "at", RefreshToken: "rt", CreatedAt: time.Now(), ExpiresIn: 3600, State: account.LocationOn}
	h := newHarness(t, a, func(o *Options) {
		o.Location = &oauth.Config{TokenURL: g.TokenURL(), LocationURL: g.LocationURL()}
		o.LocationRefreshInterval = time.Hour
	})
	d := h.start(t)
	d.h.OnItem(mentionFrame(777))
	h.sink.next(t)

	it, err := h.m.UpdateStatus(context.Background(), "reply", "AA", true)
	if err != nil {
		t.Fatal(err)
	}
	if it.ID != 9000 {
		t.Errorf("item = %+v", it)
	}
	u := h.rest.updates[0]
	if u.InReplyToStatusID != 777 || u.Latitude == nil || *u.Latitude != 52.5 || *u.Longitude != 13.4 {
		t.Errorf("update = %+v", u)
	}
}

func TestUpdateStatusLocationRevoked(t *testing.T) {
	g := testutil.NewMockGoogleServer(t)
	g.MockLocationStatus(http.StatusUnauthorized)
	a := newOwner()
	a.Location = account.LocationCredential{AccessToken: "at", RefreshToken: "rt", CreatedAt: time.Now(), ExpiresIn: 3600, State: account.LocationOn}
	h := newHarness(t, a, func(o *Options) {
		o.Location = &oauth.Config{TokenURL: g.TokenURL(), LocationURL: g.LocationURL()}
		o.LocationRefreshInterval = time.Hour
	})
	h.start(t)

	if _, err := h.m.UpdateStatus(context.Background(), "hello", "", true); err != nil {
		t.Fatal(err)
	}
	if u := h.rest.updates[0]; u.Latitude != nil {
		t.Errorf("location attached after 401: %+v", u)
	}
	if m := h.sink.next(t); m.Kind != notify.KindLocationRevoked {
		t.Errorf("notification = %+v", m)
	}
	stored := h.store.Account(t, 7)
	if stored.Location.State != account.LocationOff || stored.Location.RefreshToken != "" {
		t.Errorf("location = %+v", stored.Location)
	}
	if !stored.Authorized() || h.m.State() == Revoked {
		t.Error("location revocation touched the primary credential")
	}
}

func TestUpdateStatusRefreshFailureAborts(t *testing.T) {
	g := testutil.NewMockGoogleServer(t)
	g.MockTokenStatus(http.StatusInternalServerError)
	g.MockLocation(52.5, 13.4, time.Now())
	a := newOwner()
	a.Location = account.LocationCredential{AccessToken: "old", RefreshToken: "rt", CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresIn: 3600, State: account.LocationOn}
	h := newHarness(t, a, func(o *Options) {
		o.Location = &oauth.Config{TokenURL: g.TokenURL(), LocationURL: g.LocationURL()}
		o.LocationRefreshInterval = time.Hour
	})
	h.start(t)

	_, err := h.m.UpdateStatus(context.Background(), "hello", "", true)
	if err == nil || errors.Is(err, oauth.ErrUnauthorized) {
		t.Fatalf("UpdateStatus err = %v, want the refresh failure", err)
	}
	if n := h.rest.count("update"); n != 0 {
		t.Errorf("status posted %d times after a failed refresh", n)
	}
	if stored := h.store.Account(t, 7); !stored.Location.Enabled() || stored.Location.RefreshToken != "rt" {
		t.Errorf("server error must not clear the location credential: %+v", stored.Location)
	}

	// Without location the same update goes through.
	if _, err := h.m.UpdateStatus(context.Background(), "hello", "", false); err != nil {
		t.Fatal(err)
	}
}

func TestRevokeStopsLocationRefresher(t *testing.T) {
	g := testutil.NewMockGoogleServer(t)
	var hits atomic.Int32
	g.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}
	a := newOwner()
	a.Location = account.LocationCredential{AccessToken: "old", RefreshToken: "rt", CreatedAt: time.Now().Add(-2 * time.Hour), ExpiresIn: 3600, State: account.LocationOn}
	h := newHarness(t, a, func(o *Options) {
		o.Location = &oauth.Config{TokenURL: g.TokenURL(), LocationURL: g.LocationURL()}
		o.LocationRefreshInterval = 10 * time.Millisecond
	})
	h.start(t)
	waitFor(t, "refresh attempts", func() bool { return hits.Load() >= 2 })

	h.rest.setErr("update", &twitterapi.Error{Method: http.MethodPost, URL: "/statuses/update.json", StatusCode: http.StatusUnauthorized})
	if _, err := h.m.UpdateStatus(context.Background(), "x", "", false); !errors.Is(err, ErrRevoked) {
		t.Fatalf("err = %v", err)
	}

	// let an in-flight attempt land before counting
	time.Sleep(50 * time.Millisecond)
	before := hits.Load()
	time.Sleep(100 * time.Millisecond)
	if after := hits.Load(); after != before {
		t.Errorf("refresher kept running after revoke: %d -> %d token requests", before, after)
	}
}

func TestUpdateStatusUnauthorizedRevokes(t *testing.T) {
	h := newHarness(t, newOwner(), nil)
	h.start(t)
	h.rest.setErr("update", &twitterapi.Error{Method: http.MethodPost, URL: "/statuses/update.json", StatusCode: http.StatusUnauthorized})
	if _, err := h.m.UpdateStatus(context.Background(), "x", "", false); !errors.Is(err, ErrRevoked) {
		t.Errorf("err = %v", err)
	}
	if h.m.State() != Revoked {
		t.Errorf("state = %s", h.m.State())
	}
}

func TestStartRequiresCredential(t *testing.T) {
	a := newOwner()
	a.ClearPrimary()
	h := newHarness(t, a, nil)
	if err := h.m.Start(context.Background()); !errors.Is(err, ErrRevoked) {
		t.Errorf("Start err = %v", err)
	}
}

func TestSupervisor(t *testing.T) {
	store := testutil.NewMemStore()
	on, off := newOwner(), account.New(8, "chat-8")
	for _, a := range []*account.Account{on, off} {
		if err := store.CreateAccount(context.Background(), a); err != nil {
			t.Fatal(err)
		}
	}
	dialer := &fakeDialer{ch: make(chan dialed, 8)}
	rest := newFakeREST()
	sup := NewSupervisor(store, Options{
		Notifier:     newSink(),
		Dial:         dialer.dial,
		NewREST:      func(twitterapi.Credentials) REST { return rest },
		PollInterval: time.Hour,
	})
	if err := sup.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer sup.Stop()
	first := dialer.next(t)
	if sup.Len() != 1 {
		t.Fatalf("managers = %d", sup.Len())
	}
	if _, ok := sup.Get(8); ok {
		t.Error("unauthorized account started")
	}
	if err := sup.Reload(context.Background(), 8); !errors.Is(err, ErrRevoked) {
		t.Errorf("Reload unauthorized = %v", err)
	}
	if err := sup.Reload(context.Background(), 7); err != nil {
		t.Fatal(err)
	}
	dialer.next(t)
	if !first.conn.stopped() {
		t.Error("replaced manager's stream still running")
	}
	if sup.Registry().Len() != 1 {
		t.Errorf("registry = %d", sup.Registry().Len())
	}
	if _, err := sup.store.LoadAccount(context.Background(), 99); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("missing account err = %v", err)
	}
}
