// Package ingest runs one ingestion manager per authorized account. A manager
// owns the account's stream connection, its polling fallback, the reference
// tables and the processing pipeline that turns raw payloads into notifications.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/classify"
	"github.com/onnwee/feedmaid/feed"
	"github.com/onnwee/feedmaid/notify"
	"github.com/onnwee/feedmaid/oauth"
	"github.com/onnwee/feedmaid/shortref"
	"github.com/onnwee/feedmaid/telemetry"
	"github.com/onnwee/feedmaid/twitterapi"
	"github.com/onnwee/feedmaid/userstream"
)

const (
	// DefaultPollInterval is the period of the polling fallback.
	DefaultPollInterval = 300 * time.Second
	// DefaultPollPacing is the pause after each successful pull.
	DefaultPollPacing = 5 * time.Second

	eventBuffer = 256
)

var (
	// ErrRevoked is returned once the primary credential has been rejected.
	ErrRevoked = errors.New("account access revoked")
	// ErrStarted is returned by Start on a running manager.
	ErrStarted = errors.New("manager already started")
)

// Store persists account patches and cached payloads.
type Store interface {
	SaveAccount(ctx context.Context, id int64, p account.Patch) error
	CreateItem(ctx context.Context, accountID int64, kind string, id int64, raw []byte) (bool, error)
}

// REST is the subset of the REST API the manager calls.
type REST interface {
	MentionsSince(ctx context.Context, sinceID int64, count int) ([]feed.Item, error)
	DirectMessagesSince(ctx context.Context, sinceID int64, count int) ([]feed.DirectMessage, error)
	BlockedIDs(ctx context.Context) ([]int64, error)
	NoRetweetIDs(ctx context.Context) ([]int64, error)
	VerifyCredentials(ctx context.Context) (account.Profile, json.RawMessage, error)
	UpdateStatus(ctx context.Context, u twitterapi.StatusUpdate) (*feed.Item, error)
}

// Dialer opens a stream connection.
type Dialer func(ctx context.Context, opts userstream.Options, h userstream.Handlers) Streamer

// DialUserstream is the production Dialer.
func DialUserstream(ctx context.Context, opts userstream.Options, h userstream.Handlers) Streamer {
	return userstream.Dial(ctx, opts, h)
}

// Options configure a manager. Only Store is required.
type Options struct {
	Store    Store
	Notifier notify.Notifier
	Registry *Registry
	Dial     Dialer
	// NewREST builds the account's REST client from its full credential.
	NewREST func(creds twitterapi.Credentials) REST
	// Consumer carries the application key and secret; the token halves come
	// from the account.
	Consumer twitterapi.Credentials
	// Stream is the template for stream options (URL, stall timeout, retries,
	// transport); credentials and track parameters are filled per account.
	Stream userstream.Options
	API    twitterapi.Options

	PollInterval time.Duration
	PollPacing   time.Duration

	// Location enables the location feature when non-nil.
	Location                *oauth.Config
	LocationRefreshInterval time.Duration

	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Notifier == nil {
		o.Notifier = notify.LogNotifier{}
	}
	if o.Registry == nil {
		o.Registry = NewRegistry()
	}
	if o.Dial == nil {
		o.Dial = DialUserstream
	}
	if o.NewREST == nil {
		api := o.API
		o.NewREST = func(creds twitterapi.Credentials) REST { return twitterapi.NewClient(creds, api) }
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollPacing < 0 {
		o.PollPacing = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager ingests one account.
type Manager struct {
	opts   Options
	rest   REST
	keeper *oauth.Keeper
	items  *shortref.Table
	dms    *shortref.Table
	log    *slog.Logger

	mu         sync.Mutex
	acct       *account.Account
	rules      []classify.Rule
	state      State
	polling    PollingState
	gen        uint64
	started    bool
	runCtx     context.Context
	cancel     context.CancelFunc
	group      *errgroup.Group
	lastPoll   time.Time

	pollCancel    context.CancelFunc
	refreshCancel context.CancelFunc

	pollBusy atomic.Bool
	events   chan event
}

// New builds a manager for a (decrypted) account document. The manager keeps
// its own copy of the document.
func New(a *account.Account, opts Options) *Manager {
	opts = opts.withDefaults()
	acct := a.Clone()
	m := &Manager{
		opts:   opts,
		acct:   acct,
		rules:  classify.ParseRules(acct.Rules.Filters),
		state:  Disconnected,
		events: make(chan event, eventBuffer),
		log:    slog.Default().With(slog.String("component", "ingest"), slog.Int64("account", acct.ID)),
	}
	m.rest = opts.NewREST(m.credentials(acct))
	m.items = shortref.NewTable(acct.Items, m.persistTable(account.FieldItems))
	m.dms = shortref.NewTable(acct.DirectMessages, m.persistTable(account.FieldDirectMessages))
	if opts.Location != nil {
		m.keeper = oauth.NewKeeper(acct.ID, *opts.Location, m)
		m.keeper.SetClock(opts.Now)
	}
	return m
}

// ID returns the account id.
func (m *Manager) ID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acct.ID
}

func (m *Manager) credentials(a *account.Account) twitterapi.Credentials {
	c := m.opts.Consumer
	c.Token, c.TokenSecret = a.Primary.Token, a.Primary.Secret
	return c
}

func (m *Manager) persistTable(field string) shortref.PersistFunc {
	return func(ctx context.Context, st shortref.State) error {
		return m.opts.Store.SaveAccount(context.WithoutCancel(ctx), m.acct.ID, account.Patch{field: st})
	}
}

// saveLocked persists the named fields. Callers hold m.mu.
func (m *Manager) saveLocked(ctx context.Context, fields ...string) error {
	p, err := m.acct.Fields(fields...)
	if err != nil {
		return err
	}
	if err := m.opts.Store.SaveAccount(context.WithoutCancel(ctx), m.acct.ID, p); err != nil {
		return fmt.Errorf("persist %v: %w", p.Keys(), err)
	}
	return nil
}

// Start connects the stream and launches the polling fallback. It returns
// immediately; use Wait or Stop to join the background tasks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrStarted
	}
	if !m.acct.Authorized() {
		m.state = Revoked
		m.mu.Unlock()
		return ErrRevoked
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	pollCtx, pollCancel := context.WithCancel(gctx)
	refreshCtx, refreshCancel := context.WithCancel(gctx)
	m.started = true
	m.runCtx, m.cancel, m.group = gctx, cancel, g
	m.pollCancel, m.refreshCancel = pollCancel, refreshCancel
	m.state = Connecting
	m.polling = PollingActive
	m.mu.Unlock()

	g.Go(func() error { return m.eventLoop(gctx) })
	g.Go(func() error { return m.pollLoop(pollCtx, g) })
	if m.keeper != nil {
		interval := m.opts.LocationRefreshInterval
		g.Go(func() error {
			return oauth.RunRefresher(refreshCtx, interval, func(ctx context.Context) error {
				if !m.LocationCredential().Enabled() {
					return nil
				}
				_, err := m.keeper.EnsureFresh(ctx)
				return err
			})
		})
	}
	m.dial(gctx)
	m.log.Info("ingestion started")
	return nil
}

// Stop tears down the stream and every background task and waits for them.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, g := m.cancel, m.group
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.opts.Registry.Stop(m.ID())
	_ = g.Wait()
	m.mu.Lock()
	if m.state != Revoked {
		m.state = Disconnected
	}
	m.polling = PollingStopped
	m.mu.Unlock()
}

// Wait blocks until the manager's tasks exit.
func (m *Manager) Wait() error {
	m.mu.Lock()
	g := m.group
	m.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// State returns the stream state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Polling returns the polling state.
func (m *Manager) Polling() PollingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polling
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Revoked {
		return
	}
	m.state = s
}

// revoke handles a rejected primary credential: the credential is cleared and
// persisted, polling, the location refresher and the stream stop, and the chat
// is told once.
func (m *Manager) revoke(ctx context.Context, source string) {
	m.mu.Lock()
	if m.state == Revoked {
		m.mu.Unlock()
		return
	}
	m.state = Revoked
	m.polling = PollingStopped
	m.acct.ClearPrimary()
	if err := m.saveLocked(ctx, account.FieldPrimary); err != nil {
		m.log.Error("failed to persist revoked credential", slog.Any("err", err))
	}
	pollCancel, refreshCancel := m.pollCancel, m.refreshCancel
	msg := notify.New(notify.KindRevoked, m.acct)
	id := m.acct.ID
	m.mu.Unlock()

	for _, cancel := range []context.CancelFunc{pollCancel, refreshCancel} {
		if cancel != nil {
			cancel()
		}
	}
	m.opts.Registry.Stop(id)
	telemetry.RecordRevocation("primary")
	m.log.Warn("primary credential rejected, ingestion stopped", slog.String("source", source))
	msg.Text = notify.Render(msg)
	m.deliver(context.WithoutCancel(ctx), msg)
}

// Snapshot is a point-in-time view of a manager for the HTTP layer.
type Snapshot struct {
	AccountID       int64              `json:"account_id"`
	ChatID          string             `json:"chat_id"`
	ScreenName      string             `json:"screen_name"`
	State           string             `json:"state"`
	Polling         string             `json:"polling"`
	LastMentionID   int64              `json:"last_mention_id"`
	LastDMID        int64              `json:"last_dm_id"`
	Items           int                `json:"items"`
	DirectMessages  int                `json:"direct_messages"`
	LocationEnabled bool               `json:"location_enabled"`
	Notifications   []account.Category `json:"notifications"`
	LastPoll        time.Time          `json:"last_poll,omitempty"`
}

// Snapshot returns the current view.
func (m *Manager) Snapshot() Snapshot {
	items, dms := m.items.Len(), m.dms.Len()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		AccountID:       m.acct.ID,
		ChatID:          m.acct.ChatID,
		ScreenName:      m.acct.ScreenName,
		State:           m.state.String(),
		Polling:         m.polling.String(),
		LastMentionID:   m.acct.LastMentionID,
		LastDMID:        m.acct.LastDMID,
		Items:           items,
		DirectMessages:  dms,
		LocationEnabled: m.acct.Location.Enabled(),
		Notifications:   slices.Clone(m.acct.Rules.Notifications),
		LastPoll:        m.lastPoll,
	}
}

// Account returns a copy of the current document.
func (m *Manager) Account() *account.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.acct.Clone()
	a.Items, a.DirectMessages = m.items.State(), m.dms.State()
	return a
}

// ResolveReference turns a user token into a feed item id.
func (m *Manager) ResolveReference(token string) (int64, error) { return m.items.Resolve(token) }

// ResolveDirectMessage turns a user token into a direct message id.
func (m *Manager) ResolveDirectMessage(token string) (int64, error) { return m.dms.Resolve(token) }

// UpdateRules replaces the account's rules, persists them and reconnects the
// stream when the stream parameters changed.
func (m *Manager) UpdateRules(ctx context.Context, r account.Rules) error {
	m.mu.Lock()
	if m.state == Revoked {
		m.mu.Unlock()
		return ErrRevoked
	}
	before := m.streamParamsLocked()
	m.acct.Rules = r
	if m.acct.Rules.Notifications == nil {
		m.acct.Rules.Notifications = []account.Category{}
	}
	m.rules = classify.ParseRules(r.Filters)
	err := m.saveLocked(ctx, account.FieldRules)
	changed := before != m.streamParamsLocked()
	runCtx := m.runCtx
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if changed && runCtx != nil && runCtx.Err() == nil {
		m.log.Info("stream parameters changed, reconnecting")
		m.setState(Reconnecting)
		m.opts.Registry.Stop(m.ID())
		m.dial(runCtx)
	}
	return nil
}

func (m *Manager) streamParamsLocked() string {
	return fmt.Sprint(m.acct.Rules.TrackKeywordsStream, m.acct.TracksReplies())
}

// UpdateStatus posts a status for the account. replyTo may be a short
// reference or a raw item id. When withLocation is set and the location
// feature is on, a fix younger than an hour is attached; errors refreshing
// the location credential or fetching the fix are returned without posting.
func (m *Manager) UpdateStatus(ctx context.Context, text, replyTo string, withLocation bool) (*feed.Item, error) {
	if m.State() == Revoked {
		return nil, ErrRevoked
	}
	u := twitterapi.StatusUpdate{Text: text}
	if replyTo != "" {
		id, err := m.ResolveReference(replyTo)
		if err != nil {
			return nil, fmt.Errorf("resolve reply target: %w", err)
		}
		u.InReplyToStatusID = id
	}
	if withLocation && m.keeper != nil {
		// A rejected location credential degrades to no location; any other
		// refresh or lookup failure aborts the update.
		fix, err := m.keeper.LocationForUpdate(ctx)
		if err != nil {
			return nil, fmt.Errorf("location for update: %w", err)
		}
		if fix != nil {
			u.Latitude, u.Longitude = &fix.Latitude, &fix.Longitude
		}
	}
	it, err := m.rest.UpdateStatus(ctx, u)
	if twitterapi.IsUnauthorized(err) {
		m.revoke(ctx, "update_status")
		return nil, fmt.Errorf("%w: %v", ErrRevoked, err)
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// LocationCredential implements oauth.CredentialStore.
func (m *Manager) LocationCredential() account.LocationCredential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acct.Location
}

// SaveLocationCredential implements oauth.CredentialStore.
func (m *Manager) SaveLocationCredential(ctx context.Context, cred account.LocationCredential) error {
	m.mu.Lock()
	wasEnabled := m.acct.Location.Enabled()
	m.acct.Location = cred
	err := m.saveLocked(ctx, account.FieldLocation)
	msg := notify.New(notify.KindLocationRevoked, m.acct)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if wasEnabled && cred.State == account.LocationOff {
		msg.Text = notify.Render(msg)
		m.deliver(ctx, msg)
	}
	return nil
}

// deliver hands a message to the notifier. Failures are logged only.
func (m *Manager) deliver(ctx context.Context, msg notify.Message) {
	category := string(msg.Category)
	if category == "" {
		category = string(msg.Kind)
	}
	if err := m.opts.Notifier.Notify(ctx, msg); err != nil {
		telemetry.RecordNotification(category, "error")
		m.log.Warn("notification failed", slog.String("kind", string(msg.Kind)), slog.Any("err", err))
		return
	}
	telemetry.RecordNotification(category, "ok")
}
