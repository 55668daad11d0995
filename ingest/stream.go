package ingest

import (
	"context"
	"log/slog"
	"slices"
	"time"

	"github.com/onnwee/feedmaid/userstream"
)

type eventKind int

const (
	evConnected eventKind = iota
	evFrame
	evNoData
	evUnauthorized
	evMaxReconnects
)

type event struct {
	kind    eventKind
	gen     uint64
	frame   []byte
	timeout time.Duration
	retries int
}

// streamHandle stops a connection and unblocks its pending handler sends.
type streamHandle struct {
	conn   Streamer
	cancel context.CancelFunc
}

func (h *streamHandle) Stop() {
	h.cancel()
	h.conn.Stop()
}

func (h *streamHandle) Done() <-chan struct{} { return h.conn.Done() }

func (m *Manager) streamOptionsLocked() userstream.Options {
	o := m.opts.Stream
	o.Credentials = m.credentials(m.acct)
	o.Track = slices.Clone(m.acct.Rules.TrackKeywordsStream)
	o.RepliesAll = m.acct.TracksReplies()
	return o
}

// dial opens a new stream generation and registers it. Lifecycle events from
// older generations are ignored by the event loop.
func (m *Manager) dial(ctx context.Context) {
	m.mu.Lock()
	if m.state == Revoked || ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	gen := m.gen
	opts := m.streamOptionsLocked()
	id := m.acct.ID
	m.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	send := func(ev event) {
		ev.gen = gen
		select {
		case m.events <- ev:
		case <-connCtx.Done():
		}
	}
	h := userstream.Handlers{
		OnConnected: func() { send(event{kind: evConnected}) },
		OnItem:      func(frame []byte) { send(event{kind: evFrame, frame: frame}) },
		OnNoData:    func() { send(event{kind: evNoData}) },
		OnUnauthorized: func() {
			send(event{kind: evUnauthorized})
		},
		OnMaxReconnects: func(timeout time.Duration, retries int) {
			send(event{kind: evMaxReconnects, timeout: timeout, retries: retries})
		},
		OnError: func(err error) {
			m.log.Debug("stream error", slog.Any("err", err))
		},
	}
	conn := m.opts.Dial(connCtx, opts, h)
	m.opts.Registry.Replace(id, &streamHandle{conn: conn, cancel: cancel})
	m.log.Debug("stream dialed", slog.Uint64("generation", gen), slog.Int("track", len(opts.Track)), slog.Bool("replies_all", opts.RepliesAll))
}

// redial opens a new stream when the previous one gave up reconnecting.
// Poll rounds call it so a disconnected account recovers without a reload.
func (m *Manager) redial() {
	m.mu.Lock()
	down := m.state == Disconnected
	runCtx := m.runCtx
	m.mu.Unlock()
	if !down || runCtx == nil || runCtx.Err() != nil {
		return
	}
	m.log.Info("stream disconnected, dialing again from poll round")
	m.setState(Connecting)
	m.dial(runCtx)
}

func (m *Manager) currentGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// eventLoop serializes stream callbacks. It never returns an error so a
// failing payload cannot tear down the account.
func (m *Manager) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.handleEvent(ctx, ev)
		}
	}
}

func (m *Manager) handleEvent(ctx context.Context, ev event) {
	if ev.kind == evFrame {
		m.handleFrame(ctx, "stream", ev.frame)
		return
	}
	if ev.gen != m.currentGen() {
		return
	}
	switch ev.kind {
	case evConnected:
		m.setState(Streaming)
		m.log.Info("stream connected")
	case evNoData:
		m.log.Warn("stream stalled, reconnecting")
		m.setState(Reconnecting)
		m.opts.Registry.Stop(m.ID())
		m.dial(ctx)
	case evUnauthorized:
		m.revoke(ctx, "stream")
	case evMaxReconnects:
		m.setState(Disconnected)
		m.log.Error("stream gave up reconnecting, polling until the next round dials again",
			slog.Duration("last_backoff", ev.timeout), slog.Int("retries", ev.retries))
	}
}
