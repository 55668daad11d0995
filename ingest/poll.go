package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/telemetry"
	"github.com/onnwee/feedmaid/twitterapi"
)

// pollLoop runs one pull round immediately and then every poll interval. A
// round is launched as a background task of g; a tick that finds the previous
// round still running is skipped.
func (m *Manager) pollLoop(ctx context.Context, g *errgroup.Group) error {
	t := time.NewTicker(m.opts.PollInterval)
	defer t.Stop()
	for {
		if m.Polling() == PollingStopped {
			return nil
		}
		if m.pollBusy.CompareAndSwap(false, true) {
			g.Go(func() error {
				defer m.pollBusy.Store(false)
				m.pollOnce(ctx)
				return nil
			})
		} else {
			m.log.Debug("previous poll still running, skipping tick")
			telemetry.RecordPoll("round", "skipped")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

type pollPlan struct {
	mentions      bool
	directMsgs    bool
	mentionCursor int64
	dmCursor      int64
	profile       bool
}

func (m *Manager) plan() pollPlan {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := pollPlan{
		mentionCursor: m.acct.LastMentionID,
		dmCursor:      m.acct.LastDMID,
		profile:       m.acct.ProfileStale(m.opts.Now()),
	}
	p.mentions = m.acct.Notifies(account.Mention) && p.mentionCursor != 0
	p.directMsgs = m.acct.Notifies(account.DM) && p.dmCursor != 0
	return p
}

// pollOnce re-dials a disconnected stream, then runs the profile refresh and
// the three independent pulls. Only an unauthorized response aborts the round.
func (m *Manager) pollOnce(ctx context.Context) {
	ctx, span := telemetry.StartSpan(ctx, "ingest.poll", m.acct.ID)
	var roundErr error
	defer func() { telemetry.EndSpan(span, roundErr) }()

	start := time.Now()
	defer func() {
		if telemetry.PollDuration != nil {
			telemetry.PollDuration.Observe(time.Since(start).Seconds())
		}
		m.mu.Lock()
		m.lastPoll = m.opts.Now()
		m.mu.Unlock()
	}()

	m.redial()
	p := m.plan()
	if p.profile {
		if m.pull(ctx, "profile", m.refreshProfile) != nil {
			roundErr = errStopRound
			return
		}
	}
	if p.mentions {
		if m.pull(ctx, "mentions", func(ctx context.Context) error { return m.pullMentions(ctx, p.mentionCursor) }) != nil {
			roundErr = errStopRound
			return
		}
	}
	if p.directMsgs {
		if m.pull(ctx, "direct_messages", func(ctx context.Context) error { return m.pullDirectMessages(ctx, p.dmCursor) }) != nil {
			roundErr = errStopRound
			return
		}
	}
	if m.pull(ctx, "relationships", m.pullRelationships) != nil {
		roundErr = errStopRound
	}
}

var errStopRound = errors.New("poll round stopped")

// pull runs fn, logs its failure and paces after a success. It returns
// errStopRound when the round must stop.
func (m *Manager) pull(ctx context.Context, name string, fn func(context.Context) error) error {
	if ctx.Err() != nil || m.Polling() == PollingStopped {
		return errStopRound
	}
	err := fn(ctx)
	switch {
	case err == nil:
		telemetry.RecordPoll(name, "ok")
		select {
		case <-ctx.Done():
		case <-time.After(m.opts.PollPacing):
		}
		return nil
	case twitterapi.IsUnauthorized(err):
		telemetry.RecordPoll(name, "unauthorized")
		m.revoke(ctx, "poll_"+name)
		return errStopRound
	case ctx.Err() != nil:
		return errStopRound
	default:
		telemetry.RecordPoll(name, "error")
		attrs := []any{slog.String("pull", name), slog.Any("err", err)}
		var apiErr *twitterapi.Error
		if errors.As(err, &apiErr) {
			attrs = append(attrs, slog.String("method", apiErr.Method), slog.String("target", apiErr.URL), slog.Int("status", apiErr.StatusCode))
		}
		m.log.Warn("poll request failed", attrs...)
		return nil
	}
}

func (m *Manager) pullMentions(ctx context.Context, since int64) error {
	items, err := m.rest.MentionsSince(ctx, since, twitterapi.PageSize)
	if err != nil {
		return err
	}
	maxID := since
	// The API returns newest first; process in arrival order.
	for i := len(items) - 1; i >= 0; i-- {
		it := &items[i]
		raw, err := json.Marshal(it)
		if err != nil {
			m.log.Warn("failed to encode mention", slog.Int64("item", it.ID), slog.Any("err", err))
			continue
		}
		m.processItem(ctx, "poll", it, raw)
		maxID = max(maxID, it.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxID > m.acct.LastMentionID {
		m.acct.LastMentionID = maxID
		return m.saveLocked(ctx, account.FieldLastMentionID)
	}
	return nil
}

func (m *Manager) pullDirectMessages(ctx context.Context, since int64) error {
	dms, err := m.rest.DirectMessagesSince(ctx, since, twitterapi.PageSize)
	if err != nil {
		return err
	}
	maxID := since
	for i := len(dms) - 1; i >= 0; i-- {
		dm := &dms[i]
		raw, err := json.Marshal(dm)
		if err != nil {
			m.log.Warn("failed to encode direct message", slog.Int64("dm", dm.ID), slog.Any("err", err))
			continue
		}
		m.processDirectMessage(ctx, "poll", dm, raw)
		maxID = max(maxID, dm.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxID > m.acct.LastDMID {
		m.acct.LastDMID = maxID
		return m.saveLocked(ctx, account.FieldLastDMID)
	}
	return nil
}

func (m *Manager) pullRelationships(ctx context.Context) error {
	blocked, err := m.rest.BlockedIDs(ctx)
	if err != nil {
		return err
	}
	noRetweets, err := m.rest.NoRetweetIDs(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acct.Relationships.Blocked = blocked
	m.acct.Relationships.NoRetweets = noRetweets
	return m.saveLocked(ctx, account.FieldRelationships)
}

func (m *Manager) refreshProfile(ctx context.Context) error {
	p, _, err := m.rest.VerifyCredentials(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	patch := m.acct.ApplyProfile(p, m.opts.Now())
	return m.opts.Store.SaveAccount(context.WithoutCancel(ctx), m.acct.ID, patch)
}
