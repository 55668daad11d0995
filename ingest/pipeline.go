package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/classify"
	"github.com/onnwee/feedmaid/db"
	"github.com/onnwee/feedmaid/feed"
	"github.com/onnwee/feedmaid/notify"
	"github.com/onnwee/feedmaid/shortref"
	"github.com/onnwee/feedmaid/telemetry"
)

// handleFrame decodes one raw payload and dispatches it by kind.
func (m *Manager) handleFrame(ctx context.Context, channel string, raw []byte) {
	p, err := feed.Decode(raw)
	if err != nil {
		m.log.Debug("ignoring undecodable frame", slog.Any("err", err))
		telemetry.RecordFrame("invalid")
		return
	}
	telemetry.RecordFrame(p.Kind.String())
	switch p.Kind {
	case feed.KindFriends:
		m.updateFriends(ctx, p.Friends)
	case feed.KindItem:
		m.processItem(ctx, channel, p.Item, p.Raw)
	case feed.KindDirectMessage:
		m.processDirectMessage(ctx, channel, p.DirectMessage, p.Raw)
	case feed.KindEvent:
		m.processEvent(ctx, p.Event)
	}
}

func (m *Manager) updateFriends(ctx context.Context, ids []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acct.Relationships.Friends = ids
	if err := m.saveLocked(ctx, account.FieldRelationships); err != nil {
		m.log.Error("failed to persist friends", slog.Any("err", err))
	}
}

// processItem caches the item, assigns its reference, classifies it and
// notifies. The cache is shared by all accounts; whether this account has
// seen the item is decided by its own reference table.
func (m *Manager) processItem(ctx context.Context, channel string, it *feed.Item, raw json.RawMessage) {
	if err := m.cache(ctx, db.KindItem, it.ID, raw); err != nil {
		m.log.Error("failed to store item", slog.Int64("item", it.ID), slog.Any("err", err))
		return
	}
	ref, fresh := m.assign(ctx, m.items, "items", it.ID)
	if !fresh {
		telemetry.RecordItem(channel, "duplicate")
		return
	}
	telemetry.RecordItem(channel, "item")

	m.mu.Lock()
	before := m.acct.LastMentionID
	v := classify.Evaluate(m.acct, m.rules, it)
	if m.acct.LastMentionID != before {
		if err := m.saveLocked(ctx, account.FieldLastMentionID); err != nil {
			m.log.Error("failed to persist mention cursor", slog.Any("err", err))
		}
	}
	msg := notify.New(notify.KindItem, m.acct)
	m.mu.Unlock()

	if !v.Deliver() {
		if v.Filtered || v.Suppressed {
			m.log.Debug("item dropped", slog.Int64("item", it.ID), slog.Bool("filtered", v.Filtered), slog.Bool("suppressed", v.Suppressed))
		}
		return
	}
	msg.Category, msg.Categories, msg.ShortRef, msg.Item = v.Category(), v.Categories, ref, it
	msg.Text = notify.Render(msg)
	m.deliver(ctx, msg)
}

func (m *Manager) processDirectMessage(ctx context.Context, channel string, dm *feed.DirectMessage, raw json.RawMessage) {
	if err := m.cache(ctx, db.KindDM, dm.ID, raw); err != nil {
		m.log.Error("failed to store direct message", slog.Int64("dm", dm.ID), slog.Any("err", err))
		return
	}
	ref, fresh := m.assign(ctx, m.dms, "direct_messages", dm.ID)
	if !fresh {
		telemetry.RecordItem(channel, "duplicate")
		return
	}
	telemetry.RecordItem(channel, "direct_message")

	m.mu.Lock()
	if m.acct.LastDMID == 0 && dm.ID != 0 {
		m.acct.LastDMID = dm.ID
		if err := m.saveLocked(ctx, account.FieldLastDMID); err != nil {
			m.log.Error("failed to persist direct message cursor", slog.Any("err", err))
		}
	}
	ok := classify.DeliverDirectMessage(m.acct, dm)
	msg := notify.New(notify.KindDirectMessage, m.acct)
	m.mu.Unlock()

	if !ok {
		return
	}
	msg.Category, msg.Categories, msg.ShortRef, msg.DirectMessage = account.DM, []account.Category{account.DM}, ref, dm
	msg.Text = notify.Render(msg)
	m.deliver(ctx, msg)
}

// processEvent notifies stream events caused by other users.
func (m *Manager) processEvent(ctx context.Context, ev *feed.Event) {
	m.mu.Lock()
	ok := m.acct.Notifies(account.Event) && ev.Source.ID != m.acct.UserID
	msg := notify.New(notify.KindEvent, m.acct)
	m.mu.Unlock()
	if !ok {
		return
	}
	msg.Category, msg.Categories, msg.Event = account.Event, []account.Category{account.Event}, ev
	msg.Text = notify.Render(msg)
	m.deliver(ctx, msg)
}

// cache stores raw unless another account already did.
func (m *Manager) cache(ctx context.Context, kind string, id int64, raw json.RawMessage) error {
	_, err := m.opts.Store.CreateItem(ctx, m.acct.ID, kind, id, raw)
	return err
}

// assign returns the two-letter reference of id and whether id is new to the
// table. A persistence failure yields an empty reference and counts as new,
// so the item is still delivered. A zero id is never new.
func (m *Manager) assign(ctx context.Context, t *shortref.Table, table string, id int64) (string, bool) {
	slot, fresh, err := t.Assign(ctx, id)
	if errors.Is(err, shortref.ErrInvalidReference) {
		m.log.Warn("dropping payload without id", slog.String("table", table))
		return "", false
	}
	if err != nil {
		m.log.Error("failed to assign reference", slog.String("table", table), slog.Int64("id", id), slog.Any("err", err))
		return "", true
	}
	if fresh {
		telemetry.RecordReference(table)
	}
	return shortref.Encode(slot), fresh
}
