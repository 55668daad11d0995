// Package notify delivers accepted items to the account's chat. The ingestion
// pipeline only depends on the Notifier interface; delivery is fire-and-forget.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/feed"
)

// Kind names what a message carries.
type Kind string

const (
	KindItem            Kind = "item"
	KindDirectMessage   Kind = "direct_message"
	KindEvent           Kind = "event"
	KindRevoked         Kind = "revoked"
	KindLocationRevoked Kind = "location_revoked"
)

// Message is one notification addressed to an account's chat.
type Message struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	AccountID int64            `json:"account_id"`
	ChatID    string           `json:"chat_id"`
	Category  account.Category `json:"category,omitempty"`
	// Categories lists every enabled category the item matched, most specific first.
	Categories    []account.Category  `json:"categories,omitempty"`
	ShortRef      string              `json:"short_ref,omitempty"`
	Item          *feed.Item          `json:"item,omitempty"`
	DirectMessage *feed.DirectMessage `json:"direct_message,omitempty"`
	Event         *feed.Event         `json:"event,omitempty"`
	Text          string              `json:"text"`
	CreatedAt     time.Time           `json:"created_at"`
}

// New returns a message with a fresh id and timestamp.
func New(kind Kind, a *account.Account) Message {
	return Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		AccountID: a.ID,
		ChatID:    a.ChatID,
		CreatedAt: time.Now().UTC(),
	}
}

// Notifier delivers messages.
type Notifier interface {
	Notify(ctx context.Context, m Message) error
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, m Message) error

// Notify calls f.
func (f Func) Notify(ctx context.Context, m Message) error { return f(ctx, m) }

// Multi fans a message out to several notifiers and joins their errors.
type Multi []Notifier

// Notify delivers m to every notifier even if some fail.
func (n Multi) Notify(ctx context.Context, m Message) error {
	var errs []error
	for _, t := range n {
		if t == nil {
			continue
		}
		if err := t.Notify(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes messages to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs m at info level.
func (l LogNotifier) Notify(ctx context.Context, m Message) error {
	lg := l.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.InfoContext(ctx, "notification",
		slog.String("component", "notify"),
		slog.String("id", m.ID),
		slog.String("kind", string(m.Kind)),
		slog.Int64("account_id", m.AccountID),
		slog.String("chat_id", m.ChatID),
		slog.String("category", string(m.Category)),
		slog.String("ref", m.ShortRef),
		slog.String("text", m.Text))
	return nil
}

// Render formats the chat text of a message.
func Render(m Message) string {
	var b strings.Builder
	if m.ShortRef != "" {
		fmt.Fprintf(&b, "[%s] ", m.ShortRef)
	}
	switch m.Kind {
	case KindItem:
		if it := m.Item; it != nil {
			if rt := it.RetweetedStatus; rt != nil {
				fmt.Fprintf(&b, "%s RT @%s: %s", it.User.ScreenName, rt.User.ScreenName, rt.Body())
			} else {
				fmt.Fprintf(&b, "%s: %s", it.User.ScreenName, it.Body())
			}
		}
	case KindDirectMessage:
		if dm := m.DirectMessage; dm != nil {
			fmt.Fprintf(&b, "DM from %s: %s", dm.Sender.ScreenName, dm.Text)
		}
	case KindEvent:
		if ev := m.Event; ev != nil {
			fmt.Fprintf(&b, "%s %s %s", ev.Source.ScreenName, ev.Name, ev.Target.ScreenName)
		}
	case KindRevoked:
		b.WriteString("Access was revoked. Authorize the account again to resume notifications.")
	case KindLocationRevoked:
		b.WriteString("Location access was revoked; status updates no longer carry a location.")
	}
	return b.String()
}
