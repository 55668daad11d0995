// Package classify decides how an incoming feed item relates to an account:
// whether it belongs in the home feed, mentions the owner, matches a tracking
// rule, or is filtered out.
package classify

import (
	"strings"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/feed"
)

// IsHomeFeedVisible applies the platform's home timeline semantics: own items
// are always visible, items from non-friends never are, and replies from
// friends only when addressed to another friend.
func IsHomeFeedVisible(a *account.Account, it *feed.Item) bool {
	if it.User.ID == a.UserID {
		return true
	}
	if !a.IsFriend(it.User.ID) {
		return false
	}
	if it.IsReply() {
		return a.IsFriend(*it.InReplyToUserID)
	}
	return true
}

// IsMention reports whether the owner is mentioned. When the account has no
// mention cursor yet it is initialised to this item's id; later calls never
// move it.
func IsMention(a *account.Account, it *feed.Item) bool {
	mentioned := false
	for _, id := range it.MentionedIDs() {
		if id == a.UserID {
			mentioned = true
			break
		}
	}
	if mentioned && a.LastMentionID == 0 {
		a.LastMentionID = it.ID
	}
	return mentioned
}

// IsTracked reports whether the author is a tracked screen name or the text
// contains any tracked keyword from either keyword list.
func IsTracked(a *account.Account, it *feed.Item) bool {
	name := strings.ToLower(it.User.ScreenName)
	for _, u := range a.Rules.TrackUsers {
		if strings.ToLower(u) == name {
			return true
		}
	}
	text := strings.ToLower(it.Body())
	for _, list := range [][]string{a.Rules.TrackKeywords, a.Rules.TrackKeywordsStream} {
		for _, kw := range list {
			if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// Verdict is the combined classification of one item.
type Verdict struct {
	Home     bool
	Mention  bool
	Tracked  bool
	Filtered bool
	// Suppressed is set for blocked authors and muted retweets.
	Suppressed bool
	// Categories are the enabled categories the item qualifies for, most
	// specific first. Empty means the item is not delivered.
	Categories []account.Category
}

// Deliver reports whether the item should reach the notifier.
func (v Verdict) Deliver() bool { return len(v.Categories) > 0 }

// Category returns the primary category, or "" when nothing qualifies.
func (v Verdict) Category() account.Category {
	if len(v.Categories) == 0 {
		return ""
	}
	return v.Categories[0]
}

// Evaluate runs every predicate. It may initialise the account's mention cursor.
func Evaluate(a *account.Account, rules []Rule, it *feed.Item) Verdict {
	v := Verdict{
		Mention:  IsMention(a, it),
		Home:     IsHomeFeedVisible(a, it),
		Tracked:  IsTracked(a, it),
		Filtered: IsFiltered(rules, it),
	}
	author := it.User.ID
	if author != a.UserID {
		v.Suppressed = a.IsBlocked(author) || (it.RetweetedStatus != nil && a.SuppressesRetweets(author))
	}
	if v.Filtered || v.Suppressed {
		return v
	}
	if v.Mention && a.Notifies(account.Mention) {
		v.Categories = append(v.Categories, account.Mention)
	}
	if v.Tracked && a.Notifies(account.Track) {
		v.Categories = append(v.Categories, account.Track)
	}
	if v.Home && a.Notifies(account.Home) {
		v.Categories = append(v.Categories, account.Home)
	}
	return v
}

// DeliverDirectMessage reports whether a direct message should be delivered.
// Messages sent by the owner and messages from blocked users are dropped.
func DeliverDirectMessage(a *account.Account, dm *feed.DirectMessage) bool {
	if !a.Notifies(account.DM) {
		return false
	}
	from := dm.From()
	return from != a.UserID && !a.IsBlocked(from)
}
