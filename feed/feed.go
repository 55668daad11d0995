// Package feed holds the value types delivered by the social platform (posts,
// direct messages, users, stream events) and decodes raw stream frames.
package feed

import (
	"time"
)

// platformTime is the timestamp layout used by the v1.1 API, e.g. "Mon Jan 02 15:04:05 -0700 2006".
const platformTime = time.RubyDate

// User is the subset of a platform user the service relies on.
type User struct {
	ID         int64  `json:"id"`
	ScreenName string `json:"screen_name"`
	Name       string `json:"name,omitempty"`
	CreatedAt  string `json:"created_at,omitempty"`
}

// UserMention is a mention entity.
type UserMention struct {
	ID         int64  `json:"id"`
	ScreenName string `json:"screen_name,omitempty"`
}

// URL is a link entity.
type URL struct {
	URL         string `json:"url"`
	ExpandedURL string `json:"expanded_url,omitempty"`
}

// Entities are the annotations attached to an item's text.
type Entities struct {
	UserMentions []UserMention `json:"user_mentions,omitempty"`
	URLs         []URL         `json:"urls,omitempty"`
}

// Item is a feed post.
type Item struct {
	ID                int64    `json:"id"`
	Text              string   `json:"text"`
	FullText          string   `json:"full_text,omitempty"`
	Source            string   `json:"source,omitempty"`
	InReplyToUserID   *int64   `json:"in_reply_to_user_id,omitempty"`
	InReplyToStatusID *int64   `json:"in_reply_to_status_id,omitempty"`
	User              User     `json:"user"`
	RetweetedStatus   *Item    `json:"retweeted_status,omitempty"`
	Entities          Entities `json:"entities"`
	CreatedAt         string   `json:"created_at,omitempty"`
}

// Body returns the full text when present, else the legacy truncated text.
func (it *Item) Body() string {
	if it.FullText != "" {
		return it.FullText
	}
	return it.Text
}

// IsReply reports whether the item replies to another user.
func (it *Item) IsReply() bool { return it.InReplyToUserID != nil && *it.InReplyToUserID != 0 }

// MentionedIDs lists the user ids mentioned in the item.
func (it *Item) MentionedIDs() []int64 {
	out := make([]int64, 0, len(it.Entities.UserMentions))
	for _, m := range it.Entities.UserMentions {
		out = append(out, m.ID)
	}
	return out
}

// Time parses CreatedAt; the zero time is returned when absent or malformed.
func (it *Item) Time() time.Time { return parseTime(it.CreatedAt) }

// DirectMessage is a private message between two users.
type DirectMessage struct {
	ID          int64    `json:"id"`
	Text        string   `json:"text"`
	Sender      User     `json:"sender"`
	SenderID    int64    `json:"sender_id"`
	RecipientID int64    `json:"recipient_id"`
	Entities    Entities `json:"entities"`
	CreatedAt   string   `json:"created_at,omitempty"`
}

// From returns the sender id, preferring the embedded user object.
func (dm *DirectMessage) From() int64 {
	if dm.Sender.ID != 0 {
		return dm.Sender.ID
	}
	return dm.SenderID
}

// Time parses CreatedAt.
func (dm *DirectMessage) Time() time.Time { return parseTime(dm.CreatedAt) }

// Event is a user stream activity notification such as follow or favorite.
type Event struct {
	Name      string `json:"event"`
	Source    User   `json:"source"`
	Target    User   `json:"target"`
	CreatedAt string `json:"created_at,omitempty"`
	// TargetObject is left undecoded; its shape depends on the event.
	TargetObject map[string]any `json:"target_object,omitempty"`
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(platformTime, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
