// Package account defines the persisted per-account document: credentials,
// reference-table state, cursors, the relationship snapshot and rule sets.
package account

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/onnwee/feedmaid/shortref"
)

// Category is a notification category an account can enable.
type Category string

const (
	Home    Category = "home"
	Mention Category = "mention"
	DM      Category = "dm"
	Event   Category = "event"
	Track   Category = "track"
)

// DefaultNotifications is the enabled set for a freshly created account.
var DefaultNotifications = []Category{Mention, DM, Event}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Home, Mention, DM, Event, Track:
		return c, nil
	}
	return "", fmt.Errorf("unknown notification category %q", s)
}

// LocationState is the tri-state switch of the location feature.
type LocationState int

const (
	LocationUnset LocationState = -1
	LocationOff   LocationState = 0
	LocationOn    LocationState = 1
)

// PrimaryCredential signs every stream and REST call. It has no local expiry.
type PrimaryCredential struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
	Sealed bool   `json:"sealed,omitempty"`
}

// Valid reports whether both halves are present.
func (c PrimaryCredential) Valid() bool { return c.Token != "" && c.Secret != "" }

// LocationCredential is the refreshable credential of the location feature.
type LocationCredential struct {
	AccessToken  string        `json:"access_token,omitempty"`
	RefreshToken string        `json:"refresh_token,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	ExpiresIn    int64         `json:"expires_in,omitempty"` // seconds
	State        LocationState `json:"state"`
	Sealed       bool          `json:"sealed,omitempty"`
}

// Enabled reports whether location should be attached to status updates.
func (c LocationCredential) Enabled() bool {
	return c.State == LocationOn && c.RefreshToken != ""
}

// Relationships is the last known relationship snapshot.
type Relationships struct {
	Friends    []int64 `json:"friends,omitempty"`
	Blocked    []int64 `json:"blocked,omitempty"`
	NoRetweets []int64 `json:"no_retweets,omitempty"`
}

// Rules are the user-configured classification inputs.
type Rules struct {
	// TrackKeywords are matched locally only.
	TrackKeywords []string `json:"track_keywords,omitempty"`
	// TrackKeywordsStream are also sent to the stream as the track parameter.
	TrackKeywordsStream []string   `json:"track_keywords_stream,omitempty"`
	TrackUsers          []string   `json:"track_users,omitempty"`
	Filters             []string   `json:"filters,omitempty"`
	Notifications       []Category `json:"notifications"`
}

// Document field names, used as Patch keys.
const (
	FieldPrimary          = "primary"
	FieldLocation         = "location"
	FieldItems            = "items"
	FieldDirectMessages   = "direct_messages"
	FieldLastMentionID    = "last_mention_id"
	FieldLastDMID         = "last_dm_id"
	FieldRelationships    = "relationships"
	FieldRules            = "rules"
	FieldScreenName       = "screen_name"
	FieldUserID           = "user_id"
	FieldUserCreatedAt    = "user_created_at"
	FieldProfileUpdatedAt = "profile_updated_at"
	FieldUpdatedAt        = "updated_at"
)

// Account is the per-account document.
type Account struct {
	ID               int64              `json:"id"`
	ChatID           string             `json:"chat_id"`
	ScreenName       string             `json:"screen_name"`
	UserID           int64              `json:"user_id"`
	UserCreatedAt    string             `json:"user_created_at,omitempty"`
	Primary          PrimaryCredential  `json:"primary"`
	Location         LocationCredential `json:"location"`
	Items            shortref.State     `json:"items"`
	DirectMessages   shortref.State     `json:"direct_messages"`
	LastMentionID    int64              `json:"last_mention_id"`
	LastDMID         int64              `json:"last_dm_id"`
	Relationships    Relationships      `json:"relationships"`
	Rules            Rules              `json:"rules"`
	ProfileUpdatedAt time.Time          `json:"profile_updated_at,omitempty"`
	UpdatedAt        time.Time          `json:"updated_at,omitempty"`
}

// New returns an account with the documented defaults.
func New(id int64, chatID string) *Account {
	return &Account{
		ID:             id,
		ChatID:         chatID,
		Location:       LocationCredential{State: LocationUnset},
		Items:          shortref.NewState(),
		DirectMessages: shortref.NewState(),
		Rules:          Rules{Notifications: slices.Clone(DefaultNotifications)},
	}
}

// Authorized reports whether the primary credential is present.
func (a *Account) Authorized() bool { return a.Primary.Valid() }

// Notifies reports whether category c is enabled.
func (a *Account) Notifies(c Category) bool { return slices.Contains(a.Rules.Notifications, c) }

// IsFriend reports whether id is in the friend set.
func (a *Account) IsFriend(id int64) bool { return slices.Contains(a.Relationships.Friends, id) }

// IsBlocked reports whether id is blocked.
func (a *Account) IsBlocked(id int64) bool { return slices.Contains(a.Relationships.Blocked, id) }

// SuppressesRetweets reports whether retweets by id are muted.
func (a *Account) SuppressesRetweets(id int64) bool {
	return slices.Contains(a.Relationships.NoRetweets, id)
}

// TracksReplies reports whether the stream should be opened with replies=all.
func (a *Account) TracksReplies() bool { return len(a.Rules.TrackUsers) > 0 && a.Notifies(Track) }

// ClearPrimary drops the primary credential.
func (a *Account) ClearPrimary() { a.Primary = PrimaryCredential{} }

// ClearLocation drops the secondary credential and switches the feature off.
func (a *Account) ClearLocation() { a.Location = LocationCredential{State: LocationOff} }

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	c := *a
	c.Items.Slots = slices.Clone(a.Items.Slots)
	c.DirectMessages.Slots = slices.Clone(a.DirectMessages.Slots)
	c.Relationships = Relationships{
		Friends:    slices.Clone(a.Relationships.Friends),
		Blocked:    slices.Clone(a.Relationships.Blocked),
		NoRetweets: slices.Clone(a.Relationships.NoRetweets),
	}
	c.Rules = Rules{
		TrackKeywords:       slices.Clone(a.Rules.TrackKeywords),
		TrackKeywordsStream: slices.Clone(a.Rules.TrackKeywordsStream),
		TrackUsers:          slices.Clone(a.Rules.TrackUsers),
		Filters:             slices.Clone(a.Rules.Filters),
		Notifications:       slices.Clone(a.Rules.Notifications),
	}
	return &c
}

// Patch is a set of top-level document fields to replace atomically.
type Patch map[string]any

// Fields builds a patch carrying the current values of the named fields.
// Fields absent from the encoded document are sent as null.
func (a *Account) Fields(names ...string) (Patch, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode account: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	p := make(Patch, len(names))
	for _, n := range names {
		if v, ok := doc[n]; ok {
			p[n] = v
		} else {
			p[n] = nil
		}
	}
	return p, nil
}

// Keys lists the fields a patch touches in sorted order.
func (p Patch) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
