package account

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProfileRefreshInterval bounds how often the profile is re-imported.
const ProfileRefreshInterval = 24 * time.Hour

// Profile is the subset of the platform's verify-credentials payload the
// service keeps. The payload's id and created_at land in UserID and UserCreatedAt.
type Profile struct {
	ID         int64  `json:"id"`
	ScreenName string `json:"screen_name"`
	CreatedAt  string `json:"created_at"`
}

// ParseProfile decodes a raw profile payload.
func ParseProfile(raw []byte) (Profile, error) {
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if p.ID == 0 {
		return Profile{}, fmt.Errorf("profile payload has no id")
	}
	return p, nil
}

// FromProfile creates an account for chatID from an external profile payload.
func FromProfile(id int64, chatID string, p Profile, cred PrimaryCredential, now time.Time) *Account {
	a := New(id, chatID)
	a.Primary = cred
	a.ApplyProfile(p, now)
	return a
}

// ApplyProfile copies profile fields into the account and returns the patch to persist.
func (a *Account) ApplyProfile(p Profile, now time.Time) Patch {
	a.UserID = p.ID
	a.ScreenName = p.ScreenName
	a.UserCreatedAt = p.CreatedAt
	a.ProfileUpdatedAt = now.UTC()
	return Patch{
		FieldUserID:           a.UserID,
		FieldScreenName:       a.ScreenName,
		FieldUserCreatedAt:    a.UserCreatedAt,
		FieldProfileUpdatedAt: a.ProfileUpdatedAt,
	}
}

// ProfileStale reports whether the profile should be refreshed.
func (a *Account) ProfileStale(now time.Time) bool {
	return a.ProfileUpdatedAt.IsZero() || now.Sub(a.ProfileUpdatedAt) >= ProfileRefreshInterval
}
