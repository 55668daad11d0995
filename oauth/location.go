package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/feedmaid/account"
	"github.com/onnwee/feedmaid/telemetry"
)

// ErrUnauthorized means the location credential was rejected and has been cleared.
var ErrUnauthorized = errors.New("location credential unauthorized")

// MaxFixAge is the oldest location fix attached to a status update.
const MaxFixAge = time.Hour

// CredentialStore gives the keeper access to one account's location credential.
// Implementations persist SaveLocationCredential before returning.
type CredentialStore interface {
	LocationCredential() account.LocationCredential
	SaveLocationCredential(ctx context.Context, cred account.LocationCredential) error
}

// Config holds the token endpoint and location API settings.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	LocationURL  string
	APIKey       string
	// HTTPClient is used for both the token endpoint and location lookups.
	HTTPClient *http.Client
}

// Keeper refreshes, invalidates and uses one account's location credential.
type Keeper struct {
	accountID int64
	cfg       Config
	oauth     *oauth2.Config
	store     CredentialStore
	now       func() time.Time

	mu sync.Mutex // serializes refreshes
}

// NewKeeper returns a keeper for the given account.
func NewKeeper(accountID int64, cfg Config, store CredentialStore) *Keeper {
	return &Keeper{
		accountID: accountID,
		cfg:       cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store: store,
		now:   time.Now,
	}
}

// SetClock overrides the time source.
func (k *Keeper) SetClock(now func() time.Time) { k.now = now }

// NeedsRefresh reports whether now >= createdAt + expiresIn - 300s.
// Credentials without a refresh token never need a refresh.
func NeedsRefresh(c account.LocationCredential, now time.Time) bool {
	if c.RefreshToken == "" {
		return false
	}
	expiresAt := c.CreatedAt.Add(time.Duration(c.ExpiresIn)*time.Second - RefreshWindow)
	return !now.Before(expiresAt)
}

// EnsureFresh refreshes the credential when it is due and returns the current one.
// Refresh errors are returned as is; nothing is retried here.
func (k *Keeper) EnsureFresh(ctx context.Context) (account.LocationCredential, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	cred := k.store.LocationCredential()
	if !NeedsRefresh(cred, k.now()) {
		return cred, nil
	}
	return k.refreshLocked(ctx, cred)
}

func (k *Keeper) refreshLocked(ctx context.Context, cred account.LocationCredential) (_ account.LocationCredential, err error) {
	ctx, span := telemetry.StartSpan(ctx, "oauth.refresh", k.accountID)
	defer func() { telemetry.EndSpan(span, err) }()

	if k.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, k.cfg.HTTPClient)
	}
	tok, err := k.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken}).Token()
	if err != nil {
		if isUnauthorizedGrant(err) {
			telemetry.RecordRefresh("unauthorized")
			if ierr := k.invalidateLocked(ctx); ierr != nil {
				return cred, fmt.Errorf("%w (clear failed: %v)", ErrUnauthorized, ierr)
			}
			return account.LocationCredential{State: account.LocationOff}, ErrUnauthorized
		}
		telemetry.RecordRefresh("error")
		return cred, fmt.Errorf("refresh location credential: %w", err)
	}
	now := k.now()
	cred.AccessToken = tok.AccessToken
	cred.CreatedAt = now.UTC()
	cred.ExpiresIn = expiresIn(tok, now)
	if tok.RefreshToken != "" {
		cred.RefreshToken = tok.RefreshToken
	}
	if err := k.store.SaveLocationCredential(ctx, cred); err != nil {
		telemetry.RecordRefresh("error")
		return cred, fmt.Errorf("persist location credential: %w", err)
	}
	telemetry.RecordRefresh("ok")
	slog.Info("location credential refreshed", slog.String("component", "oauth"), slog.Int64("account", k.accountID))
	return cred, nil
}

func isUnauthorizedGrant(err error) bool {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return false
	}
	if re.ErrorCode == "invalid_grant" {
		return true
	}
	return re.Response != nil && re.Response.StatusCode == http.StatusUnauthorized
}

// expiresIn reads the wire expires_in, falling back to the computed expiry.
func expiresIn(tok *oauth2.Token, now time.Time) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		return int64(v)
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if tok.ExpiresIn > 0 {
		return tok.ExpiresIn
	}
	if !tok.Expiry.IsZero() {
		return int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return 3600
}

// Invalidate clears the location credential and switches the feature off.
// The primary credential is not touched.
func (k *Keeper) Invalidate(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.invalidateLocked(ctx)
}

func (k *Keeper) invalidateLocked(ctx context.Context) error {
	telemetry.RecordRevocation("location")
	slog.Warn("location credential rejected, disabling location", slog.String("component", "oauth"), slog.Int64("account", k.accountID))
	return k.store.SaveLocationCredential(ctx, account.LocationCredential{State: account.LocationOff})
}

// Fix is a location reading.
type Fix struct {
	Latitude  float64
	Longitude float64
	Time      time.Time
}

// Fresh reports whether the fix is recent enough to attach to an update.
func (f *Fix) Fresh(now time.Time) bool { return now.Sub(f.Time) < MaxFixAge }

type locationResponse struct {
	Data struct {
		TimestampMs json.Number `json:"timestampMs"`
		Latitude    float64     `json:"latitude"`
		Longitude   float64     `json:"longitude"`
	} `json:"data"`
}

// CurrentLocation refreshes the credential if due and fetches the latest fix.
// A 401 clears the credential and returns ErrUnauthorized.
func (k *Keeper) CurrentLocation(ctx context.Context) (*Fix, error) {
	cred, err := k.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}
	if cred.AccessToken == "" {
		return nil, ErrUnauthorized
	}
	u, err := url.Parse(k.cfg.LocationURL)
	if err != nil {
		return nil, fmt.Errorf("parse location url: %w", err)
	}
	q := u.Query()
	q.Set("granularity", "best")
	if k.cfg.APIKey != "" {
		q.Set("key", k.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	if k.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, k.cfg.HTTPClient)
	}
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cred.AccessToken, TokenType: "Bearer"}))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("location request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		if err := k.Invalidate(ctx); err != nil {
			return nil, fmt.Errorf("%w (clear failed: %v)", ErrUnauthorized, err)
		}
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("location request failed: %s: %s", resp.Status, string(b))
	}
	var lr locationResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decode location: %w", err)
	}
	ms, err := lr.Data.TimestampMs.Int64()
	if err != nil {
		return nil, fmt.Errorf("location timestamp: %w", err)
	}
	return &Fix{Latitude: lr.Data.Latitude, Longitude: lr.Data.Longitude, Time: time.UnixMilli(ms).UTC()}, nil
}

// LocationForUpdate returns the fix to attach to a status update, or nil when
// the feature is off, the credential was just rejected, or the fix is stale.
func (k *Keeper) LocationForUpdate(ctx context.Context) (*Fix, error) {
	if !k.store.LocationCredential().Enabled() {
		return nil, nil
	}
	fix, err := k.CurrentLocation(ctx)
	if errors.Is(err, ErrUnauthorized) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !fix.Fresh(k.now()) {
		return nil, nil
	}
	return fix, nil
}
