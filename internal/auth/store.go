// Package auth persists X.com session cookies between runs.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/rs/zerolog"
)

// SessionStore persists named cookie sets. Load returns nil cookies and a nil
// error when the set is absent or unparsable; that is the normal cold start.
type SessionStore interface {
	Load(ctx context.Context, name string) ([]*network.Cookie, error)
	Save(ctx context.Context, name string, cookies []*network.Cookie) error
	Clear(ctx context.Context, name string) error
}

// StoredCookies represents the persisted cookie data
type StoredCookies struct {
	Cookies    []*network.Cookie `json:"cookies"`
	CapturedAt time.Time         `json:"captured_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// authCookieNames are the cookies X requires for an authenticated session.
var authCookieNames = map[string]bool{
	"auth_token": true,
	"ct0":        true,
}

func newStoredCookies(cookies []*network.Cookie, now time.Time) StoredCookies {
	// Find the earliest expiration among auth-related cookies
	var earliestExpiry time.Time
	for _, c := range cookies {
		if !authCookieNames[c.Name] || c.Expires <= 0 {
			continue
		}
		exp := time.Unix(int64(c.Expires), 0)
		if earliestExpiry.IsZero() || exp.Before(earliestExpiry) {
			earliestExpiry = exp
		}
	}

	return StoredCookies{
		Cookies:    cookies,
		CapturedAt: now,
		ExpiresAt:  earliestExpiry,
	}
}

var errSessionExpired = errors.New("stored session expired")

// decodeStoredCookies returns the cookies of a usable set. An error says why
// the set cannot be used; callers treat it as a cold start.
func decodeStoredCookies(data []byte, now time.Time) ([]*network.Cookie, error) {
	var stored StoredCookies
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("undecodable cookie set: %w", err)
	}
	if !stored.ExpiresAt.IsZero() && now.After(stored.ExpiresAt) {
		return nil, fmt.Errorf("%w at %s", errSessionExpired, stored.ExpiresAt.Format(time.RFC3339))
	}
	if len(stored.Cookies) == 0 {
		return nil, nil
	}
	return stored.Cookies, nil
}

// coldStart logs why a stored set was discarded.
func coldStart(logger zerolog.Logger, name string, err error) []*network.Cookie {
	switch {
	case errors.Is(err, errSessionExpired):
		logger.Info().Err(err).Str("session", name).Msg("stored session expired, starting cold")
	case err != nil:
		logger.Warn().Err(err).Str("session", name).Msg("stored session unusable, starting cold")
	}
	return nil
}

// HasAuthCookies checks for the cookies X requires for a logged-in session.
func HasAuthCookies(cookies []*network.Cookie) bool {
	found := make(map[string]bool, len(authCookieNames))
	for _, c := range cookies {
		if authCookieNames[c.Name] && c.Value != "" {
			found[c.Name] = true
		}
	}
	return len(found) == len(authCookieNames)
}

// XCookies returns only the x.com related cookies for use in requests
func XCookies(cookies []*network.Cookie) []*network.Cookie {
	var xCookies []*network.Cookie
	for _, c := range cookies {
		if c.Domain == ".x.com" || c.Domain == "x.com" {
			xCookies = append(xCookies, c)
		}
	}
	return xCookies
}
