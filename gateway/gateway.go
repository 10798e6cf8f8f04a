// Package gateway talks to the remote profile store. All calls take the
// credential explicitly; nothing here caches authentication state. Mutating
// calls return the replacement profile document, which is the only snapshot
// callers may keep after a mutation.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/profile"
)

// ErrUnauthorized reports that the remote side rejected the credential. It is
// the one error class callers react to structurally: any operation returning
// it means the credential is no longer valid anywhere.
var ErrUnauthorized = errors.New("credential rejected by profile store")

// ErrRefreshNotConfigured reports that no token endpoint was supplied.
var ErrRefreshNotConfigured = errors.New("refresh endpoint not configured")

// RenewedToken is the outcome of a successful refresh. RefreshToken is empty
// unless the endpoint rotated it.
type RenewedToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// Apply folds the renewal into the credential it renews. The old refresh
// token carries over unless the endpoint rotated it.
func (r RenewedToken) Apply(old credential.Credential, now time.Time) (credential.Credential, credential.TokenInfo) {
	refreshToken := old.RefreshToken
	if r.RefreshToken != "" {
		refreshToken = r.RefreshToken
	}
	return credential.NewAccess(r.AccessToken, refreshToken), credential.TokenInfo{IssuedAt: now, Lifetime: r.ExpiresIn}
}

// Gateway is the remote profile store contract.
type Gateway interface {
	// Exchange validates the credential with the remote side and returns the
	// account's profile document.
	Exchange(ctx context.Context, cred credential.Credential) (*profile.Snapshot, error)

	// Refresh trades a refresh token for a renewed access token.
	Refresh(ctx context.Context, refreshToken string) (RenewedToken, error)

	// UpdateSlot writes one measurement slot, optionally repointing the
	// default slot, and returns the resulting document.
	UpdateSlot(ctx context.Context, cred credential.Credential, slotKey string, m profile.Measurement, defaultSlot *string) (*profile.Snapshot, error)

	// DeleteSlot removes one measurement slot and returns the resulting
	// document.
	DeleteSlot(ctx context.Context, cred credential.Credential, slotKey string) (*profile.Snapshot, error)
}
