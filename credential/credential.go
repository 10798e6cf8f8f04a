// Package credential models the authentication material held for a signed-in
// account: the bearer credential itself, its variant discriminant, and the
// issuance metadata needed to anticipate expiry.
package credential

import "time"

// Kind discriminates the credential variants. The variant is decided once,
// when a credential enters the system, and travels with the value from then
// on; nothing downstream re-inspects token contents to guess it.
type Kind int

const (
	// KindNone marks the zero Credential.
	KindNone Kind = iota

	// KindIdentity is a self-contained signed identity token. It cannot be
	// renewed without going back to the identity provider.
	KindIdentity

	// KindAccess is an access token paired with a refresh token, renewable
	// against the provider's token endpoint.
	KindAccess
)

func (k Kind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindAccess:
		return "access"
	default:
		return "none"
	}
}

// KindFromString maps a stored discriminant back to its Kind.
func KindFromString(s string) (Kind, bool) {
	switch s {
	case "identity":
		return KindIdentity, true
	case "access":
		return KindAccess, true
	default:
		return KindNone, false
	}
}

// Credential is the bearer presented to remote services. Token always holds
// the value sent on the wire; RefreshToken is set only for the access variant.
type Credential struct {
	Kind         Kind
	Token        string
	RefreshToken string
}

// NewIdentity wraps a raw identity token.
func NewIdentity(token string) Credential {
	return Credential{Kind: KindIdentity, Token: token}
}

// NewAccess wraps an access/refresh token pair.
func NewAccess(accessToken, refreshToken string) Credential {
	return Credential{Kind: KindAccess, Token: accessToken, RefreshToken: refreshToken}
}

// IsZero reports whether no credential is held.
func (c Credential) IsZero() bool {
	return c.Kind == KindNone && c.Token == ""
}

// Refreshable reports whether the credential can be renewed without user
// interaction.
func (c Credential) Refreshable() bool {
	return c.Kind == KindAccess && c.RefreshToken != ""
}

// TokenInfo records when the current credential was issued and for how long
// the issuer declared it valid.
type TokenInfo struct {
	IssuedAt time.Time
	Lifetime time.Duration
}

// IsZero reports whether no issuance metadata is held.
func (i TokenInfo) IsZero() bool {
	return i.IssuedAt.IsZero() && i.Lifetime == 0
}

// ExpiresAt returns the declared end of the credential's validity.
func (i TokenInfo) ExpiresAt() time.Time {
	return i.IssuedAt.Add(i.Lifetime)
}

// RemainingValidity returns how much of the declared lifetime is left at now.
// An expired credential reports a non-positive remainder.
func (i TokenInfo) RemainingValidity(now time.Time) time.Duration {
	return i.ExpiresAt().Sub(now)
}

// ExpiresWithin reports whether margin or less of the lifetime remains at now.
func (i TokenInfo) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return i.RemainingValidity(now) <= margin
}
