// Package identity obtains credentials from the identity provider. The host
// application supplies the interactive authorization step, since opening a
// login surface is inherently the host's job; this package turns whatever
// grant that step produces into a typed credential.
package identity

import (
	"context"
	"errors"

	"github.com/jrsteele09/go-fit-session/credential"
)

var (
	ErrSilentAuthUnavailable = errors.New("silent re-authentication unavailable")
	ErrEmptyGrant            = errors.New("authorization produced no grant")
)

// Grant is what the host's authorization step hands back. Exactly one of
// IDToken or Code is expected to be set: providers that return a signed
// identity token directly fill IDToken, code-flow providers fill Code (plus
// CodeVerifier when PKCE was used).
type Grant struct {
	IDToken      string
	Code         string
	CodeVerifier string
}

// AuthorizeFunc runs an authorization step against the provider. Interactive
// implementations block on the user; silent implementations fail fast when
// the provider has no cached authentication to lean on.
type AuthorizeFunc func(ctx context.Context) (Grant, error)

// Provider is the identity provider contract the session layer drives.
type Provider interface {
	// SignIn runs the interactive authorization step and redeems its grant.
	SignIn(ctx context.Context) (credential.Credential, credential.TokenInfo, error)

	// SilentSignIn attempts re-authentication without user interaction.
	// Returns ErrSilentAuthUnavailable when the provider offers no silent
	// path.
	SilentSignIn(ctx context.Context) (credential.Credential, credential.TokenInfo, error)

	// SignOut revokes the credential with the provider, best effort.
	SignOut(ctx context.Context, cred credential.Credential) error
}
