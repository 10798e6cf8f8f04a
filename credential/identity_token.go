package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	pkgerrors "github.com/pkg/errors"
)

// InfoFromIdentityToken recovers issuance metadata from the registered claims
// of a raw identity token. The token is parsed without signature verification:
// the caller already trusts it and only the timestamps are needed, which is
// how stored credentials regain their TokenInfo after the stored copy is lost
// or corrupted.
func InfoFromIdentityToken(rawToken string, now time.Time) (TokenInfo, error) {
	token, _, err := jwt.NewParser().ParseUnverified(rawToken, jwt.MapClaims{})
	if err != nil {
		return TokenInfo{}, pkgerrors.Wrap(err, "[InfoFromIdentityToken] parse")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return TokenInfo{}, ErrMissingExpiry
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return TokenInfo{}, ErrMissingExpiry
	}

	issued := now
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		issued = iat.Time
	}

	return TokenInfo{
		IssuedAt: issued.UTC(),
		Lifetime: exp.Time.Sub(issued),
	}, nil
}
