package store

import (
	"context"
	"strconv"
	"time"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/syncbus"
	pkgerrors "github.com/pkg/errors"
)

// SetCredential persists a credential and its issuance metadata, atomically
// superseding whatever was stored before. Issued-at timestamps from the
// future are clamped to now. The auth.credential notification is published
// last; observers re-read the companion keys on that signal.
func (s *Store) SetCredential(ctx context.Context, cred credential.Credential, info credential.TokenInfo) error {
	if cred.IsZero() {
		return pkgerrors.Wrap(credential.ErrUnknownKind, "[Store.SetCredential] zero credential")
	}

	now := s.nowFunc()
	if info.IssuedAt.IsZero() || info.IssuedAt.After(now) {
		info.IssuedAt = now
	}

	encoded, err := credential.EncodeInfo(cred.Kind, info)
	if err != nil {
		return pkgerrors.Wrap(err, "[Store.SetCredential] encode token info")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(ctx, KeyTokenInfo, encoded); err != nil {
		return pkgerrors.Wrap(err, "[Store.SetCredential] write token info")
	}
	changes := []syncbus.Change{syncbus.SetChange(KeyTokenInfo, encoded, s.instance)}

	if cred.Kind == credential.KindAccess {
		expiresAt := strconv.FormatInt(info.ExpiresAt().Unix(), 10)
		for _, kv := range []struct{ key, value string }{
			{KeyAccessToken, cred.Token},
			{KeyRefreshToken, cred.RefreshToken},
			{KeyTokenExpiresAt, expiresAt},
		} {
			if err := s.kv.Set(ctx, kv.key, kv.value); err != nil {
				return pkgerrors.Wrapf(err, "[Store.SetCredential] write %s", kv.key)
			}
			changes = append(changes, syncbus.SetChange(kv.key, kv.value, s.instance))
		}
	} else {
		for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyTokenExpiresAt} {
			if err := s.kv.Delete(ctx, key); err != nil {
				return pkgerrors.Wrapf(err, "[Store.SetCredential] delete %s", key)
			}
			changes = append(changes, syncbus.DeleteChange(key, s.instance))
		}
	}

	if err := s.kv.Set(ctx, KeyCredential, cred.Token); err != nil {
		return pkgerrors.Wrap(err, "[Store.SetCredential] write credential")
	}
	changes = append(changes, syncbus.SetChange(KeyCredential, cred.Token, s.instance))

	s.publish(ctx, changes)
	return nil
}

// Credential reassembles the stored credential. Absent or unreadable state
// reports false rather than failing.
func (s *Store) Credential(ctx context.Context) (credential.Credential, bool) {
	token, ok := s.read(ctx, KeyCredential)
	if !ok || token == "" {
		return credential.Credential{}, false
	}

	kind := s.storedKind(ctx)
	if kind == credential.KindAccess {
		refreshToken, _ := s.read(ctx, KeyRefreshToken)
		return credential.NewAccess(token, refreshToken), true
	}
	return credential.NewIdentity(token), true
}

// TokenInfo returns the stored issuance metadata. When the stored record is
// lost or corrupt the metadata is recovered from what remains: identity
// tokens carry their own timestamps, access tokens leave their expiry in
// auth.token_expires_at.
func (s *Store) TokenInfo(ctx context.Context) (credential.TokenInfo, bool) {
	if raw, ok := s.read(ctx, KeyTokenInfo); ok {
		if _, info, err := credential.DecodeInfo(raw); err == nil {
			return info, true
		}
		s.logger.Warn().Msg("stored token info unreadable, recovering from credential")
	}

	cred, ok := s.Credential(ctx)
	if !ok {
		return credential.TokenInfo{}, false
	}

	now := s.nowFunc()
	switch cred.Kind {
	case credential.KindIdentity:
		info, err := credential.InfoFromIdentityToken(cred.Token, now)
		if err != nil {
			s.logger.Warn().Err(err).Msg("token info unrecoverable from identity token")
			return credential.TokenInfo{}, false
		}
		return info, true
	case credential.KindAccess:
		raw, ok := s.read(ctx, KeyTokenExpiresAt)
		if !ok {
			return credential.TokenInfo{}, false
		}
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.logger.Warn().Err(err).Msg("stored token expiry unreadable")
			return credential.TokenInfo{}, false
		}
		return credential.TokenInfo{IssuedAt: now, Lifetime: time.Unix(unix, 0).Sub(now)}, true
	default:
		return credential.TokenInfo{}, false
	}
}

// Clear removes the credential, its metadata, and the cached profile snapshot
// together. Locally captured measurements survive sign-out. Clearing an
// already-clear store is a no-op that still notifies, so duplicate teardowns
// from racing instances converge.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	changes := make([]syncbus.Change, 0, 6)
	for _, key := range []string{
		KeyTokenInfo,
		KeyAccessToken,
		KeyRefreshToken,
		KeyTokenExpiresAt,
		KeyProfileSnapshot,
		KeyCredential,
	} {
		if err := s.kv.Delete(ctx, key); err != nil {
			return pkgerrors.Wrapf(err, "[Store.Clear] delete %s", key)
		}
		changes = append(changes, syncbus.DeleteChange(key, s.instance))
	}

	s.publish(ctx, changes)
	return nil
}

// storedKind resolves the union discriminant. The token info record is the
// authority; if it is unreadable the discriminant falls back to which
// companion keys survive.
func (s *Store) storedKind(ctx context.Context) credential.Kind {
	if raw, ok := s.read(ctx, KeyTokenInfo); ok {
		if kind, _, err := credential.DecodeInfo(raw); err == nil {
			return kind
		}
	}
	if refreshToken, ok := s.read(ctx, KeyRefreshToken); ok && refreshToken != "" {
		return credential.KindAccess
	}
	return credential.KindIdentity
}

func (s *Store) read(ctx context.Context, key string) (string, bool) {
	value, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("storage read failed")
		return "", false
	}
	return value, ok
}

func (s *Store) publish(ctx context.Context, changes []syncbus.Change) {
	if s.bus == nil {
		return
	}
	for _, change := range changes {
		s.bus.Publish(ctx, change)
	}
}
