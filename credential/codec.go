package credential

import (
	"encoding/json"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
)

var (
	ErrUnknownKind   = errors.New("unknown credential kind")
	ErrEmptyRecord   = errors.New("empty token info record")
	ErrMissingExpiry = errors.New("identity token has no expiry claim")
)

// infoRecord is the stored form of a credential's issuance metadata. The kind
// field is the union discriminant: written when the credential is persisted
// and read back exactly once, at the storage boundary.
type infoRecord struct {
	Kind            string `json:"kind"`
	IssuedAt        int64  `json:"issuedAt"`
	LifetimeSeconds int64  `json:"lifetimeSeconds"`
}

// EncodeInfo serialises the discriminant and issuance metadata for storage.
func EncodeInfo(kind Kind, info TokenInfo) (string, error) {
	if kind == KindNone {
		return "", ErrUnknownKind
	}
	raw, err := json.Marshal(infoRecord{
		Kind:            kind.String(),
		IssuedAt:        info.IssuedAt.Unix(),
		LifetimeSeconds: int64(info.Lifetime / time.Second),
	})
	if err != nil {
		return "", pkgerrors.Wrap(err, "[EncodeInfo] marshal")
	}
	return string(raw), nil
}

// DecodeInfo is the inverse of EncodeInfo. Any malformed record is an error;
// callers treat that as metadata loss, never as a crash.
func DecodeInfo(raw string) (Kind, TokenInfo, error) {
	if raw == "" {
		return KindNone, TokenInfo{}, ErrEmptyRecord
	}
	var rec infoRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return KindNone, TokenInfo{}, pkgerrors.Wrap(err, "[DecodeInfo] unmarshal")
	}
	kind, ok := KindFromString(rec.Kind)
	if !ok {
		return KindNone, TokenInfo{}, ErrUnknownKind
	}
	info := TokenInfo{
		IssuedAt: time.Unix(rec.IssuedAt, 0).UTC(),
		Lifetime: time.Duration(rec.LifetimeSeconds) * time.Second,
	}
	return kind, info, nil
}
