// Package store wraps the shared key-value storage with the typed read and
// write operations the session subsystem needs. It owns the storage schema:
// every key written by this module is declared here, and every stored string
// is decoded into a typed value in exactly one place. Reads degrade, never
// crash: a corrupt or unreadable value behaves like an absent one. Every
// successful write is announced on the sync bus so sibling instances converge.
package store

import (
	"sync"
	"time"

	"github.com/jrsteele09/go-fit-session/storage"
	"github.com/jrsteele09/go-fit-session/syncbus"
	"github.com/rs/zerolog"
)

// Storage schema. All keys live under the storage layer's namespace.
const (
	KeyCredential       = "auth.credential"
	KeyTokenInfo        = "auth.token_info"
	KeyAccessToken      = "auth.access_token"
	KeyRefreshToken     = "auth.refresh_token"
	KeyTokenExpiresAt   = "auth.token_expires_at"
	KeyProfileSnapshot  = "profile.snapshot"
	KeyLocalMeasurement = "measurement.local"
	KeyLocalGender      = "measurement.local_gender"
)

// Store is one instance's handle on the shared storage. Instances share the
// underlying KV and bus but each carries its own handle, because the handle
// stamps the instance identity on the changes it publishes.
type Store struct {
	kv       storage.KV
	bus      *syncbus.Bus
	instance string
	logger   zerolog.Logger
	nowFunc  func() time.Time

	// mu keeps multi-key writes whole, so observers never see a credential
	// change published while its companion keys are mid-update.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) { s.nowFunc = now }
}

// New constructs a Store publishing changes under the given instance identity.
func New(kv storage.KV, bus *syncbus.Bus, instanceID string, logger zerolog.Logger, opts ...Option) *Store {
	s := &Store{
		kv:       kv,
		bus:      bus,
		instance: instanceID,
		logger:   logger.With().Str("component", "store").Str("instance", instanceID).Logger(),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID returns the identity stamped on this handle's changes.
func (s *Store) InstanceID() string {
	return s.instance
}
