package store

import (
	"context"
	"encoding/json"

	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/jrsteele09/go-fit-session/syncbus"
	pkgerrors "github.com/pkg/errors"
)

// ProfileSnapshot returns the cached remote profile document, if a readable
// one is stored.
func (s *Store) ProfileSnapshot(ctx context.Context) (*profile.Snapshot, bool) {
	raw, ok := s.read(ctx, KeyProfileSnapshot)
	if !ok {
		return nil, false
	}
	var snap profile.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.logger.Warn().Err(err).Msg("stored profile snapshot unreadable")
		return nil, false
	}
	return &snap, true
}

// SetProfileSnapshot replaces the cached remote profile document.
func (s *Store) SetProfileSnapshot(ctx context.Context, snap *profile.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return pkgerrors.Wrap(err, "[Store.SetProfileSnapshot] marshal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(ctx, KeyProfileSnapshot, string(raw)); err != nil {
		return pkgerrors.Wrap(err, "[Store.SetProfileSnapshot] write")
	}
	s.publish(ctx, []syncbus.Change{syncbus.SetChange(KeyProfileSnapshot, string(raw), s.instance)})
	return nil
}

// LocalMeasurement returns the measurement captured on this device before or
// outside of any session.
func (s *Store) LocalMeasurement(ctx context.Context) (profile.Measurement, bool) {
	raw, ok := s.read(ctx, KeyLocalMeasurement)
	if !ok {
		return profile.Measurement{}, false
	}
	var m profile.Measurement
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		s.logger.Warn().Err(err).Msg("stored local measurement unreadable")
		return profile.Measurement{}, false
	}
	return m, true
}

// SetLocalMeasurement stores the device-local measurement and keeps the
// gender tag alongside it when the record carries one.
func (s *Store) SetLocalMeasurement(ctx context.Context, m profile.Measurement) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return pkgerrors.Wrap(err, "[Store.SetLocalMeasurement] marshal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(ctx, KeyLocalMeasurement, string(raw)); err != nil {
		return pkgerrors.Wrap(err, "[Store.SetLocalMeasurement] write")
	}
	changes := []syncbus.Change{syncbus.SetChange(KeyLocalMeasurement, string(raw), s.instance)}

	if m.Gender.Valid() {
		if err := s.kv.Set(ctx, KeyLocalGender, string(m.Gender)); err != nil {
			return pkgerrors.Wrap(err, "[Store.SetLocalMeasurement] write gender tag")
		}
		changes = append(changes, syncbus.SetChange(KeyLocalGender, string(m.Gender), s.instance))
	}

	s.publish(ctx, changes)
	return nil
}

// ClearLocalMeasurement removes the device-local measurement. The gender tag
// outlives it, so a later session can still pick the matching remote slot.
func (s *Store) ClearLocalMeasurement(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(ctx, KeyLocalMeasurement); err != nil {
		return pkgerrors.Wrap(err, "[Store.ClearLocalMeasurement] delete")
	}
	s.publish(ctx, []syncbus.Change{syncbus.DeleteChange(KeyLocalMeasurement, s.instance)})
	return nil
}

// LocalGender returns the remembered gender tag, falling back to the local
// measurement's own tag when the dedicated key is missing.
func (s *Store) LocalGender(ctx context.Context) (profile.Gender, bool) {
	if raw, ok := s.read(ctx, KeyLocalGender); ok {
		if g := profile.Gender(raw); g.Valid() {
			return g, true
		}
		s.logger.Warn().Str("value", raw).Msg("stored gender tag unrecognised")
	}
	if m, ok := s.LocalMeasurement(ctx); ok && m.Gender.Valid() {
		return m.Gender, true
	}
	return "", false
}
