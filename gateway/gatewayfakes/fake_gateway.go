package gatewayfakes

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/gateway"
	"github.com/jrsteele09/go-fit-session/profile"
)

var _ gateway.Gateway = (*FakeGateway)(nil)

// UpdateCall records one UpdateSlot invocation.
type UpdateCall struct {
	SlotKey     string
	Measurement profile.Measurement
	DefaultSlot *string
}

// CallCounts tallies invocations per operation.
type CallCounts struct {
	Exchange   int
	Refresh    int
	UpdateSlot int
	DeleteSlot int
}

// FakeGateway is an in-memory Gateway. It keeps a live profile document that
// mutating calls modify, mirroring how the real store answers every mutation
// with the replacement document.
type FakeGateway struct {
	lock     sync.Mutex
	snapshot *profile.Snapshot
	renewed  gateway.RenewedToken
	counts   CallCounts
	updates  []UpdateCall
	deletes  []string

	exchangeErr     error
	exchangeOnceErr error
	refreshErr      error
	updateErr       error
	deleteErr       error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		snapshot: profile.NewSnapshot(),
		renewed:  gateway.RenewedToken{AccessToken: "renewed-access-token", ExpiresIn: time.Hour},
	}
}

func (f *FakeGateway) Exchange(_ context.Context, _ credential.Credential) (*profile.Snapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.counts.Exchange++
	if f.exchangeOnceErr != nil {
		err := f.exchangeOnceErr
		f.exchangeOnceErr = nil
		return nil, err
	}
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return f.snapshot.Clone(), nil
}

func (f *FakeGateway) Refresh(_ context.Context, _ string) (gateway.RenewedToken, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.counts.Refresh++
	if f.refreshErr != nil {
		return gateway.RenewedToken{}, f.refreshErr
	}
	return f.renewed, nil
}

func (f *FakeGateway) UpdateSlot(_ context.Context, _ credential.Credential, slotKey string, m profile.Measurement, defaultSlot *string) (*profile.Snapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.counts.UpdateSlot++
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, UpdateCall{SlotKey: slotKey, Measurement: m, DefaultSlot: defaultSlot})
	if f.snapshot.Slots == nil {
		f.snapshot.Slots = make(map[string]profile.Measurement)
	}
	f.snapshot.Slots[slotKey] = m
	if defaultSlot != nil {
		f.snapshot.DefaultSlot = *defaultSlot
	}
	return f.snapshot.Clone(), nil
}

func (f *FakeGateway) DeleteSlot(_ context.Context, _ credential.Credential, slotKey string) (*profile.Snapshot, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.counts.DeleteSlot++
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.deletes = append(f.deletes, slotKey)
	delete(f.snapshot.Slots, slotKey)
	if f.snapshot.DefaultSlot == slotKey {
		// The server repoints the default at a surviving slot.
		f.snapshot.DefaultSlot = ""
		keys := make([]string, 0, len(f.snapshot.Slots))
		for k := range f.snapshot.Slots {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			f.snapshot.DefaultSlot = keys[0]
		}
	}
	return f.snapshot.Clone(), nil
}

// SetSnapshot replaces the live profile document.
func (f *FakeGateway) SetSnapshot(snap *profile.Snapshot) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.snapshot = snap.Clone()
}

// Snapshot returns a copy of the live profile document.
func (f *FakeGateway) Snapshot() *profile.Snapshot {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.snapshot.Clone()
}

// SetRenewed sets the token returned by Refresh.
func (f *FakeGateway) SetRenewed(renewed gateway.RenewedToken) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.renewed = renewed
}

func (f *FakeGateway) FailExchangeWith(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.exchangeErr = err
}

// FailNextExchangeWith fails only the next Exchange call.
func (f *FakeGateway) FailNextExchangeWith(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.exchangeOnceErr = err
}

func (f *FakeGateway) FailRefreshWith(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.refreshErr = err
}

func (f *FakeGateway) FailUpdateWith(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.updateErr = err
}

func (f *FakeGateway) FailDeleteWith(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.deleteErr = err
}

// Calls returns the per-operation invocation tallies.
func (f *FakeGateway) Calls() CallCounts {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.counts
}

// Updates returns every recorded UpdateSlot call.
func (f *FakeGateway) Updates() []UpdateCall {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]UpdateCall, len(f.updates))
	copy(out, f.updates)
	return out
}

// Deletes returns every slot key passed to DeleteSlot.
func (f *FakeGateway) Deletes() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]string, len(f.deletes))
	copy(out, f.deletes)
	return out
}
