package reconcile

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/gateway"
	"github.com/jrsteele09/go-fit-session/internal/utils"
	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/jrsteele09/go-fit-session/store"
)

var (
	// ErrConflictPending reports that a reconciliation pass cannot start
	// while an earlier conflict is still awaiting resolution.
	ErrConflictPending = errors.New("reconciliation suspended on an unresolved conflict")

	// ErrConflictResolved reports a second resolution attempt on the same
	// conflict.
	ErrConflictResolved = errors.New("conflict already resolved")

	// ErrUnknownChoice reports an unrecognised conflict resolution choice.
	ErrUnknownChoice = errors.New("unknown resolution choice")
)

// Choice is the user's answer to a measurement conflict.
type Choice int

const (
	// ChoiceUseLocal keeps the device measurement and pushes it to the
	// remote slot.
	ChoiceUseLocal Choice = iota
	// ChoiceUseRemote adopts the remote slot locally and leaves the remote
	// profile untouched.
	ChoiceUseRemote
)

func (c Choice) String() string {
	switch c {
	case ChoiceUseLocal:
		return "use-local"
	case ChoiceUseRemote:
		return "use-remote"
	default:
		return "unknown"
	}
}

// Result describes a completed reconciliation. Snapshot is the profile
// document current after the action, which is the input document unless a
// remote mutation replaced it.
type Result struct {
	Action   Action
	SlotKey  string
	Snapshot *profile.Snapshot
}

// Engine applies reconciliation decisions against the store and the remote
// profile gateway. It holds no state of its own; single-flight per instance
// is the caller's responsibility.
type Engine struct {
	store  *store.Store
	gw     gateway.Gateway
	logger zerolog.Logger
}

// NewEngine returns an engine over the given store and gateway.
func NewEngine(st *store.Store, gw gateway.Gateway, logger zerolog.Logger) *Engine {
	return &Engine{store: st, gw: gw, logger: logger.With().Str("component", "reconcile").Logger()}
}

// Reconcile runs one pass against a freshly fetched snapshot. A non-nil
// Conflict means the pass is suspended until the conflict is resolved; the
// Result is nil in that case. The caller owns caching of the fetched
// snapshot; the engine persists only the replacement documents its own
// mutations produce.
//
// Remote mutations run before any local bookkeeping, so a failed pass leaves
// the stored state exactly as it was.
func (e *Engine) Reconcile(ctx context.Context, cred credential.Credential, snap *profile.Snapshot) (*Result, *Conflict, error) {
	var local *profile.Measurement
	if m, ok := e.store.LocalMeasurement(ctx); ok {
		local = &m
	}
	gender, _ := e.store.LocalGender(ctx)

	d := Decide(local, gender, snap)
	switch d.Action {
	case ActionNone:
		if d.ClearLocal {
			if err := e.store.ClearLocalMeasurement(ctx); err != nil {
				return nil, nil, err
			}
			e.logger.Info().Str("slot", d.SlotKey).Msg("local measurement matches remote slot, local copy dropped")
		}
		return &Result{Action: ActionNone, SlotKey: d.SlotKey, Snapshot: snap}, nil, nil

	case ActionDownload:
		res, err := e.download(ctx, cred, d, gender, snap)
		return res, nil, err

	case ActionUpload:
		res, err := e.upload(ctx, cred, d.SlotKey, d.Local, snap)
		return res, nil, err

	default:
		e.logger.Info().Str("slot", d.SlotKey).Msg("measurement conflict suspended for user choice")
		return nil, &Conflict{
			ID:      uuid.NewString(),
			SlotKey: d.SlotKey,
			Local:   d.Local,
			Remote:  d.Remote,
			engine:  e,
			cred:    cred,
			snap:    snap,
		}, nil
	}
}

// download adopts the decided remote slot locally. When the device previously
// tracked the other gender and that slot is a field-for-field duplicate of
// the adopted one, the duplicate is purged remotely first; the stored raw
// records are compared, not the normalised views.
func (e *Engine) download(ctx context.Context, cred credential.Credential, d Decision, oldGender profile.Gender, snap *profile.Snapshot) (*Result, error) {
	if oldGender.Valid() && profile.SlotKeyFor(oldGender) != d.SlotKey {
		staleKey := profile.SlotKeyFor(oldGender)
		adopted, _ := snap.Slot(d.SlotKey)
		if stale, ok := snap.Slot(staleKey); ok && stale.Equal(adopted) {
			replaced, err := e.gw.DeleteSlot(ctx, cred, staleKey)
			if err != nil {
				return nil, pkgerrors.Wrap(err, "[Engine.download] purge duplicate slot")
			}
			if err := e.store.SetProfileSnapshot(ctx, replaced); err != nil {
				return nil, err
			}
			snap = replaced
			e.logger.Info().Str("slot", staleKey).Msg("purged duplicate remote slot")
		}
	}

	if err := e.store.SetLocalMeasurement(ctx, d.Remote); err != nil {
		return nil, err
	}
	e.logger.Info().Str("slot", d.SlotKey).Msg("adopted remote measurement")
	return &Result{Action: ActionDownload, SlotKey: d.SlotKey, Snapshot: snap}, nil
}

// upload pushes the local measurement into its gender slot. A snapshot with
// no declared default gets one: the slot being written.
func (e *Engine) upload(ctx context.Context, cred credential.Credential, slotKey string, m profile.Measurement, snap *profile.Snapshot) (*Result, error) {
	var defaultSlot *string
	if snap == nil || snap.DefaultSlot == "" {
		defaultSlot = utils.Ptr(slotKey)
	}

	replaced, err := e.gw.UpdateSlot(ctx, cred, slotKey, m, defaultSlot)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[Engine.upload] write slot")
	}
	if err := e.store.SetProfileSnapshot(ctx, replaced); err != nil {
		return nil, err
	}
	if err := e.store.ClearLocalMeasurement(ctx); err != nil {
		return nil, err
	}
	e.logger.Info().Str("slot", slotKey).Msg("uploaded local measurement")
	return &Result{Action: ActionUpload, SlotKey: slotKey, Snapshot: replaced}, nil
}

// Conflict is a suspended reconciliation: the same gender slot holds
// different measurements locally and remotely. Resolve applies the user's
// choice exactly once.
type Conflict struct {
	ID      string
	SlotKey string
	Local   profile.Measurement
	Remote  profile.Measurement

	engine *Engine
	cred   credential.Credential
	snap   *profile.Snapshot

	mu       sync.Mutex
	resolved bool
}

// Resolve completes the suspended pass with the user's choice. Use-local
// uploads the device measurement over the remote slot; use-remote adopts the
// remote record locally and leaves the remote profile untouched. The choice
// executes at most once: a second call returns ErrConflictResolved, and a
// failed execution stays consumed until the next session establishes.
func (c *Conflict) Resolve(ctx context.Context, choice Choice) (*Result, error) {
	if choice != ChoiceUseLocal && choice != ChoiceUseRemote {
		return nil, ErrUnknownChoice
	}

	c.mu.Lock()
	if c.resolved {
		c.mu.Unlock()
		return nil, ErrConflictResolved
	}
	c.resolved = true
	c.mu.Unlock()

	if choice == ChoiceUseLocal {
		return c.engine.upload(ctx, c.cred, c.SlotKey, c.Local, c.snap)
	}

	if err := c.engine.store.SetLocalMeasurement(ctx, c.Remote); err != nil {
		return nil, err
	}
	c.engine.logger.Info().Str("slot", c.SlotKey).Msg("conflict resolved with remote measurement")
	return &Result{Action: ActionDownload, SlotKey: c.SlotKey, Snapshot: c.snap}, nil
}
