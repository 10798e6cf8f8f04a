// Package session drives the widget's sign-in lifecycle: a state machine per
// widget instance over a store shared by all of them. Controllers in one
// process share a Coordinator; controllers in other processes converge
// through the storage change bus.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/gateway"
	"github.com/jrsteele09/go-fit-session/identity"
	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/jrsteele09/go-fit-session/reconcile"
	"github.com/jrsteele09/go-fit-session/refresh"
	"github.com/jrsteele09/go-fit-session/storage"
	"github.com/jrsteele09/go-fit-session/store"
	"github.com/jrsteele09/go-fit-session/syncbus"
)

// State is the controller's position in the session lifecycle.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateExpiring
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateExpiring:
		return "expiring"
	default:
		return "unauthenticated"
	}
}

// Deps are the collaborators a controller is built from. KV, Coord, and
// Gateway are required. Provider may be nil for hosts that only restore and
// observe sessions; SignIn then fails with ErrProviderRequired.
type Deps struct {
	KV       storage.KV
	Coord    *Coordinator
	Gateway  gateway.Gateway
	Provider identity.Provider
}

// Controller is one widget instance's session handle.
type Controller struct {
	id        string
	coord     *Coordinator
	store     *store.Store
	gw        gateway.Gateway
	provider  identity.Provider
	engine    *reconcile.Engine
	scheduler *refresh.Scheduler
	events    *Events
	logger    zerolog.Logger
	nowFunc   func() time.Time
	schedOpts []refresh.Option

	mu       sync.Mutex
	state    State
	cred     credential.Credential
	snapshot *profile.Snapshot
	conflict *reconcile.Conflict
	closed   bool
	primary  bool

	wg sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = now }
}

// WithSchedulerOptions passes options through to the refresh scheduler.
func WithSchedulerOptions(opts ...refresh.Option) Option {
	return func(c *Controller) { c.schedOpts = append(c.schedOpts, opts...) }
}

// New constructs a controller and synchronously restores its state from the
// store, without touching the network, so hosts can render immediately. The
// coordinator designates one controller per process as primary; that one
// follows up with a background refresh-and-reconcile pass when a session was
// restored.
func New(ctx context.Context, deps Deps, logger zerolog.Logger, opts ...Option) (*Controller, error) {
	if deps.KV == nil {
		return nil, errors.New("session: nil storage")
	}
	if deps.Coord == nil {
		return nil, errors.New("session: nil coordinator")
	}
	if deps.Gateway == nil {
		return nil, errors.New("session: nil gateway")
	}

	id := uuid.NewString()
	c := &Controller{
		id:       id,
		coord:    deps.Coord,
		gw:       deps.Gateway,
		provider: deps.Provider,
		events:   newEvents(),
		logger:   logger.With().Str("component", "session").Str("instance", id).Logger(),
		nowFunc:  time.Now,
		state:    StateUnauthenticated,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.store = store.New(deps.KV, deps.Coord.Bus(), id, logger, store.WithNowFunc(c.nowFunc))
	c.engine = reconcile.NewEngine(c.store, c.gw, logger)
	schedOpts := append([]refresh.Option{refresh.WithNowFunc(c.nowFunc)}, c.schedOpts...)
	c.scheduler = refresh.NewScheduler(c.store, c.gw, c.provider, deps.Coord.Gate(), refresh.Callbacks{
		OnRenewed: c.handleRenewed,
		OnExpired: c.handleExpired,
	}, logger, schedOpts...)

	if cred, ok := c.store.Credential(ctx); ok {
		c.state = StateAuthenticated
		c.cred = cred
		c.snapshot, _ = c.store.ProfileSnapshot(ctx)
	}

	if err := c.coord.Bus().Subscribe(id, c.handleChange); err != nil {
		return nil, pkgerrors.Wrap(err, "[session.New] subscribe to change bus")
	}
	c.primary = c.coord.ClaimPrimary(id)

	if c.state == StateAuthenticated {
		c.scheduler.Start()
		if c.primary {
			c.wg.Add(1)
			go c.bootstrap()
		}
	}
	return c, nil
}

// InstanceID returns this controller's identity on the change bus.
func (c *Controller) InstanceID() string {
	return c.id
}

// IsPrimary reports whether this controller holds the process's primary
// designation.
func (c *Controller) IsPrimary() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primary
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Credential returns the session credential, if one is held.
func (c *Controller) Credential() (credential.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cred, !c.cred.IsZero()
}

// Snapshot returns a copy of the in-memory profile document, or nil.
func (c *Controller) Snapshot() *profile.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot.Clone()
}

// Conflict returns the measurement conflict awaiting resolution, if any.
func (c *Controller) Conflict() (*reconcile.Conflict, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conflict, c.conflict != nil
}

// Events returns the controller's notification surface.
func (c *Controller) Events() *Events {
	return c.events
}

// SignIn runs the interactive sign-in: provider authorization, credential
// persistence, profile fetch, one reconciliation pass. A rejected fetch gets
// exactly one refresh-and-retry before the sign-in fails. Failure returns
// the controller to Unauthenticated and announces a generic sign-in failure.
func (c *Controller) SignIn(ctx context.Context) error {
	if c.provider == nil {
		return ErrProviderRequired
	}

	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateAuthenticating:
		c.mu.Unlock()
		return ErrSignInInProgress
	case c.state != StateUnauthenticated:
		c.mu.Unlock()
		return ErrAlreadySignedIn
	}
	c.state = StateAuthenticating
	c.mu.Unlock()

	cred, info, err := c.provider.SignIn(ctx)
	if err != nil {
		c.failSignIn(ctx, false)
		return pkgerrors.Wrap(err, "[Controller.SignIn] provider sign-in")
	}

	if err := c.store.SetCredential(ctx, cred, info); err != nil {
		c.failSignIn(ctx, true)
		return err
	}
	c.scheduler.ResetSilentAttempt()

	snap, cred, err := c.fetchSnapshot(ctx, cred)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			c.failSignIn(ctx, true)
			return err
		}
		if cached, ok := c.store.ProfileSnapshot(ctx); ok {
			c.logger.Warn().Err(err).Msg("profile fetch failed, continuing with cached snapshot")
			c.completeSignIn(cred, cached)
			return nil
		}
		c.failSignIn(ctx, true)
		return err
	}

	if err := c.store.SetProfileSnapshot(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Msg("caching fetched snapshot failed")
	}
	c.adoptSnapshot(snap)

	if err := c.runReconcile(ctx, cred, snap); err != nil && errors.Is(err, gateway.ErrUnauthorized) {
		c.failSignIn(ctx, true)
		return err
	}

	c.mu.Lock()
	snap = c.snapshot
	c.mu.Unlock()
	c.completeSignIn(cred, snap)
	return nil
}

// SignOut revokes the provider session best effort, then unconditionally
// clears local state.
func (c *Controller) SignOut(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateAuthenticated && c.state != StateExpiring {
		c.mu.Unlock()
		return ErrNotSignedIn
	}
	cred := c.cred
	c.state = StateUnauthenticated
	c.cred = credential.Credential{}
	c.snapshot = nil
	c.conflict = nil
	c.mu.Unlock()
	c.coord.ClosePrompt(c.id)

	if c.provider != nil && !cred.IsZero() {
		if err := c.provider.SignOut(ctx, cred); err != nil {
			c.logger.Warn().Err(err).Msg("provider revocation failed")
		}
	}

	c.scheduler.Stop()
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("clearing session state failed")
	}

	c.logger.Info().Msg("signed out")
	c.events.publish(EventUnauthenticated, UnauthenticatedEvent{Instance: c.id, Reason: ReasonSignedOut})
	return nil
}

// ResolveConflict answers the pending measurement conflict. Any execution,
// successful or not, consumes the conflict; a rejected credential also ends
// the session.
func (c *Controller) ResolveConflict(ctx context.Context, choice reconcile.Choice) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return ErrNotSignedIn
	}
	conflict := c.conflict
	c.mu.Unlock()
	if conflict == nil {
		return ErrNoConflict
	}

	res, err := conflict.Resolve(ctx, choice)
	if err != nil {
		if errors.Is(err, reconcile.ErrUnknownChoice) {
			return err
		}
		c.dropConflict()
		if errors.Is(err, gateway.ErrUnauthorized) {
			c.handleExpired(err)
		}
		return err
	}

	c.dropConflict()
	c.adoptSnapshot(res.Snapshot)
	c.logger.Info().Str("choice", choice.String()).Str("slot", res.SlotKey).Msg("conflict resolved")
	c.events.publish(EventReconcileResolved, ReconcileResolvedEvent{
		Instance:   c.id,
		ConflictID: conflict.ID,
		Choice:     choice,
		Action:     res.Action,
	})
	return nil
}

// Close detaches the controller from the shared fabric. Local state in
// storage is left as is; a closed controller never mutates it again.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.coord.Bus().Unsubscribe(c.id)
	c.scheduler.Stop()
	c.wg.Wait()
	c.coord.ClosePrompt(c.id)
	c.coord.ResignPrimary(c.id)
	c.logger.Debug().Msg("controller closed")
}

// bootstrap is the primary instance's post-restore pass: re-fetch the
// profile and reconcile, damped by the shared gate so concurrent instances
// do not repeat it.
func (c *Controller) bootstrap() {
	defer c.wg.Done()
	ctx := context.Background()

	c.mu.Lock()
	cred := c.cred
	state := c.state
	c.mu.Unlock()
	if state != StateAuthenticated || cred.IsZero() {
		return
	}

	if !c.coord.Gate().TryAcquire() {
		c.logger.Debug().Msg("bootstrap fetch suppressed by cooldown")
		return
	}

	snap, cred, err := c.fetchSnapshot(ctx, cred)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			c.handleExpired(err)
			return
		}
		c.logger.Warn().Err(err).Msg("bootstrap profile fetch failed, keeping cached snapshot")
		return
	}

	if err := c.store.SetProfileSnapshot(ctx, snap); err != nil {
		c.logger.Warn().Err(err).Msg("caching fetched snapshot failed")
	}
	c.adoptSnapshot(snap)

	if err := c.runReconcile(ctx, cred, snap); err != nil && errors.Is(err, gateway.ErrUnauthorized) {
		c.handleExpired(err)
	}
}

// fetchSnapshot exchanges the credential for the profile document. On a
// rejected credential it attempts one refresh and one retry, then gives up;
// the returned credential is the one the successful call used.
func (c *Controller) fetchSnapshot(ctx context.Context, cred credential.Credential) (*profile.Snapshot, credential.Credential, error) {
	snap, err := c.gw.Exchange(ctx, cred)
	if err == nil {
		return snap, cred, nil
	}
	if !errors.Is(err, gateway.ErrUnauthorized) || !cred.Refreshable() {
		return nil, cred, err
	}

	c.logger.Debug().Msg("credential rejected, attempting one refresh")
	renewed, rerr := c.gw.Refresh(ctx, cred.RefreshToken)
	if rerr != nil {
		return nil, cred, pkgerrors.Wrap(rerr, "[Controller.fetchSnapshot] refresh")
	}
	newCred, info := renewed.Apply(cred, c.nowFunc())
	if serr := c.store.SetCredential(ctx, newCred, info); serr != nil {
		return nil, cred, serr
	}
	c.mu.Lock()
	c.cred = newCred
	c.mu.Unlock()

	snap, err = c.gw.Exchange(ctx, newCred)
	if err != nil {
		return nil, newCred, pkgerrors.Wrap(err, "[Controller.fetchSnapshot] retry after refresh")
	}
	return snap, newCred, nil
}

// runReconcile runs one reconciliation pass. Engine failures other than a
// rejected credential are absorbed; the next session establishment retries.
func (c *Controller) runReconcile(ctx context.Context, cred credential.Credential, snap *profile.Snapshot) error {
	c.mu.Lock()
	if c.conflict != nil {
		c.mu.Unlock()
		return reconcile.ErrConflictPending
	}
	c.mu.Unlock()

	res, conflict, err := c.engine.Reconcile(ctx, cred, snap)
	if err != nil {
		if errors.Is(err, gateway.ErrUnauthorized) {
			return err
		}
		c.logger.Warn().Err(err).Msg("reconciliation failed")
		return nil
	}

	if conflict != nil {
		c.holdConflict(conflict)
		return nil
	}

	if res.Snapshot != nil && !res.Snapshot.Equal(snap) {
		c.adoptSnapshot(res.Snapshot)
	}
	return nil
}

// holdConflict keeps the conflict for resolution and prompts the host, if no
// sibling already has a prompt open.
func (c *Controller) holdConflict(conflict *reconcile.Conflict) {
	if !c.coord.TryOpenPrompt(c.id) {
		c.logger.Debug().Msg("conflict prompt already open elsewhere")
		return
	}

	c.mu.Lock()
	c.conflict = conflict
	c.mu.Unlock()

	c.events.publish(EventReconcilePrompt, ReconcilePromptEvent{
		Instance:   c.id,
		ConflictID: conflict.ID,
		SlotKey:    conflict.SlotKey,
		Local:      conflict.Local,
		Remote:     conflict.Remote,
	})
}

func (c *Controller) dropConflict() {
	c.mu.Lock()
	c.conflict = nil
	c.mu.Unlock()
	c.coord.ClosePrompt(c.id)
}

// adoptSnapshot replaces the in-memory profile document and announces it.
// Persistence is the caller's concern; by the time this runs the document is
// already in the store.
func (c *Controller) adoptSnapshot(snap *profile.Snapshot) {
	c.mu.Lock()
	same := c.snapshot.Equal(snap)
	if !same {
		c.snapshot = snap
	}
	c.mu.Unlock()
	if !same {
		c.events.publish(EventProfileUpdated, ProfileUpdatedEvent{Instance: c.id, Snapshot: snap.Clone()})
	}
}

func (c *Controller) completeSignIn(cred credential.Credential, snap *profile.Snapshot) {
	c.mu.Lock()
	c.state = StateAuthenticated
	c.cred = cred
	c.snapshot = snap
	c.mu.Unlock()

	c.scheduler.Start()
	c.logger.Info().Str("kind", cred.Kind.String()).Msg("signed in")
	c.events.publish(EventAuthenticated, AuthenticatedEvent{Instance: c.id, Kind: cred.Kind})
}

// failSignIn returns the controller to Unauthenticated. clearStore removes
// anything the attempt already persisted.
func (c *Controller) failSignIn(ctx context.Context, clearStore bool) {
	if clearStore {
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("clearing failed sign-in state")
		}
	}
	c.mu.Lock()
	c.state = StateUnauthenticated
	c.cred = credential.Credential{}
	c.mu.Unlock()

	c.logger.Info().Msg("sign-in failed")
	c.events.publish(EventUnauthenticated, UnauthenticatedEvent{Instance: c.id, Reason: ReasonSignInFailed})
}

// handleRenewed is the scheduler's success callback; the renewed credential
// is already persisted.
func (c *Controller) handleRenewed(cred credential.Credential, _ credential.TokenInfo) {
	c.mu.Lock()
	if c.state == StateAuthenticated {
		c.cred = cred
	}
	c.mu.Unlock()
	c.logger.Debug().Msg("renewed credential adopted")
}

// handleExpired ends the session after an unrecoverable credential lapse.
// Safe under concurrent detection: only the Authenticated to Expiring
// transition proceeds, every other caller returns.
func (c *Controller) handleExpired(cause error) {
	c.mu.Lock()
	if c.state != StateAuthenticated {
		c.mu.Unlock()
		return
	}
	c.state = StateExpiring
	c.mu.Unlock()

	ctx := context.Background()
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("clearing expired session state failed")
	}

	c.mu.Lock()
	c.state = StateUnauthenticated
	c.cred = credential.Credential{}
	c.snapshot = nil
	c.conflict = nil
	c.mu.Unlock()
	c.coord.ClosePrompt(c.id)

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	c.logger.Info().Err(cause).Msg("session expired")
	c.events.publish(EventExpired, ExpiredEvent{Instance: c.id, Reason: reason})
}

// handleChange adopts foreign storage changes into in-memory state. The bus
// already filters out this controller's own writes.
func (c *Controller) handleChange(change syncbus.Change) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	switch change.Key {
	case store.KeyCredential:
		c.onCredentialChange(change)
	case store.KeyProfileSnapshot:
		c.onSnapshotChange(change)
	}
}

func (c *Controller) onCredentialChange(change syncbus.Change) {
	if change.Deleted() {
		c.mu.Lock()
		if c.state != StateAuthenticated {
			c.mu.Unlock()
			return
		}
		c.state = StateUnauthenticated
		c.cred = credential.Credential{}
		c.snapshot = nil
		c.conflict = nil
		c.mu.Unlock()
		c.coord.ClosePrompt(c.id)

		c.logger.Info().Msg("session ended by another instance")
		c.events.publish(EventUnauthenticated, UnauthenticatedEvent{Instance: c.id, Reason: ReasonSignedOutElsewhere})
		return
	}

	c.mu.Lock()
	currentToken := c.cred.Token
	authenticating := c.state == StateAuthenticating
	c.mu.Unlock()
	if authenticating || (change.Value != nil && *change.Value == currentToken) {
		return
	}

	cred, ok := c.store.Credential(context.Background())
	if !ok {
		return
	}

	c.mu.Lock()
	was := c.state
	c.state = StateAuthenticated
	c.cred = cred
	c.mu.Unlock()

	c.scheduler.ResetSilentAttempt()
	c.scheduler.Start()
	if was != StateAuthenticated {
		c.logger.Info().Msg("session adopted from another instance")
		c.events.publish(EventAuthenticated, AuthenticatedEvent{Instance: c.id, Kind: cred.Kind})
	}
}

func (c *Controller) onSnapshotChange(change syncbus.Change) {
	if change.Deleted() {
		c.mu.Lock()
		had := c.snapshot != nil
		c.snapshot = nil
		c.mu.Unlock()
		if had {
			c.events.publish(EventProfileUpdated, ProfileUpdatedEvent{Instance: c.id})
		}
		return
	}

	var snap profile.Snapshot
	if err := json.Unmarshal([]byte(*change.Value), &snap); err != nil {
		c.logger.Warn().Err(err).Msg("unreadable snapshot notification")
		return
	}
	c.adoptSnapshot(&snap)
}
