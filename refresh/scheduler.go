package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/gateway"
	"github.com/jrsteele09/go-fit-session/identity"
	"github.com/jrsteele09/go-fit-session/store"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrTokenExpired reports that the credential lapsed with no renewal path
// left: not refreshable, and the one silent re-authentication already spent.
var ErrTokenExpired = errors.New("token expired")

// Scheduler defaults.
const (
	DefaultInterval     = 20 * time.Minute
	DefaultExpiryMargin = 30 * time.Minute
)

// State describes what a scheduler is currently doing.
type State int

const (
	// StateIdle means no timer is armed.
	StateIdle State = iota
	// StateScheduled means the periodic check is armed.
	StateScheduled
	// StateRefreshing means a renewal attempt is in flight.
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateScheduled:
		return "scheduled"
	case StateRefreshing:
		return "refreshing"
	default:
		return "idle"
	}
}

// Callbacks surface renewal outcomes to the owning instance. OnRenewed fires
// after the renewed credential is persisted. OnExpired fires when a lapse is
// final; no retry follows it.
type Callbacks struct {
	OnRenewed func(cred credential.Credential, info credential.TokenInfo)
	OnExpired func(err error)
}

// Scheduler periodically checks the stored credential and renews it when it
// enters the expiry margin. One scheduler runs per widget instance; the
// shared Gate keeps their combined attempts down to one per cooldown window.
type Scheduler struct {
	store    *store.Store
	gw       gateway.Gateway
	provider identity.Provider
	gate     *Gate
	cb       Callbacks
	interval time.Duration
	margin   time.Duration
	logger   zerolog.Logger
	nowFunc  func() time.Time

	mu          sync.Mutex
	state       State
	stopCh      chan struct{}
	silentTried bool
	wg          sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the periodic check interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithExpiryMargin sets how long before declared expiry renewal begins.
func WithExpiryMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.margin = d
		}
	}
}

// WithNowFunc overrides the time source.
func WithNowFunc(now func() time.Time) Option {
	return func(s *Scheduler) { s.nowFunc = now }
}

// NewScheduler constructs a Scheduler. The provider may be nil when identity
// credentials are never used; refreshable credentials only need the gateway.
func NewScheduler(st *store.Store, gw gateway.Gateway, provider identity.Provider, gate *Gate, cb Callbacks, logger zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    st,
		gw:       gw,
		provider: provider,
		gate:     gate,
		cb:       cb,
		interval: DefaultInterval,
		margin:   DefaultExpiryMargin,
		logger:   logger.With().Str("component", "refresh").Logger(),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the scheduler's current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start arms the periodic check. Starting an armed scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.state = StateScheduled

	s.wg.Add(1)
	go s.run(stopCh)
}

// Stop cancels the periodic check and waits for the loop to exit. An attempt
// already in flight runs to completion; no further ticks follow.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.state = StateIdle
	s.mu.Unlock()

	s.wg.Wait()
}

// ResetSilentAttempt re-arms the single silent re-authentication. Called when
// a fresh credential enters the session.
func (s *Scheduler) ResetSilentAttempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silentTried = false
}

func (s *Scheduler) run(stopCh chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			_ = s.RunOnce(context.Background())
		}
	}
}

// RunOnce performs one expiry check and, when the credential sits inside the
// margin, a single renewal attempt. Failed attempts are final: the outcome is
// delivered through OnExpired and no retry is scheduled.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateRefreshing {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	cred, ok := s.store.Credential(ctx)
	if !ok {
		return nil
	}

	if info, ok := s.store.TokenInfo(ctx); ok && !info.ExpiresWithin(s.nowFunc(), s.margin) {
		return nil
	}
	// Missing metadata counts as expiring.

	if !s.gate.TryAcquire() {
		s.logger.Debug().Time("last_attempt", s.gate.LastAttempt()).Msg("renewal suppressed by cooldown")
		return nil
	}

	s.setState(StateRefreshing)
	defer s.resetState()

	if cred.Refreshable() {
		return s.refreshAccessToken(ctx, cred)
	}
	return s.silentReauth(ctx)
}

func (s *Scheduler) refreshAccessToken(ctx context.Context, cred credential.Credential) error {
	renewed, err := s.gw.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		wrapped := pkgerrors.Wrap(err, "[Scheduler.refreshAccessToken] refresh")
		s.expire(wrapped)
		return wrapped
	}

	newCred, newInfo := renewed.Apply(cred, s.nowFunc())
	return s.adopt(ctx, newCred, newInfo)
}

// silentReauth is the identity-variant renewal path. Each credential gets at
// most one attempt; a failed attempt is final.
func (s *Scheduler) silentReauth(ctx context.Context) error {
	s.mu.Lock()
	tried := s.silentTried
	s.silentTried = true
	s.mu.Unlock()

	if tried || s.provider == nil {
		s.expire(ErrTokenExpired)
		return ErrTokenExpired
	}

	cred, info, err := s.provider.SilentSignIn(ctx)
	if err != nil {
		wrapped := pkgerrors.Wrap(err, "[Scheduler.silentReauth] silent sign-in")
		s.expire(wrapped)
		return wrapped
	}
	return s.adopt(ctx, cred, info)
}

func (s *Scheduler) adopt(ctx context.Context, cred credential.Credential, info credential.TokenInfo) error {
	if err := s.store.SetCredential(ctx, cred, info); err != nil {
		wrapped := pkgerrors.Wrap(err, "[Scheduler.adopt] persist renewed credential")
		s.expire(wrapped)
		return wrapped
	}

	// The renewed credential gets its own silent attempt.
	s.mu.Lock()
	s.silentTried = false
	s.mu.Unlock()

	s.logger.Info().Str("kind", cred.Kind.String()).Msg("credential renewed")
	if s.cb.OnRenewed != nil {
		s.cb.OnRenewed(cred, info)
	}
	return nil
}

func (s *Scheduler) expire(err error) {
	s.logger.Warn().Err(err).Msg("credential lapsed")
	if s.cb.OnExpired != nil {
		s.cb.OnExpired(err)
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// resetState returns to Scheduled while the timer is armed, Idle otherwise.
func (s *Scheduler) resetState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		s.state = StateScheduled
	} else {
		s.state = StateIdle
	}
}
