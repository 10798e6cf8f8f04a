package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-fit-session/refresh"
	"github.com/jrsteele09/go-fit-session/syncbus"
)

// Coordinator holds the singletons every controller in a process shares: the
// change bus, the renewal gate, the primary designation, and the conflict
// prompt gate. Build one at host start, close it at host shutdown, and hand
// it to every controller.
type Coordinator struct {
	processID string
	bus       *syncbus.Bus
	gate      *refresh.Gate
	logger    zerolog.Logger

	mu      sync.Mutex
	primary string
	prompt  string
}

type coordinatorSettings struct {
	remote   syncbus.RemoteTransport
	cooldown time.Duration
	nowFunc  func() time.Time
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*coordinatorSettings)

// WithRemoteTransport attaches a cross-process change transport to the bus.
func WithRemoteTransport(rt syncbus.RemoteTransport) CoordinatorOption {
	return func(s *coordinatorSettings) { s.remote = rt }
}

// WithCooldown sets the renewal gate's cooldown window.
func WithCooldown(d time.Duration) CoordinatorOption {
	return func(s *coordinatorSettings) { s.cooldown = d }
}

// WithCoordinatorNowFunc overrides the gate's time source.
func WithCoordinatorNowFunc(now func() time.Time) CoordinatorOption {
	return func(s *coordinatorSettings) { s.nowFunc = now }
}

// NewCoordinator constructs the per-process coordinator.
func NewCoordinator(logger zerolog.Logger, opts ...CoordinatorOption) (*Coordinator, error) {
	settings := coordinatorSettings{cooldown: refresh.DefaultCooldown, nowFunc: time.Now}
	for _, opt := range opts {
		opt(&settings)
	}

	processID := uuid.NewString()
	var busOpts []syncbus.Option
	if settings.remote != nil {
		busOpts = append(busOpts, syncbus.WithRemote(settings.remote))
	}
	bus, err := syncbus.New(processID, logger, busOpts...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "[NewCoordinator] start change bus")
	}

	return &Coordinator{
		processID: processID,
		bus:       bus,
		gate:      refresh.NewGate(settings.cooldown, refresh.WithGateNowFunc(settings.nowFunc)),
		logger:    logger.With().Str("component", "coordinator").Logger(),
	}, nil
}

// ProcessID returns this process's identity on the change bus.
func (c *Coordinator) ProcessID() string {
	return c.processID
}

// Bus returns the shared change bus.
func (c *Coordinator) Bus() *syncbus.Bus {
	return c.bus
}

// Gate returns the shared renewal gate.
func (c *Coordinator) Gate() *refresh.Gate {
	return c.gate
}

// ClaimPrimary designates the first claimant as the process's primary
// instance and reports whether id now holds the designation. Claims are
// idempotent for the holder.
func (c *Coordinator) ClaimPrimary(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == "" {
		c.primary = id
		c.logger.Debug().Str("instance", id).Msg("primary instance designated")
	}
	return c.primary == id
}

// ResignPrimary releases the designation if id holds it. The next claimant
// becomes primary.
func (c *Coordinator) ResignPrimary(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primary == id {
		c.primary = ""
	}
}

// TryOpenPrompt admits one open conflict prompt per process and reports
// whether id may show it.
func (c *Coordinator) TryOpenPrompt(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompt == "" {
		c.prompt = id
		c.logger.Debug().Str("instance", id).Msg("conflict prompt opened")
	}
	return c.prompt == id
}

// ClosePrompt releases the prompt if id holds it.
func (c *Coordinator) ClosePrompt(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.prompt == id {
		c.prompt = ""
	}
}

// Close shuts the shared bus down.
func (c *Coordinator) Close() error {
	return c.bus.Close()
}
