// Package syncbus fans storage change notifications out to every widget
// instance except the one that performed the write. In-process instances are
// reached synchronously through an event bus; instances in other processes
// are reached through an optional remote transport. Writers never hear their
// own writes, which is what keeps mutual notification loops from forming.
package syncbus

import (
	"context"
	"errors"
	"sync"

	evbus "github.com/asaskevich/EventBus"
	"github.com/rs/zerolog"
)

const topicChange = "storage:change"

var ErrAlreadySubscribed = errors.New("subscriber id already registered")

// Change describes one storage mutation. Value is nil for deletions. Origin
// identifies the writing instance, Process the writing process; both are used
// only for echo suppression, never for addressing.
type Change struct {
	Key     string  `json:"key"`
	Value   *string `json:"value"`
	Origin  string  `json:"origin"`
	Process string  `json:"process"`
}

// SetChange builds the notification for a write of key.
func SetChange(key, value, origin string) Change {
	return Change{Key: key, Value: &value, Origin: origin}
}

// DeleteChange builds the notification for a removal of key.
func DeleteChange(key, origin string) Change {
	return Change{Key: key, Origin: origin}
}

// Deleted reports whether the change removed the key.
func (c Change) Deleted() bool {
	return c.Value == nil
}

// Handler receives change notifications. Handlers run synchronously on the
// publishing goroutine for local changes and on the transport's goroutine for
// remote ones; successive notifications arrive in publish order.
type Handler func(Change)

// RemoteTransport carries changes across process boundaries.
type RemoteTransport interface {
	Broadcast(ctx context.Context, change Change) error
	Start(deliver func(Change)) error
	Close() error
}

// Bus is one process's view of the notification fabric. All instances in a
// process share a single Bus.
type Bus struct {
	processID string
	events    evbus.Bus
	remote    RemoteTransport
	logger    zerolog.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	order    []string
}

// Option configures a Bus.
type Option func(*Bus)

// WithRemote attaches a cross-process transport. The transport is started
// immediately and closed with the bus.
func WithRemote(rt RemoteTransport) Option {
	return func(b *Bus) { b.remote = rt }
}

// New constructs a Bus for the given process identity.
func New(processID string, logger zerolog.Logger, opts ...Option) (*Bus, error) {
	b := &Bus{
		processID: processID,
		events:    evbus.New(),
		logger:    logger.With().Str("component", "syncbus").Logger(),
		handlers:  make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.events.Subscribe(topicChange, b.dispatch); err != nil {
		return nil, err
	}
	if b.remote != nil {
		if err := b.remote.Start(b.deliverRemote); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Subscribe registers an instance's handler. The id must match the origin the
// instance stamps on its own writes, since that is the filter key.
func (b *Bus) Subscribe(id string, fn Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.handlers[id]; exists {
		return ErrAlreadySubscribed
	}
	b.handlers[id] = fn
	b.order = append(b.order, id)
	return nil
}

// Unsubscribe removes an instance's handler. Safe to call for ids that were
// never subscribed. A change already being dispatched may still reach the
// handler once.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; !ok {
		return
	}
	delete(b.handlers, id)
	for i, existing := range b.order {
		if existing == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// dispatch fans one change out to the subscribers in subscription order,
// skipping the instance that wrote it.
func (b *Bus) dispatch(change Change) {
	b.mu.Lock()
	ids := make([]string, len(b.order))
	copy(ids, b.order)
	handlers := make([]Handler, len(ids))
	for i, id := range ids {
		handlers[i] = b.handlers[id]
	}
	b.mu.Unlock()

	for i, id := range ids {
		if change.Origin == id && change.Process == b.processID {
			continue
		}
		handlers[i](change)
	}
}

// Publish stamps the change with this process's identity, delivers it to
// every local instance except the origin, and broadcasts it to other
// processes. Remote delivery is best effort; local delivery is not allowed
// to fail.
func (b *Bus) Publish(ctx context.Context, change Change) {
	change.Process = b.processID
	b.events.Publish(topicChange, change)

	if b.remote == nil {
		return
	}
	if err := b.remote.Broadcast(ctx, change); err != nil {
		b.logger.Warn().Err(err).Str("key", change.Key).Msg("remote broadcast failed")
	}
}

// deliverRemote feeds transport messages into the local fan-out. Changes that
// originated in this process already reached local subscribers at publish
// time, so their echoes are dropped.
func (b *Bus) deliverRemote(change Change) {
	if change.Process == b.processID {
		return
	}
	b.events.Publish(topicChange, change)
}

// Close shuts down the remote transport, if any.
func (b *Bus) Close() error {
	if b.remote == nil {
		return nil
	}
	return b.remote.Close()
}
