package syncbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-fit-session/syncbus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	changes []syncbus.Change
}

func (r *recorder) handle(change syncbus.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *recorder) snapshot() []syncbus.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]syncbus.Change, len(r.changes))
	copy(out, r.changes)
	return out
}

func TestLocalDelivery(t *testing.T) {
	ctx := context.Background()
	bus, err := syncbus.New("process-1", zerolog.Nop())
	require.NoError(t, err)

	writer := &recorder{}
	sibling := &recorder{}
	require.NoError(t, bus.Subscribe("instance-a", writer.handle))
	require.NoError(t, bus.Subscribe("instance-b", sibling.handle))

	bus.Publish(ctx, syncbus.SetChange("auth.credential", "token-1", "instance-a"))

	require.Empty(t, writer.snapshot(), "writers must not hear their own writes")

	got := sibling.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, "auth.credential", got[0].Key)
	require.NotNil(t, got[0].Value)
	require.Equal(t, "token-1", *got[0].Value)
	require.Equal(t, "instance-a", got[0].Origin)
	require.Equal(t, "process-1", got[0].Process)
}

func TestDeliveryOrder(t *testing.T) {
	ctx := context.Background()
	bus, err := syncbus.New("process-1", zerolog.Nop())
	require.NoError(t, err)

	observer := &recorder{}
	require.NoError(t, bus.Subscribe("instance-b", observer.handle))

	bus.Publish(ctx, syncbus.SetChange("auth.credential", "token-1", "instance-a"))
	bus.Publish(ctx, syncbus.SetChange("auth.credential", "token-2", "instance-a"))
	bus.Publish(ctx, syncbus.DeleteChange("auth.credential", "instance-a"))

	got := observer.snapshot()
	require.Len(t, got, 3)
	require.Equal(t, "token-1", *got[0].Value)
	require.Equal(t, "token-2", *got[1].Value)
	require.True(t, got[2].Deleted())
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	bus, err := syncbus.New("process-1", zerolog.Nop())
	require.NoError(t, err)

	observer := &recorder{}
	require.NoError(t, bus.Subscribe("instance-b", observer.handle))

	t.Run("duplicate id rejected", func(t *testing.T) {
		require.ErrorIs(t, bus.Subscribe("instance-b", observer.handle), syncbus.ErrAlreadySubscribed)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		bus.Unsubscribe("instance-b")
		bus.Publish(ctx, syncbus.SetChange("auth.credential", "token-1", "instance-a"))
		require.Empty(t, observer.snapshot())
	})

	t.Run("unsubscribing an unknown id is a no-op", func(t *testing.T) {
		bus.Unsubscribe("instance-zz")
	})
}

func TestCrossProcessDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	newBus := func(processID string) (*syncbus.Bus, *redis.Client) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		transport := syncbus.NewRedisTransport(client, "fitsession", zerolog.Nop())
		bus, err := syncbus.New(processID, zerolog.Nop(), syncbus.WithRemote(transport))
		require.NoError(t, err)
		return bus, client
	}

	busA, clientA := newBus("process-a")
	busB, clientB := newBus("process-b")
	t.Cleanup(func() {
		_ = busA.Close()
		_ = busB.Close()
		_ = clientA.Close()
		_ = clientB.Close()
	})

	writer := &recorder{}
	remote := &recorder{}
	require.NoError(t, busA.Subscribe("instance-a", writer.handle))
	require.NoError(t, busB.Subscribe("instance-b", remote.handle))

	busA.Publish(context.Background(), syncbus.SetChange("auth.credential", "token-1", "instance-a"))

	require.Eventually(t, func() bool {
		return len(remote.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond, "change should reach the other process")

	got := remote.snapshot()[0]
	require.Equal(t, "auth.credential", got.Key)
	require.Equal(t, "process-a", got.Process)

	// The writing process must not observe its own broadcast echoed back.
	require.Empty(t, writer.snapshot())
}
