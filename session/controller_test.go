package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-fit-session/credential"
	"github.com/jrsteele09/go-fit-session/gateway"
	"github.com/jrsteele09/go-fit-session/gateway/gatewayfakes"
	"github.com/jrsteele09/go-fit-session/identity/identityfakes"
	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/jrsteele09/go-fit-session/reconcile"
	"github.com/jrsteele09/go-fit-session/session"
	"github.com/jrsteele09/go-fit-session/storage"
	"github.com/jrsteele09/go-fit-session/store"
	"github.com/jrsteele09/go-fit-session/syncbus"
)

type fixture struct {
	kv    storage.KV
	coord *session.Coordinator
	gw    *gatewayfakes.FakeGateway
	prov  *identityfakes.FakeProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()

	kv, err := storage.New(storage.Config{Driver: storage.DriverMemory})
	require.NoError(t, err)
	coord, err := session.NewCoordinator(logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	return &fixture{
		kv:    kv,
		coord: coord,
		gw:    gatewayfakes.NewFakeGateway(),
		prov:  identityfakes.NewFakeProvider(),
	}
}

func (f *fixture) newController(t *testing.T) *session.Controller {
	t.Helper()
	c, err := session.New(context.Background(), session.Deps{
		KV:       f.kv,
		Coord:    f.coord,
		Gateway:  f.gw,
		Provider: f.prov,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// seedStore writes directly to shared storage, the way a different widget
// instance would have.
func (f *fixture) seedStore() *store.Store {
	return store.New(f.kv, nil, "seeder", zerolog.Nop())
}

func snapshotWith(defaultSlot string, slots map[string]profile.Measurement) *profile.Snapshot {
	snap := profile.NewSnapshot()
	snap.DefaultSlot = defaultSlot
	for k, v := range slots {
		snap.Slots[k] = v
	}
	return snap
}

type eventLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *eventLog) add(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *eventLog) count(entry string) int {
	n := 0
	for _, e := range l.all() {
		if e == entry {
			n++
		}
	}
	return n
}

func watch(t *testing.T, ev *session.Events) *eventLog {
	t.Helper()
	l := &eventLog{}
	require.NoError(t, ev.Subscribe(session.EventAuthenticated, func(session.AuthenticatedEvent) { l.add("authenticated") }))
	require.NoError(t, ev.Subscribe(session.EventUnauthenticated, func(e session.UnauthenticatedEvent) { l.add("unauthenticated:" + e.Reason) }))
	require.NoError(t, ev.Subscribe(session.EventExpired, func(session.ExpiredEvent) { l.add("expired") }))
	require.NoError(t, ev.Subscribe(session.EventProfileUpdated, func(session.ProfileUpdatedEvent) { l.add("profile") }))
	require.NoError(t, ev.Subscribe(session.EventReconcilePrompt, func(session.ReconcilePromptEvent) { l.add("prompt") }))
	require.NoError(t, ev.Subscribe(session.EventReconcileResolved, func(session.ReconcileResolvedEvent) { l.add("resolved") }))
	return l
}

func TestSignIn(t *testing.T) {
	f := newFixture(t)
	c := f.newController(t)
	log := watch(t, c.Events())

	require.NoError(t, c.SignIn(context.Background()))

	require.Equal(t, session.StateAuthenticated, c.State())
	cred, ok := c.Credential()
	require.True(t, ok)
	require.Equal(t, credential.KindIdentity, cred.Kind)
	require.Equal(t, 1, log.count("authenticated"))

	stored, ok := f.seedStore().Credential(context.Background())
	require.True(t, ok)
	require.Equal(t, cred, stored)
}

func TestSignInStateGuards(t *testing.T) {
	f := newFixture(t)
	c := f.newController(t)
	ctx := context.Background()

	require.NoError(t, c.SignIn(ctx))
	require.ErrorIs(t, c.SignIn(ctx), session.ErrAlreadySignedIn)
}

func TestSignInWithoutProvider(t *testing.T) {
	f := newFixture(t)
	c, err := session.New(context.Background(), session.Deps{
		KV:      f.kv,
		Coord:   f.coord,
		Gateway: f.gw,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(c.Close)

	require.ErrorIs(t, c.SignIn(context.Background()), session.ErrProviderRequired)
}

func TestSignInProviderFailure(t *testing.T) {
	f := newFixture(t)
	f.prov.FailSignInWith(errors.New("user dismissed the dialog"))
	c := f.newController(t)
	log := watch(t, c.Events())

	err := c.SignIn(context.Background())
	require.Error(t, err)
	require.Equal(t, session.StateUnauthenticated, c.State())
	require.Equal(t, 1, log.count("unauthenticated:"+session.ReasonSignInFailed))

	_, ok := f.seedStore().Credential(context.Background())
	require.False(t, ok)
}

func TestSignInRejectedCredentialClearsEverything(t *testing.T) {
	f := newFixture(t)
	f.prov.Returns(credential.NewAccess("access-1", ""), credential.TokenInfo{Lifetime: 2 * time.Hour})
	f.gw.FailExchangeWith(gateway.ErrUnauthorized)
	c := f.newController(t)
	log := watch(t, c.Events())

	err := c.SignIn(context.Background())
	require.ErrorIs(t, err, gateway.ErrUnauthorized)
	require.Equal(t, session.StateUnauthenticated, c.State())
	require.Equal(t, 1, log.count("unauthenticated:"+session.ReasonSignInFailed))

	st := f.seedStore()
	_, ok := st.Credential(context.Background())
	require.False(t, ok)
	_, ok = st.ProfileSnapshot(context.Background())
	require.False(t, ok)
}

func TestSignInRetriesOnceAfterRefresh(t *testing.T) {
	f := newFixture(t)
	f.prov.Returns(credential.NewAccess("access-1", "refresh-1"), credential.TokenInfo{Lifetime: 2 * time.Hour})
	f.gw.FailNextExchangeWith(gateway.ErrUnauthorized)
	c := f.newController(t)

	require.NoError(t, c.SignIn(context.Background()))

	calls := f.gw.Calls()
	require.Equal(t, 2, calls.Exchange)
	require.Equal(t, 1, calls.Refresh)

	cred, ok := c.Credential()
	require.True(t, ok)
	require.Equal(t, "renewed-access-token", cred.Token)
}

func TestSignInRetryIsBounded(t *testing.T) {
	f := newFixture(t)
	f.prov.Returns(credential.NewAccess("access-1", "refresh-1"), credential.TokenInfo{Lifetime: 2 * time.Hour})
	f.gw.FailExchangeWith(gateway.ErrUnauthorized)
	c := f.newController(t)

	err := c.SignIn(context.Background())
	require.ErrorIs(t, err, gateway.ErrUnauthorized)

	calls := f.gw.Calls()
	require.Equal(t, 2, calls.Exchange)
	require.Equal(t, 1, calls.Refresh)
	require.Equal(t, session.StateUnauthenticated, c.State())
}

func TestSignInRunsReconciliation(t *testing.T) {
	f := newFixture(t)
	st := f.seedStore()
	require.NoError(t, st.SetLocalMeasurement(context.Background(), profile.Measurement{Height: 170, Weight: 65, Gender: profile.GenderFemale}))
	c := f.newController(t)

	require.NoError(t, c.SignIn(context.Background()))

	updates := f.gw.Updates()
	require.Len(t, updates, 1)
	require.Equal(t, "bodyF", updates[0].SlotKey)

	_, ok := st.LocalMeasurement(context.Background())
	require.False(t, ok)

	snap := c.Snapshot()
	require.NotNil(t, snap)
	m, ok := snap.SlotFor(profile.GenderFemale)
	require.True(t, ok)
	require.Equal(t, 170.0, m.Height)
}

func TestSignInConflict(t *testing.T) {
	newConflicted := func(t *testing.T) (*fixture, *session.Controller, *eventLog) {
		t.Helper()
		f := newFixture(t)
		f.gw.SetSnapshot(snapshotWith("bodyF", map[string]profile.Measurement{
			"bodyF": {Height: 160, Weight: 55},
		}))
		require.NoError(t, f.seedStore().SetLocalMeasurement(context.Background(), profile.Measurement{Height: 170, Weight: 65, Gender: profile.GenderFemale}))

		c := f.newController(t)
		log := watch(t, c.Events())
		require.NoError(t, c.SignIn(context.Background()))
		return f, c, log
	}

	t.Run("sign-in completes with the conflict pending", func(t *testing.T) {
		_, c, log := newConflicted(t)
		require.Equal(t, session.StateAuthenticated, c.State())
		require.Equal(t, 1, log.count("prompt"))

		conflict, ok := c.Conflict()
		require.True(t, ok)
		require.Equal(t, "bodyF", conflict.SlotKey)
	})

	t.Run("use-remote adopts the remote measurement", func(t *testing.T) {
		f, c, log := newConflicted(t)
		ctx := context.Background()

		require.NoError(t, c.ResolveConflict(ctx, reconcile.ChoiceUseRemote))
		require.Equal(t, 1, log.count("resolved"))
		_, ok := c.Conflict()
		require.False(t, ok)

		m, ok := f.seedStore().LocalMeasurement(ctx)
		require.True(t, ok)
		require.Equal(t, profile.Measurement{Height: 160, Weight: 55, Gender: profile.GenderFemale}, m)
		require.Zero(t, f.gw.Calls().UpdateSlot)
	})

	t.Run("use-local uploads over the remote slot", func(t *testing.T) {
		f, c, _ := newConflicted(t)
		ctx := context.Background()

		require.NoError(t, c.ResolveConflict(ctx, reconcile.ChoiceUseLocal))

		remote, ok := f.gw.Snapshot().SlotFor(profile.GenderFemale)
		require.True(t, ok)
		require.Equal(t, 170.0, remote.Height)
		_, ok = f.seedStore().LocalMeasurement(ctx)
		require.False(t, ok)
	})

	t.Run("resolving without a conflict", func(t *testing.T) {
		f := newFixture(t)
		c := f.newController(t)
		require.NoError(t, c.SignIn(context.Background()))
		require.ErrorIs(t, c.ResolveConflict(context.Background(), reconcile.ChoiceUseLocal), session.ErrNoConflict)
	})

	t.Run("rejected credential during resolution ends the session", func(t *testing.T) {
		f, c, log := newConflicted(t)
		f.gw.FailUpdateWith(gateway.ErrUnauthorized)

		err := c.ResolveConflict(context.Background(), reconcile.ChoiceUseLocal)
		require.ErrorIs(t, err, gateway.ErrUnauthorized)
		require.Equal(t, session.StateUnauthenticated, c.State())
		require.Equal(t, 1, log.count("expired"))

		_, ok := f.seedStore().Credential(context.Background())
		require.False(t, ok)
	})
}

func TestSignOut(t *testing.T) {
	t.Run("revokes and clears", func(t *testing.T) {
		f := newFixture(t)
		c := f.newController(t)
		log := watch(t, c.Events())
		ctx := context.Background()

		require.NoError(t, c.SignIn(ctx))
		require.NoError(t, c.SignOut(ctx))

		require.Equal(t, session.StateUnauthenticated, c.State())
		require.Equal(t, 1, f.prov.Calls().SignOut)
		require.Equal(t, 1, log.count("unauthenticated:"+session.ReasonSignedOut))

		_, ok := f.seedStore().Credential(ctx)
		require.False(t, ok)
	})

	t.Run("clears even when revocation fails", func(t *testing.T) {
		f := newFixture(t)
		f.prov.FailSignOutWith(errors.New("provider offline"))
		c := f.newController(t)
		ctx := context.Background()

		require.NoError(t, c.SignIn(ctx))
		require.NoError(t, c.SignOut(ctx))

		_, ok := f.seedStore().Credential(ctx)
		require.False(t, ok)
	})

	t.Run("without a session", func(t *testing.T) {
		f := newFixture(t)
		c := f.newController(t)
		require.ErrorIs(t, c.SignOut(context.Background()), session.ErrNotSignedIn)
	})
}

func TestRestoreFromStore(t *testing.T) {
	f := newFixture(t)
	c1 := f.newController(t)
	require.NoError(t, c1.SignIn(context.Background()))
	exchanges := f.gw.Calls().Exchange

	c2 := f.newController(t)
	require.Equal(t, session.StateAuthenticated, c2.State())

	cred1, _ := c1.Credential()
	cred2, ok := c2.Credential()
	require.True(t, ok)
	require.Equal(t, cred1, cred2)

	// The restore is purely local; only the primary re-fetches.
	require.Equal(t, exchanges, f.gw.Calls().Exchange)
	require.True(t, c1.IsPrimary())
	require.False(t, c2.IsPrimary())
}

func TestPrimaryBootstrap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	st := f.seedStore()
	require.NoError(t, st.SetCredential(ctx, credential.NewAccess("access-1", "refresh-1"), credential.TokenInfo{IssuedAt: time.Now(), Lifetime: 2 * time.Hour}))

	remote := snapshotWith("bodyM", map[string]profile.Measurement{
		"bodyM": {Height: 181, Weight: 81},
	})
	f.gw.SetSnapshot(remote)

	c := f.newController(t)
	require.Equal(t, session.StateAuthenticated, c.State())

	require.Eventually(t, func() bool {
		return f.gw.Calls().Exchange == 1
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		m, ok := st.LocalMeasurement(ctx)
		return ok && m.Gender == profile.GenderMale && m.Height == 181
	}, time.Second, 5*time.Millisecond)

	require.True(t, remote.Equal(c.Snapshot()))
}

func TestControllersConverge(t *testing.T) {
	f := newFixture(t)
	c1 := f.newController(t)
	c2 := f.newController(t)
	log2 := watch(t, c2.Events())
	ctx := context.Background()

	require.NoError(t, c1.SignIn(ctx))

	// Change delivery is synchronous in-process: by the time SignIn returns,
	// the sibling has adopted the session.
	require.Equal(t, session.StateAuthenticated, c2.State())
	require.Equal(t, 1, log2.count("authenticated"))

	cred1, _ := c1.Credential()
	cred2, ok := c2.Credential()
	require.True(t, ok)
	require.Equal(t, cred1.Token, cred2.Token)

	t.Run("duplicate delivery changes nothing", func(t *testing.T) {
		f.coord.Bus().Publish(ctx, syncbus.SetChange(store.KeyCredential, cred1.Token, "some-other-instance"))
		require.Equal(t, 1, log2.count("authenticated"))
		require.Equal(t, session.StateAuthenticated, c2.State())
	})

	t.Run("sign-out propagates", func(t *testing.T) {
		require.NoError(t, c1.SignOut(ctx))
		require.Equal(t, session.StateUnauthenticated, c2.State())
		require.Equal(t, 1, log2.count("unauthenticated:"+session.ReasonSignedOutElsewhere))
	})
}

func TestClosedController(t *testing.T) {
	f := newFixture(t)
	c1 := f.newController(t)
	c2 := f.newController(t)
	ctx := context.Background()

	c2.Close()
	require.ErrorIs(t, c2.SignIn(ctx), session.ErrClosed)
	require.ErrorIs(t, c2.SignOut(ctx), session.ErrClosed)
	require.ErrorIs(t, c2.ResolveConflict(ctx, reconcile.ChoiceUseLocal), session.ErrClosed)

	require.NoError(t, c1.SignIn(ctx))
	require.Equal(t, session.StateUnauthenticated, c2.State())
}

func TestEventsUnsubscribe(t *testing.T) {
	f := newFixture(t)
	c := f.newController(t)
	ctx := context.Background()

	log := &eventLog{}
	onAuth := func(session.AuthenticatedEvent) { log.add("authenticated") }
	require.NoError(t, c.Events().Subscribe(session.EventAuthenticated, onAuth))

	require.NoError(t, c.SignIn(ctx))
	require.Equal(t, 1, log.count("authenticated"))

	require.NoError(t, c.Events().Unsubscribe(session.EventAuthenticated, onAuth))
	require.NoError(t, c.SignOut(ctx))
	require.NoError(t, c.SignIn(ctx))
	require.Equal(t, 1, log.count("authenticated"))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "unauthenticated", session.StateUnauthenticated.String())
	require.Equal(t, "authenticating", session.StateAuthenticating.String())
	require.Equal(t, "authenticated", session.StateAuthenticated.String())
	require.Equal(t, "expiring", session.StateExpiring.String())
}
