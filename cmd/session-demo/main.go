package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/jrsteele09/go-fit-session/gateway"
	"github.com/jrsteele09/go-fit-session/gateway/gatewayfakes"
	"github.com/jrsteele09/go-fit-session/identity"
	"github.com/jrsteele09/go-fit-session/identity/identityfakes"
	"github.com/jrsteele09/go-fit-session/internal/config"
	"github.com/jrsteele09/go-fit-session/profile"
	"github.com/jrsteele09/go-fit-session/reconcile"
	"github.com/jrsteele09/go-fit-session/refresh"
	"github.com/jrsteele09/go-fit-session/session"
	"github.com/jrsteele09/go-fit-session/storage"
	"github.com/jrsteele09/go-fit-session/store"
	"github.com/jrsteele09/go-fit-session/syncbus"
)

func main() {
	for {
		if err := run(); err != nil {
			log.Fatalf("Error running session demo: %s\n", err)
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Printf("Session demo stopped\n")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())
	logger := newLogger(c)
	ctx := context.Background()

	kv, coord, err := buildSharedFabric(c, logger)
	if err != nil {
		return fmt.Errorf("shared fabric: %w", err)
	}
	defer func() {
		_ = coord.Close()
		_ = kv.Close()
	}()

	seedMeasurement(ctx, kv, coord, logger)

	provider, err := buildProvider(ctx, c, logger)
	if err != nil {
		return fmt.Errorf("identity provider: %w", err)
	}

	controller, err := session.New(ctx, session.Deps{
		KV:       kv,
		Coord:    coord,
		Gateway:  buildGateway(c, logger),
		Provider: provider,
	}, logger, session.WithSchedulerOptions(
		refresh.WithInterval(c.GetRefreshInterval()),
		refresh.WithExpiryMargin(c.GetExpiryMargin()),
	))
	if err != nil {
		return fmt.Errorf("session controller: %w", err)
	}
	defer controller.Close()
	subscribeEvents(controller)

	if controller.State() == session.StateAuthenticated {
		log.Printf("Session restored from shared storage\n")
	} else if err := controller.SignIn(ctx); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	resolveAnyConflict(ctx, controller)

	log.Printf("Session established, Ctrl+C to stop\n")
	waitForStopSignal()
	log.Printf("Detaching; the session stays in storage for the next run\n")
	return nil
}

func newLogger(c config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if c.GetEnv() == "DEV" {
		level = zerolog.DebugLevel
	}
	if parsed, err := zerolog.ParseLevel(c.GetLogLevel()); err == nil && c.GetLogLevel() != "" {
		level = parsed
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

// buildSharedFabric creates the key-value store and the coordinator all widget
// instances in this process share. With the redis driver one connection backs
// both storage and the cross-process change feed.
func buildSharedFabric(c config.Config, logger zerolog.Logger) (storage.KV, *session.Coordinator, error) {
	cooldown := session.WithCooldown(c.GetRenewalCooldown())

	if c.GetStorageDriver() != storage.DriverRedis {
		kv, err := storage.New(storage.Config{Driver: c.GetStorageDriver(), Namespace: c.GetStorageNamespace()})
		if err != nil {
			return nil, nil, err
		}
		coord, err := session.NewCoordinator(logger, cooldown)
		if err != nil {
			_ = kv.Close()
			return nil, nil, err
		}
		return kv, coord, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     c.GetRedisAddr(),
		Username: c.GetRedisUsername(),
		Password: c.GetRedisPassword(),
		DB:       c.GetRedisDB(),
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}

	kv := storage.NewRedisWithClient(client, c.GetStorageNamespace())
	transport := syncbus.NewRedisTransport(client, c.GetStorageNamespace(), logger)
	coord, err := session.NewCoordinator(logger, cooldown, session.WithRemoteTransport(transport))
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return kv, coord, nil
}

// buildGateway talks to the real profile store when GATEWAY_BASE_URL is set
// and otherwise runs against an in-memory fake, which keeps the demo usable
// without any backend.
func buildGateway(c config.Config, logger zerolog.Logger) gateway.Gateway {
	baseURL := c.GetGatewayBaseURL()
	if baseURL == "" {
		log.Printf("GATEWAY_BASE_URL not set, using the in-memory profile store\n")
		return gatewayfakes.NewFakeGateway()
	}

	opts := []gateway.HTTPOption{
		gateway.WithHTTPClient(&http.Client{Timeout: c.GetGatewayTimeout()}),
	}
	if c.GetTokenURL() != "" {
		opts = append(opts, gateway.WithRefreshEndpoint(c.GetTokenURL(), c.GetClientID()))
	}
	return gateway.NewHTTP(baseURL, c.GetProviderType(), logger, opts...)
}

// buildProvider runs OIDC discovery when OIDC_ISSUER_URL is set and otherwise
// falls back to a fake that signs in instantly.
func buildProvider(ctx context.Context, c config.Config, logger zerolog.Logger) (identity.Provider, error) {
	issuer := c.GetIssuerURL()
	if issuer == "" {
		log.Printf("OIDC_ISSUER_URL not set, using the fake identity provider\n")
		return identityfakes.NewFakeProvider(), nil
	}

	oidcCfg, err := identity.Discover(ctx, issuer, c.GetClientID(), c.GetClientSecret(), c.GetRedirectURL(), c.GetScopes())
	if err != nil {
		return nil, err
	}
	return identity.NewOIDC(oidcCfg, consoleAuthorize(oidcCfg), logger)
}

// consoleAuthorize is the interactive authorization step for a terminal: the
// user opens the printed URL and pastes the code back.
func consoleAuthorize(oidcCfg identity.OIDCConfig) identity.AuthorizeFunc {
	return func(ctx context.Context) (identity.Grant, error) {
		fmt.Printf("Open this URL to sign in:\n\n  %s\n\nPaste the returned code: ", oidcCfg.OAuth2Config.AuthCodeURL("session-demo"))
		code, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return identity.Grant{}, err
		}
		return identity.Grant{Code: strings.TrimSpace(code)}, nil
	}
}

// seedMeasurement plants a locally captured measurement before sign-in, the
// way the widget's measuring flow would, so the reconciliation paths have
// something to work with. Controlled by MEASURE_HEIGHT, MEASURE_WEIGHT and
// MEASURE_GENDER.
func seedMeasurement(ctx context.Context, kv storage.KV, coord *session.Coordinator, logger zerolog.Logger) {
	height, herr := strconv.ParseFloat(os.Getenv("MEASURE_HEIGHT"), 64)
	weight, werr := strconv.ParseFloat(os.Getenv("MEASURE_WEIGHT"), 64)
	if herr != nil || werr != nil {
		return
	}

	m := profile.Measurement{Height: height, Weight: weight}
	if g := profile.Gender(os.Getenv("MEASURE_GENDER")); g.Valid() {
		m.Gender = g
	}

	st := store.New(kv, coord.Bus(), "demo-capture", logger)
	if err := st.SetLocalMeasurement(ctx, m); err != nil {
		log.Printf("Seeding measurement failed: %s\n", err)
		return
	}
	log.Printf("Seeded local measurement %.0fcm / %.1fkg\n", m.Height, m.Weight)
}

func subscribeEvents(c *session.Controller) {
	ev := c.Events()
	_ = ev.Subscribe(session.EventAuthenticated, func(e session.AuthenticatedEvent) {
		log.Printf("[event] authenticated (%s credential)\n", e.Kind)
	})
	_ = ev.Subscribe(session.EventUnauthenticated, func(e session.UnauthenticatedEvent) {
		log.Printf("[event] unauthenticated: %s\n", e.Reason)
	})
	_ = ev.Subscribe(session.EventExpired, func(e session.ExpiredEvent) {
		log.Printf("[event] session expired: %s\n", e.Reason)
	})
	_ = ev.Subscribe(session.EventProfileUpdated, func(e session.ProfileUpdatedEvent) {
		if e.Snapshot == nil {
			log.Printf("[event] profile removed\n")
			return
		}
		log.Printf("[event] profile updated, %d slot(s), default %q\n", len(e.Snapshot.Slots), e.Snapshot.DefaultSlot)
	})
	_ = ev.Subscribe(session.EventReconcilePrompt, func(e session.ReconcilePromptEvent) {
		log.Printf("[event] measurement conflict on %s: local %.0f/%.1f vs remote %.0f/%.1f\n",
			e.SlotKey, e.Local.Height, e.Local.Weight, e.Remote.Height, e.Remote.Weight)
	})
	_ = ev.Subscribe(session.EventReconcileResolved, func(e session.ReconcileResolvedEvent) {
		log.Printf("[event] conflict resolved: %s\n", e.Choice)
	})
}

// resolveAnyConflict answers a pending measurement conflict with the
// CONFLICT_CHOICE env value, defaulting to the local side.
func resolveAnyConflict(ctx context.Context, c *session.Controller) {
	if _, ok := c.Conflict(); !ok {
		return
	}

	choice := reconcile.ChoiceUseLocal
	if strings.EqualFold(os.Getenv("CONFLICT_CHOICE"), "remote") {
		choice = reconcile.ChoiceUseRemote
	}
	if err := c.ResolveConflict(ctx, choice); err != nil {
		log.Printf("Resolving conflict failed: %s\n", err)
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
