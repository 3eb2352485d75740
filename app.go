package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/swiftshield-sync/internal/api"
	"github.com/Martian-dev/swiftshield-sync/internal/auth"
	"github.com/Martian-dev/swiftshield-sync/internal/backend"
	"github.com/Martian-dev/swiftshield-sync/internal/config"
	"github.com/Martian-dev/swiftshield-sync/internal/events"
	"github.com/Martian-dev/swiftshield-sync/internal/logging"
	natsjs "github.com/Martian-dev/swiftshield-sync/internal/nats"
	"github.com/Martian-dev/swiftshield-sync/internal/providers/gmail"
	"github.com/Martian-dev/swiftshield-sync/internal/scan"
	"github.com/Martian-dev/swiftshield-sync/internal/store"
	"github.com/Martian-dev/swiftshield-sync/internal/sync"
)

// app holds the opened stores; everything else is built per command.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	db    *store.SQLite // nil with store.driver=memory
	creds *store.CredentialStore
}

func openApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	var kv store.KV
	switch cfg.Store.Driver {
	case "memory":
		kv = store.NewMemory()
	case "keyring":
		ring, err := store.OpenKeyring(cfg.Store.KeyringService, filepath.Dir(cfg.Store.Path), cfg.Store.KeyringPassphrase)
		if err != nil {
			return nil, err
		}
		kv = ring
		// the detection log and sync status still live in sqlite
		db, err := store.OpenSQLite("sqlite", cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.db = db
	default:
		db, err := store.OpenSQLite(cfg.Store.Driver, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		a.db = db
		kv = db
	}

	a.creds = store.NewCredentialStore(kv)
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error().Err(err).Msg("close store")
		}
	}
}

func (a *app) serve(ctx context.Context, monitor bool) error {
	cfg := a.cfg

	bus := events.NewBus(logging.Component(a.log, "events"))
	if a.db != nil {
		bus.AddRecorder(a.db)
	}
	if cfg.NATS.URL != "" {
		pub, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logging.Component(a.log, "nats"))
		if err != nil {
			a.log.Warn().Err(err).Msg("nats sink disabled")
		} else {
			bus.AddSink(pub)
			defer pub.Close()
		}
	}

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Timeout, logging.Component(a.log, "backend"))
	tokens := auth.NewTokenManager(a.creds, client, bus, logging.Component(a.log, "tokens"))

	runner := &sync.Runner{
		Credentials: tokens,
		Cursors:     a.creds,
		History:     sync.NewHistoryEngine(a.creds, cfg.History.PageSize, logging.Component(a.log, "history")),
		Providers:   gmail.Factory(),
		Dispatcher:  scan.NewDispatcher(client, bus, logging.Component(a.log, "scan")),
		Log:         logging.Component(a.log, "runner"),
	}
	if a.db != nil {
		runner.Status = a.db
	}

	sched := sync.NewScheduler(runner, cfg.Poll.InitialDelay, cfg.Poll.Interval, logging.Component(a.log, "scheduler"))
	defer sched.Stop()

	deps := api.Deps{
		Monitor: sched,
		Linker:  a.creds,
		Tokens:  tokens,
		Bus:     bus,
		Breaker: client.BreakerState,
		Log:     logging.Component(a.log, "api"),
	}
	if a.db != nil {
		deps.EventLog = a.db
		deps.Status = a.db
	}
	switch {
	case cfg.API.JWKSURL != "":
		v, err := api.NewJWKSVerifier(ctx, cfg.API.JWKSURL)
		if err != nil {
			return err
		}
		deps.Verifier = v
	case cfg.API.JWTSecret != "":
		deps.Verifier = api.NewHMACVerifier(cfg.API.JWTSecret)
	default:
		a.log.Warn().Str("addr", cfg.API.Addr).Msg("control API has no bearer auth configured")
	}

	if monitor {
		sched.Start(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	return api.NewServer(ctx, deps).ListenAndServe(ctx, cfg.API.Addr)
}

func (a *app) printStatus(ctx context.Context, out io.Writer) error {
	cred, err := a.creds.LoadCredential(ctx)
	if err != nil {
		return err
	}
	cursor, err := a.creds.LoadCursor(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "linked: %t\n", cred.Usable())
	fmt.Fprintf(out, "cursor: %s\n", cursor)
	if cred.Usable() && cred.ExpiryMillis > 0 {
		fmt.Fprintf(out, "access token expiry: %s\n", cred.Expiry().UTC().Format("2006-01-02T15:04:05Z"))
	}

	if a.db == nil {
		return nil
	}
	st, err := a.db.LoadSyncStatus(ctx, string(sync.ProviderGmail))
	if err != nil {
		return err
	}
	if st == nil {
		fmt.Fprintln(out, "last sync: never")
		return nil
	}
	fmt.Fprintf(out, "last sync: %s (%s)\n", st.LastSyncedAt.Format("2006-01-02T15:04:05Z"), st.Status)
	if st.LastError != "" {
		fmt.Fprintf(out, "last error: %s (retries: %d)\n", st.LastError, st.RetryCount)
	}
	return nil
}
