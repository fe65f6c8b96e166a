package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Avicted/murmur/internal/auth"
	"github.com/Avicted/murmur/internal/config"
	"github.com/Avicted/murmur/internal/crypto"
	"github.com/Avicted/murmur/internal/httpapi"
	"github.com/Avicted/murmur/internal/message"
	"github.com/Avicted/murmur/internal/metrics"
	"github.com/Avicted/murmur/internal/presence"
	"github.com/Avicted/murmur/internal/relay"
	"github.com/Avicted/murmur/internal/securelog"
	"github.com/Avicted/murmur/internal/securestore"
	"github.com/Avicted/murmur/internal/session"
	"github.com/Avicted/murmur/internal/storage"
	"github.com/Avicted/murmur/internal/user"
)

// stageError names the startup step that failed. Only the stage is printed
// in the clear; the cause goes to the sealed log once the key is loaded.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func fail(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return "server error"
}

// sealedError marks a failure already written to the sealed log.
type sealedError struct{ err error }

func (e *sealedError) Error() string { return e.err.Error() }
func (e *sealedError) Unwrap() error { return e.err }

// report prints the stage of failures that happen before the master key is
// loaded. Anything later is in the sealed log and gets a fixed line.
func report(w io.Writer, err error) {
	if err == nil {
		return
	}
	l := log.New(w, "", log.LstdFlags)
	var sealed *sealedError
	if errors.As(err, &sealed) {
		l.Print("fatal: server error (see sealed log)")
		return
	}
	l.Printf("fatal: %s", stageOf(err))
}

func main() {
	if err := run(os.Stderr); err != nil {
		report(os.Stderr, err)
		os.Exit(1)
	}
}

// core carries what run builds before the store exists.
type core struct {
	engine *crypto.Engine
	box    *securestore.Box
	secure *securelog.Logger
	logger *slog.Logger
}

func run(logOut io.Writer) (err error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fail("config load failed", err)
	}
	if err := cfg.Validate(); err != nil {
		return fail("config invalid", err)
	}

	rt, err := newCore(cfg, logOut)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			rt.secure.Error("server.run", err)
			err = &sealedError{err: err}
		}
	}()

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.NewPostgresStore(storeCtx, cfg.DBURL)
	if err != nil {
		return fail("init store", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, rt, store)
}

// newCore initialises the crypto engine before anything else can log or
// touch storage.
func newCore(cfg config.Config, logOut io.Writer) (core, error) {
	prim, err := crypto.Init()
	if err != nil {
		return core{}, fail("crypto init", err)
	}
	box, err := securestore.NewBox(cfg.MasterKey)
	if err != nil {
		return core{}, fail("crypto init", err)
	}
	engine, err := crypto.NewEngine(prim, box)
	if err != nil {
		return core{}, fail("crypto init", err)
	}
	secure := securelog.New(box, logOut)
	return core{
		engine: engine,
		box:    box,
		secure: secure,
		logger: securelog.NewSlog(secure, securelog.ParseLevel(cfg.LogLevel)),
	}, nil
}

func serve(ctx context.Context, cfg config.Config, rt core, store storage.Store) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fail("run migrations", err)
	}

	history := store.PresenceHistory()
	if cfg.PresenceHistoryDir != "" {
		pebbleHistory, err := storage.OpenPebbleHistory(cfg.PresenceHistoryDir)
		if err != nil {
			return fail("open presence history", err)
		}
		defer pebbleHistory.Close()
		history = pebbleHistory
	}

	m := metrics.New()
	users := user.NewService(store.Users(), rt.engine)
	sessions := session.NewService(store.Sessions(), rt.box, cfg.SessionTTL)
	messages := message.NewService(store.Messages(), rt.engine)
	pres := presence.NewService(history, cfg.PresenceTimeout)
	authService := auth.NewService(users, sessions, rt.engine)

	if cfg.SessionSweepCron != "" {
		sweeper, err := session.NewSweeper(sessions, cfg.SessionSweepCron, rt.logger)
		if err != nil {
			return fail("session sweeper", err)
		}
		sweeper.OnSweep = m.SessionsSwept
		go sweeper.Run(ctx)
	}
	go prunePresence(ctx, pres, cfg.PresenceTimeout, rt.logger)

	hub := relay.NewHub(authService, pres, m, rt.logger)
	go hub.Run(ctx)

	var health httpapi.Pinger
	if p, ok := store.(httpapi.Pinger); ok {
		health = p
	}
	api := httpapi.NewHandler(httpapi.Deps{
		Auth:        authService,
		Users:       users,
		Messages:    messages,
		Presence:    pres,
		Relay:       http.HandlerFunc(hub.HandleWS),
		Connections: hub,
		Health:      health,
		Metrics:     m,
		Errors:      rt.secure,
		Limiter:     httpapi.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		LoginSecret: cfg.LoginSecret,
	})

	// No read/write timeouts: relay connections are long-lived once hijacked.
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			rt.logger.Info("listening", "addr", cfg.ListenAddr, "tls", true)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}
		rt.logger.Info("listening", "addr", cfg.ListenAddr, "tls", false)
		errCh <- srv.ListenAndServe()
	}()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fail("server failed", err)
	}
	rt.logger.Info("server stopped")
	return nil
}

func prunePresence(ctx context.Context, pres *presence.Service, every time.Duration, logger *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := pres.Prune(); n > 0 {
				logger.Debug("presence_pruned", "removed", n)
			}
		}
	}
}
