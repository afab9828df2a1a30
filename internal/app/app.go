// Package app wires the core together: config, store, presence registry,
// unread engine, fanout router, notification dispatcher, reconcile sweeper
// and the HTTP server, with one lifecycle entry point.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"chatrelay/internal/reconcile"
	"chatrelay/pkg/bridge"
	"chatrelay/pkg/config"
	"chatrelay/pkg/fanout"
	"chatrelay/pkg/logger"
	"chatrelay/pkg/notify"
	"chatrelay/pkg/presence"
	"chatrelay/pkg/store"
	"chatrelay/pkg/unread"
)

// App encapsulates the server components and lifecycle.
type App struct {
	cfg     *config.Config
	addr    string
	dbPath  string
	version string

	registry   *presence.Registry
	engine     *unread.Engine
	router     *fanout.Router
	dispatcher *notify.Dispatcher
	mirror     *bridge.AMQP

	srv *http.Server
}

// New initializes resources that do not require a running context: runtime
// keys, the store and the core component graph. Call Run to start the
// schedulers and the HTTP server.
func New(cfg *config.Config, addr, dbPath, version string) (*App, error) {
	_ = godotenv.Load(".env")

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	runtimeCfg := &config.RuntimeConfig{BackendKeys: map[string]struct{}{}, SigningKeys: map[string]struct{}{}}
	for _, k := range cfg.Security.APIKeys.Backend {
		runtimeCfg.BackendKeys[k] = struct{}{}
		runtimeCfg.SigningKeys[k] = struct{}{}
	}
	config.SetRuntime(runtimeCfg)

	if err := store.Open(dbPath); err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dbPath, err)
	}

	a := &App{cfg: cfg, addr: addr, dbPath: dbPath, version: version}
	a.registry = presence.NewRegistry()
	a.engine = unread.NewEngine(unread.StoreGateway{})

	if cfg.Bridge.Enabled {
		m, err := bridge.Dial(cfg.Bridge.URL, exchangeOrDefault(cfg.Bridge.Exchange))
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("bridge dial failed: %w", err)
		}
		a.mirror = m
	}

	// fanout.Publisher is an interface; a typed-nil *bridge.AMQP must not
	// reach the router
	var pub fanout.Publisher
	if a.mirror != nil {
		pub = a.mirror
	}
	a.router = fanout.NewRouter(a.registry, a.engine, pub)

	var npub notify.Publisher
	if a.mirror != nil {
		npub = a.mirror
	}
	a.dispatcher = notify.NewDispatcher(a.registry, npub)
	return a, nil
}

func exchangeOrDefault(name string) string {
	if name == "" {
		return "chatrelay.events"
	}
	return name
}

// Run starts the reconcile sweeper and the HTTP server, and blocks until ctx
// is canceled or a fatal server error occurs.
func (a *App) Run(ctx context.Context) error {
	sweeper := reconcile.NewSweeper(a.cfg.Reconcile, a.registry, a.engine, a.dispatcher, a.router)
	stopSweep, err := sweeper.Start(ctx)
	if err != nil {
		return err
	}
	defer stopSweep()

	a.printBanner()
	errCh := a.startHTTP()

	select {
	case <-ctx.Done():
		a.stop()
		return nil
	case err := <-errCh:
		a.stop()
		return err
	}
}

func (a *App) stop() {
	if a.srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.srv.Shutdown(shutdownCtx)
	}
	if a.mirror != nil {
		_ = a.mirror.Close()
	}
	if err := store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
	}
}

func (a *App) printBanner() {
	ver := a.version
	if ver == "" {
		ver = "dev"
	}
	logger.Info("chatrelay_starting", "version", ver, "addr", a.addr, "db", a.dbPath,
		"reconcile", a.cfg.Reconcile.Enabled, "bridge", a.cfg.Bridge.Enabled)
}
