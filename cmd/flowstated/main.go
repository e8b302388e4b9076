// Command flowstated hosts workflow components: it loads declarations,
// restores persisted instances, connects the broker and serves the HTTP
// API and WebSocket event feed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fluxorio/flowstate/pkg/broker"
	"github.com/fluxorio/flowstate/pkg/config"
	"github.com/fluxorio/flowstate/pkg/core"
	"github.com/fluxorio/flowstate/pkg/engine"
	"github.com/fluxorio/flowstate/pkg/observability/otel"
	"github.com/fluxorio/flowstate/pkg/persistence"
	"github.com/fluxorio/flowstate/pkg/registry"
	"github.com/fluxorio/flowstate/pkg/web"
	"github.com/fluxorio/flowstate/pkg/web/middleware/auth"
)

func main() {
	configPath := flag.String("config", "", "path to the daemon config file")
	listenAddr := flag.String("listen", "", "override the HTTP listen address")
	wsAddr := flag.String("ws-listen", ":8081", "listen address for the WebSocket event feed")
	flag.Parse()

	logger := core.NewDefaultLogger()
	if err := run(*configPath, *listenAddr, *wsAddr, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr, wsAddr string, logger core.Logger) error {
	ctx := context.Background()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	} else {
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	if err := otel.Initialize(ctx, cfg.Tracing); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer otel.Shutdown(context.Background())

	manager, cleanup, err := buildPersistence(ctx, cfg.Persistence, logger)
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	reg := registry.New(logger)
	defer reg.Close()

	var opts []engine.Option
	opts = append(opts, engine.WithLogger(logger))
	if manager != nil {
		opts = append(opts, engine.WithPersistence(manager))
	}

	for _, path := range cfg.Components {
		component, err := config.LoadComponent(path)
		if err != nil {
			return err
		}
		rt, err := engine.NewRuntime(component, opts...)
		if err != nil {
			return err
		}
		if err := reg.Register(rt); err != nil {
			return err
		}
	}

	if manager != nil && cfg.Persistence.Restore {
		for _, name := range reg.Components() {
			rt, _ := reg.Get(name)
			res, err := rt.Restore(ctx)
			if err != nil {
				return fmt.Errorf("restore %s: %w", name, err)
			}
			sync, err := rt.ResynchronizeTimeouts(ctx)
			if err != nil {
				return fmt.Errorf("resync %s: %w", name, err)
			}
			logger.Infof("component %s: restored %d instances (%d failed), timers synced %d expired %d",
				name, res.Restored, res.Failed, sync.Synced, sync.Expired)
		}
	}

	broadcaster, err := connectBroker(cfg.Broker, reg, logger)
	if err != nil {
		return err
	}
	if broadcaster != nil {
		defer broadcaster.Close()
	}

	feed := web.NewEventFeed(logger)
	for _, name := range reg.Components() {
		rt, _ := reg.Get(name)
		feed.Watch(rt)
	}
	go func() {
		if err := feed.Serve(wsAddr, "/ws/events"); err != nil {
			logger.Errorf("%v", err)
		}
	}()
	defer feed.Shutdown()

	serverOpts := web.ServerOptions{
		Addr:   cfg.Server.ListenAddr,
		Logger: logger,
	}
	if cfg.Server.JWTSecret != "" {
		serverOpts.APIMiddleware = []web.Middleware{
			auth.JWT(auth.DefaultJWTConfig(cfg.Server.JWTSecret)),
		}
	}
	if broadcaster != nil {
		serverOpts.Runtimes = func() []web.RuntimeInfo {
			peers := broadcaster.Peers()
			out := make([]web.RuntimeInfo, 0, len(peers))
			for _, p := range peers {
				out = append(out, web.RuntimeInfo{
					NodeID:    p.NodeID,
					Component: p.ComponentName,
					Machines:  p.Machines,
				})
			}
			return out
		}
	}
	server := web.NewServer(serverOpts, reg)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Infof("received %s, shutting down", sig)
	case err := <-errCh:
		return err
	}

	return server.Shutdown()
}

func buildPersistence(ctx context.Context, cfg config.PersistenceConfig, logger core.Logger) (*persistence.Manager, func(), error) {
	var (
		events    persistence.EventStore
		snapshots persistence.SnapshotStore
		cleanup   func()
	)

	switch cfg.Store {
	case config.StoreMemory:
		events = persistence.NewMemoryEventStore()
		snapshots = persistence.NewMemorySnapshotStore()

	case config.StoreSQLite:
		stores, err := persistence.NewSQLiteStores(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		events, snapshots = stores.Events(), stores.Snapshots()
		cleanup = func() { stores.Close() }

	case config.StorePostgres:
		stores, err := persistence.NewPostgresStores(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		events, snapshots = stores.Events(), stores.Snapshots()
		cleanup = stores.Close

	default:
		return nil, nil, fmt.Errorf("unknown persistence store %q", cfg.Store)
	}

	manager, err := persistence.NewManager(events, snapshots, cfg.SnapshotInterval, logger)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, nil, err
	}
	return manager, cleanup, nil
}

func connectBroker(cfg config.BrokerConfig, reg *registry.ComponentRegistry, logger core.Logger) (*broker.Broadcaster, error) {
	var transport broker.Broker

	switch cfg.Driver {
	case config.BrokerNone:
		return nil, nil
	case config.BrokerMemory:
		transport = broker.Memory()
	case config.BrokerNATS:
		var broadcaster *broker.Broadcaster
		nb, err := broker.NewNATSBroker(broker.NATSOptions{
			URL:    cfg.URL,
			Name:   cfg.NodeName,
			Logger: logger,
			OnDisconnect: func(err error) {
				if broadcaster != nil {
					broadcaster.NotifyDisconnected(err)
				}
			},
		})
		if err != nil {
			return nil, err
		}
		broadcaster = broker.NewBroadcaster(nb, logger)
		return attachAll(broadcaster, reg)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}

	return attachAll(broker.NewBroadcaster(transport, logger), reg)
}

func attachAll(broadcaster *broker.Broadcaster, reg *registry.ComponentRegistry) (*broker.Broadcaster, error) {
	for _, name := range reg.Components() {
		rt, _ := reg.Get(name)
		if err := broadcaster.Attach(rt); err != nil {
			return nil, err
		}
	}
	reg.SetFallback(broadcaster)
	return broadcaster, nil
}
