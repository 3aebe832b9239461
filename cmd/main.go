package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"rangemaster/internal/http"
	"rangemaster/internal/wire"
	"rangemaster/pkg/clock"
	"rangemaster/pkg/config"
	"rangemaster/pkg/discovery"
	"rangemaster/pkg/metadata"
	"rangemaster/pkg/metrics"
	"rangemaster/pkg/registry"
)

// bounds the last metadata flush after the registry has stopped
const shutdownFlushTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "rangemaster.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		slog.Error("master failed", "error", err)
		os.Exit(1)
	}
	slog.Info("master stopped")
}

func openMetadata(cfg config.MetadataConfig) (metadata.Store, error) {
	switch cfg.Backend {
	case config.MetadataZookeeper:
		return metadata.NewZKStore(cfg, slog.Default())
	case config.MetadataFile:
		return metadata.OpenJournal(cfg.Dir, slog.Default())
	default:
		return metadata.NewMemory(), nil
	}
}

func run(ctx context.Context, cfg config.Config) error {
	log := slog.Default()
	collector := metrics.NewMemory()
	opts := []registry.Option{
		registry.WithLogger(log),
		registry.WithMetrics(collector),
	}

	// --- metadata: restore records and reserve server ids ---
	md, err := openMetadata(cfg.Metadata)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer md.Close()

	restored := registry.NewStore()
	maxID, n, err := metadata.Restore(ctx, md, restored, cfg.Registry.LeaseDuration, clock.System().Now())
	if err != nil {
		return fmt.Errorf("restore registry: %w", err)
	}
	ids, err := metadata.NewBlockAllocator(ctx, md, cfg.Metadata.IDBlockSize, maxID, log)
	if err != nil {
		return fmt.Errorf("reserve server ids: %w", err)
	}
	defer ids.Close()

	reg := registry.New(cfg.Registry, ids, opts...)
	if err := reg.Store.Restore(restored.SnapshotAll()); err != nil {
		return fmt.Errorf("load restored records: %w", err)
	}
	slog.Info("registry restored", "records", n, "max_server_id", maxID, "backend", cfg.Metadata.Backend)

	syncer := metadata.NewSyncer(md, reg.Store.Get, log)
	reg.Subscribe(syncer)
	reg.Subscribe(registry.SinkFunc(func(_ context.Context, ev registry.Event) error {
		slog.Info("membership event",
			"kind", ev.Kind, "location", ev.Location, "server_id", ev.ServerID,
			"generation", ev.Generation, "addr", ev.Address, "event_id", ev.ID)
		return nil
	}))
	syncer.Start(ctx, cfg.Registry.SweepInterval)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		defer stopCancel()
		if err := syncer.Stop(stopCtx); err != nil {
			slog.Error("metadata not fully persisted on shutdown", "error", err)
		}
	}()
	reg.Start(ctx)
	defer reg.Stop()

	// --- wire protocol for range servers ---
	wireSrv := wire.NewServer(cfg.Wire, log, collector)
	wireSrv.Handle(wire.CommandRegisterServer, wire.NewRegisterServerHandler(reg.Coordinator, log))
	if err := wireSrv.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := wireSrv.Stop(); err != nil {
			slog.Error("Error stopping wire server", "error", err)
		}
	}()

	// --- admin HTTP API ---
	admin := http.NewServer(reg.Coordinator, collector, cfg.Server.Port)
	if err := admin.Start(); err != nil {
		return err
	}
	defer func() {
		if err := admin.Stop(); err != nil {
			slog.Error("Error stopping server", "error", err)
		}
	}()

	// --- mDNS ---
	if cfg.Discovery.MDNS {
		adv := discovery.NewAdvertiser(cfg.Discovery, log)
		if err := adv.Start(wirePort(wireSrv.Addr())); err != nil {
			slog.Warn("mDNS advertisement disabled", "error", err)
		} else {
			defer adv.Shutdown()
		}
	}

	slog.Info("master is running", "wire", wireSrv.Addr().String(), "http", admin.URL)
	<-ctx.Done()
	slog.Info("shutting down")
	return nil
}

func wirePort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	_, p, _ := net.SplitHostPort(addr.String())
	port, _ := strconv.Atoi(p)
	return port
}
