// nexusfsd is an example wiring/bootstrap binary for the NexusFS kernel: it
// reads a driver-selection config file, constructs the CAS backend,
// metadata store, ReBAC stack, event bus, and lock manager it names, mounts
// one virtual-path tree, builds a kernel.Kernel over the result, and serves
// Prometheus metrics. It does not implement a wire protocol itself (the
// JSON-RPC transport is explicitly out of scope, spec.md §1) — it exists to
// show a deployment how the pieces fit together and to give the rest of the
// module something that imports and exercises every package from a single
// process, the way cmd/revad boots reva's own pluggable driver set.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusfs/core/pkg/cas"
	_ "github.com/nexusfs/core/pkg/cas/diskcas"
	_ "github.com/nexusfs/core/pkg/cas/s3cas"
	"github.com/nexusfs/core/pkg/config"
	"github.com/nexusfs/core/pkg/events"
	"github.com/nexusfs/core/pkg/events/membus"
	"github.com/nexusfs/core/pkg/events/natsbus"
	"github.com/nexusfs/core/pkg/kernel"
	"github.com/nexusfs/core/pkg/lockmgr"
	"github.com/nexusfs/core/pkg/lockmgr/memlock"
	"github.com/nexusfs/core/pkg/lockmgr/redislock"
	"github.com/nexusfs/core/pkg/log"
	"github.com/nexusfs/core/pkg/metadata"
	"github.com/nexusfs/core/pkg/metadata/rcache"
	"github.com/nexusfs/core/pkg/metadata/sqlite"
	"github.com/nexusfs/core/pkg/parser"
	_ "github.com/nexusfs/core/pkg/parser/csv"
	_ "github.com/nexusfs/core/pkg/parser/plaintext"
	"github.com/nexusfs/core/pkg/rebac"
	"github.com/nexusfs/core/pkg/rebac/l2cache"
	"github.com/nexusfs/core/pkg/rebac/manager"
	"github.com/nexusfs/core/pkg/rebac/repository"
	"github.com/nexusfs/core/pkg/router"
)

var logger = log.New("nexusfsd")

var (
	configFlag  = flag.String("c", "/etc/nexusfsd/nexusfsd.json", "path to the JSON bootstrap config")
	metricsFlag = flag.String("metrics-addr", ":9235", "address to serve /metrics on")
)

func main() {
	flag.Parse()
	log.EnableAll()

	cfg, err := config.LoadFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nexusfsd: %s not found or invalid, starting with defaults: %v\n", *configFlag, err)
		cfg, _ = config.Parse(map[string]interface{}{})
	}

	k, closeFn, err := build(cfg)
	if err != nil {
		logger.BuildError().Str("error", err.Error()).Msg(context.Background(), "failed to build kernel")
		os.Exit(1)
	}
	defer closeFn()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *metricsFlag, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.BuildError().Str("error", err.Error()).Msg(context.Background(), "metrics server stopped")
		}
	}()
	logger.Build().Str("addr", *metricsFlag).Msg(context.Background(), "serving metrics")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Build().Msg(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	k.Shutdown(shutdownCtx)
}

// build constructs every collaborator cfg names and composes them into a
// kernel.Kernel, returning a cleanup func that closes the metadata store
// and the ReBAC tuple repository's db handle; the L2 check cache's db
// handle is not closed by it.
func build(cfg *config.Config) (*kernel.Kernel, func(), error) {
	backend, err := cas.New(cfg.CAS.Driver, cfg.CAS.Options)
	if err != nil {
		return nil, nil, fmt.Errorf("cas: %w", err)
	}

	store, err := buildMetadataStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("metadata: %w", err)
	}

	rebacMgr, rebacRepo, err := buildReBAC(cfg, store)
	if err != nil {
		return nil, nil, fmt.Errorf("rebac: %w", err)
	}

	bus, err := buildEventBus(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("events: %w", err)
	}
	if err := bus.Start(); err != nil {
		return nil, nil, fmt.Errorf("events: starting: %w", err)
	}

	locks, err := buildLockManager(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("lockmgr: %w", err)
	}

	r := router.New()
	r.Mount(&router.Mount{
		Prefix:      "/",
		Backend:     backend,
		BackendName: cfg.CAS.Driver,
		ZoneID:      "", // unrestricted; per-path zone isolation comes from tuple/zone checks
	})

	parsers := parser.NewRegistry()

	k := kernel.New(kernel.Config{
		Router:             r,
		Metadata:           store,
		ReBAC:              rebacMgr,
		Events:             bus,
		Locks:              locks,
		Parsers:            parsers,
		AuditStrictMode:    cfg.AuditStrictMode,
		AutoParse:          true,
		DefaultLockTimeout: 10 * time.Second,
		Registerer:         prometheus.DefaultRegisterer,
	})

	closeFn := func() {
		_ = store.Close()
		_ = rebacRepo.Close()
	}
	return k, closeFn, nil
}

func buildMetadataStore(cfg *config.Config) (metadata.Store, error) {
	var backing metadata.Store
	var err error
	switch cfg.Metadata.Driver {
	case "sqlite", "":
		backing, err = sqlite.New(cfg.Metadata.Options)
	default:
		return nil, fmt.Errorf("unknown metadata driver %q", cfg.Metadata.Driver)
	}
	if err != nil {
		return nil, err
	}
	return rcache.New(backing, rcache.Options{})
}

func buildReBAC(cfg *config.Config, store metadata.Store) (*manager.Manager, *repository.Repository, error) {
	repo, err := repository.New(cfg.Metadata.Options, store)
	if err != nil {
		return nil, nil, err
	}
	l2, err := l2cache.New(cfg.Metadata.Options)
	if err != nil {
		return nil, nil, err
	}
	namespaces := rebac.NewRegistry()
	mgr := manager.New(repo, store, namespaces, l2, manager.Options{})
	return mgr, repo, nil
}

func buildEventBus(cfg *config.Config) (events.Bus, error) {
	switch cfg.Events.Driver {
	case "memory", "":
		return membus.New(1024), nil
	case "nats":
		return natsbus.New(cfg.Events.Options)
	default:
		return nil, fmt.Errorf("unknown events driver %q", cfg.Events.Driver)
	}
}

func buildLockManager(cfg *config.Config) (lockmgr.Manager, error) {
	switch cfg.LockManager.Driver {
	case "memory", "":
		return memlock.New(), nil
	case "redis":
		return redislock.New(cfg.LockManager.Options)
	default:
		return nil, fmt.Errorf("unknown lock manager driver %q", cfg.LockManager.Driver)
	}
}
