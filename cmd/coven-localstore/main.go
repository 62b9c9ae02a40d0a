// ABOUTME: Entry point for the coven-localstore command
// ABOUTME: Inspects and maintains a local conversation store and its asset cache

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/coven-localstore/internal/assetcache"
	"github.com/2389/coven-localstore/internal/assetcrypto"
	"github.com/2389/coven-localstore/internal/config"
	"github.com/2389/coven-localstore/internal/model"
	"github.com/2389/coven-localstore/internal/objectctx"
	"github.com/2389/coven-localstore/internal/pipeline"
	"github.com/2389/coven-localstore/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                               _                 _     _
  ___ _____   _____ _ __      | | ___   ___ __ _| |___| |_ ___  _ __ ___
 / __/ _ \ \ / / _ \ '_ \ ____| |/ _ \ / __/ _' | / __| __/ _ \| '__/ _ \
| (_| (_) \ V /  __/ | | |____| | (_) | (_| (_| | \__ \ || (_) | | |  __/
 \___\___/ \_/ \___|_| |_|    |_|\___/ \___\__,_|_|___/\__\___/|_|  \___|
`

func usage() {
	fmt.Println("Usage: coven-localstore <command> [-config path] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  init                        Write a default config and create the store")
	fmt.Println("  stats                       Show row counts and cache usage")
	fmt.Println("  resolve REF                 Show the object a reference points to")
	fmt.Println("  messages CONVERSATION       List recent messages of a conversation")
	fmt.Println("  ingest [FILE|-]             Apply a stream of update events")
	fmt.Println("  fetch CONVERSATION          Download pending attachments")
	fmt.Println("  send CONVERSATION           Append a message and process its assets")
	fmt.Println("  prune                       Shrink the asset cache to its size bound")
	fmt.Println("  wipe-cache                  Remove every cached asset")
	fmt.Println("  version                     Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "init":
		err = runInit(ctx, args)
	case "stats":
		err = runStats(ctx, args)
	case "resolve":
		err = runResolve(ctx, args)
	case "messages":
		err = runMessages(ctx, args)
	case "ingest":
		err = runIngest(ctx, args)
	case "fetch":
		err = runFetch(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "prune":
		err = runPrune(ctx, args)
	case "wipe-cache":
		err = runWipeCache(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newFlags returns a flag set carrying the shared -config flag.
func newFlags(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "", "config file (default: "+config.EnvConfigPath+" or ./localstore.yaml)")
	return fs, path
}

// app bundles what every command needs: config, store, contexts and cache.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.SQLiteStore
	dir      *objectctx.Directory
	cache    *assetcache.Cache
	registry *prometheus.Registry
}

func openApp(configPath string) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	cache, err := assetcache.New(cfg.Cache.Dir, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening asset cache: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		dir:      objectctx.NewDirectory(st, model.Schema(), logger),
		cache:    cache,
		registry: reg,
	}, nil
}

func (a *app) Close() {
	a.dir.TearDown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing store", "error", err)
	}
}

// newPipeline builds the attachment pipeline against the configured asset
// service.
func (a *app) newPipeline() (*pipeline.Pipeline, error) {
	pc := a.cfg.Pipeline
	if pc.AssetServiceURL == "" {
		return nil, errors.New("pipeline.asset_service_url is not configured")
	}
	p := pipeline.New(a.cache,
		pipeline.NewHTTPFetcher(pc.AssetServiceURL, int64(pc.MaxAssetSize), pc.Timeout),
		assetcrypto.NewSealer(),
		pipeline.NewHTTPUploader(pc.AssetServiceURL, pc.Timeout),
		pipeline.Options{
			MaxConcurrent: pc.MaxConcurrent,
			Timeout:       pc.Timeout,
			Registerer:    a.registry,
			Logger:        a.logger,
		})
	return p, nil
}

// serveMetrics exposes the registry while ctx is live, if enabled.
func (a *app) serveMetrics(ctx context.Context) {
	mc := a.cfg.Metrics
	if !mc.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()

	green := color.New(color.FgGreen)
	green.Fprint(os.Stderr, "    ▶ ")
	fmt.Fprintf(os.Stderr, "Metrics:   http://%s%s\n", mc.Addr, mc.Path)
}
