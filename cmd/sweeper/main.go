package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"sandboxsweep.io/internal/checkpoint"
	"sandboxsweep.io/internal/persistence/backup"
	persistlog "sandboxsweep.io/internal/persistence/log"
	"sandboxsweep.io/internal/persistence/r2s3"
	"sandboxsweep.io/internal/sector"
	"sandboxsweep.io/internal/settings"
	"sandboxsweep.io/internal/sweeper"
	"sandboxsweep.io/internal/transport/observer"
	"sandboxsweep.io/internal/watch"
)

func main() {
	var (
		addr       = flag.String("addr", "127.0.0.1:8087", "http listen address (empty to disable)")
		worldDir   = flag.String("world", "", "world save directory (contains Sandbox.sbc and SANDBOX_0_0_0_.sbs)")
		dataDir    = flag.String("data", "./data", "runtime data directory (backups, reports, index)")
		configPath = flag.String("config", "", "path to sweeper.yaml (default: <data>/sweeper.yaml)")
		once       = flag.Bool("once", false, "run a single pass, print the report and exit")
		watchDir   = flag.Bool("watch", true, "run a pass whenever the world documents change on disk")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite pass index")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[sweeper] ", log.LstdFlags|log.Lmicroseconds)

	if strings.TrimSpace(*worldDir) == "" {
		logger.Fatalf("-world is required")
	}
	cfgPath := strings.TrimSpace(*configPath)
	if cfgPath == "" {
		cfgPath = filepath.Join(*dataDir, "sweeper.yaml")
	}
	store, err := settings.NewStore(cfgPath)
	if err != nil {
		logger.Fatalf("load settings: %v", err)
	}

	backups := backup.New(*dataDir)
	reports := persistlog.NewReportLogger(*dataDir)
	removals := persistlog.NewRemovalLogger(*dataDir)
	defer reports.Close()
	defer removals.Close()

	opts := sweeper.Options{
		WorldDir: *worldDir,
		Settings: store,
		Backups:  backups,
		Logger:   logger,
		Reports:  reports,
		Removals: removals,
	}

	if *once {
		svc := sweeper.New(opts)
		rep, err := svc.SweepNow()
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
		if err != nil {
			reports.Close()
			removals.Close()
			logger.Fatalf("pass failed: %v", err)
		}
		return
	}

	idx, err := openIndex(*dataDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		opts.Index = idx
	}

	mirror, err := r2s3.FromEnv(*dataDir, logger)
	if err != nil {
		logger.Fatalf("init r2 mirror: %v", err)
	}
	if mirror != nil {
		defer mirror.Close()
		opts.Mirror = mirror
		reports.OnRotate(mirror.Enqueue)
		removals.OnRotate(mirror.Enqueue)
	}

	hub := observer.NewHub(logger)
	opts.Hub = hub

	svc := sweeper.New(opts)

	ctx, cancel := signalContext()
	defer cancel()

	go func() {
		if err := svc.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("sweeper stopped: %v", err)
		}
	}()

	if *watchDir {
		w := watch.New(*worldDir, []string{checkpoint.FileName, sector.FileName}, store.Snapshot().Debounce(), svc.Notify, logger)
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Printf("watcher stopped: %v", err)
			}
		}()
	}

	if strings.TrimSpace(*addr) == "" {
		<-ctx.Done()
		return
	}

	mux := buildMux(serverRuntime{
		svc:      svc,
		settings: store,
		hub:      hub,
		index:    idx,
		mirror:   mirror,
		logger:   logger,
	}, envBool("SW_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("world=%s data=%s listening on %s", *worldDir, *dataDir, *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
