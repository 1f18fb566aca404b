// Command server runs kiro-proxy, a local gateway that speaks the OpenAI,
// Anthropic, and Gemini chat APIs on one port and fulfills every request
// through the CodeWhisperer accounts it manages. Flags select one-shot
// maintenance modes; without one the process serves until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/api"
	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flows"
	"github.com/kiroproxy/kiroproxy/internal/logging"
	"github.com/kiroproxy/kiroproxy/internal/orchestrator"
	"github.com/kiroproxy/kiroproxy/internal/runtime/executor"
	"github.com/kiroproxy/kiroproxy/internal/store"
	"github.com/kiroproxy/kiroproxy/internal/usage"
)

// Build metadata, overridden by the linker on release builds.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

func main() {
	logging.SetupBaseLogger()

	var (
		configPath  string
		showVersion bool
		listFlag    bool
		refreshArg  string
		logsFlag    bool
		logCount    int
		usageFlag   bool
		exportPath  string
		importPath  string
		loginFlag   bool
		socialArg   string
		jsonOut     bool
		verboseFlag bool
	)

	flag.StringVar(&configPath, "config", "", "config file path (default ./config.yaml)")
	flag.BoolVar(&showVersion, "version", false, "print the version and exit")
	flag.BoolVar(&listFlag, "list-accounts", false, "list accounts and exit")
	flag.StringVar(&refreshArg, "refresh", "", "refresh tokens for an account id, a label, or all, then exit")
	flag.BoolVar(&logsFlag, "logs", false, "print recent log lines and exit")
	flag.IntVar(&logCount, "n", 50, "line count for -logs")
	flag.BoolVar(&usageFlag, "usage", false, "print usage statistics and exit")
	flag.StringVar(&exportPath, "export-accounts", "", "write the account state document to a file (- for stdout) and exit")
	flag.StringVar(&importPath, "import-accounts", "", "merge accounts from a state document and exit")
	flag.BoolVar(&loginFlag, "kiro-login", false, "sign in with an AWS Builder ID device code and exit")
	flag.StringVar(&socialArg, "kiro-social-login", "", "sign in through google or github and exit")
	flag.BoolVar(&jsonOut, "json", false, "machine-readable output for query modes")
	flag.BoolVar(&verboseFlag, "verbose", false, "debug logging")

	// -refresh and -kiro-social-login work bare; fill in their defaults so
	// the flag package does not eat the next argument as a value.
	defaultBareFlag("refresh", "all")
	defaultBareFlag("kiro-social-login", "google")
	flag.Parse()

	if showVersion {
		fmt.Printf("kiro-proxy %s (built %s)\n", Version, BuildDate)
		return
	}

	if wd, err := os.Getwd(); err == nil {
		if err := godotenv.Load(filepath.Join(wd, ".env")); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Warn("Could not load .env")
		}
	}

	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Error("Configuration load failed")
		os.Exit(1)
	}
	warnings, err := config.ValidateConfig(cfg)
	if err != nil {
		log.WithError(err).Error("Configuration invalid")
		os.Exit(1)
	}
	for _, w := range warnings {
		log.Warn(w)
	}
	logging.SetLogLevel(logLevelFor(cfg, verboseFlag))

	ctx := context.Background()
	switch {
	case listFlag:
		exit(runListAccounts(ctx, cfg, jsonOut))
	case refreshArg != "":
		exit(runRefresh(ctx, cfg, refreshArg, jsonOut))
	case logsFlag:
		exit(runShowLogs(logCount))
	case usageFlag:
		exit(runShowUsage(cfg, jsonOut))
	case exportPath != "":
		exit(runExportAccounts(ctx, cfg, exportPath))
	case importPath != "":
		exit(runImportAccounts(ctx, cfg, importPath))
	case loginFlag:
		exit(runKiroLogin(ctx, cfg))
	case socialArg != "":
		exit(runSocialLogin(ctx, cfg, socialArg))
	}

	if err := serve(cfg, configPath); err != nil {
		log.WithError(err).Error("Server exited")
		os.Exit(1)
	}
}

// serve assembles the full service and blocks until a signal or a listener
// failure. The returned error is nil on a clean signal-driven shutdown.
func serve(cfg *config.Config, configPath string) error {
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, logging.FileOutputOptions{}); err != nil {
		log.WithError(err).Warn("File logging unavailable, staying on stderr")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := store.FromEnv(ctx, cfg.StateFile)
	if err != nil {
		return fmt.Errorf("select state backend: %w", err)
	}
	log.Infof("State backend: %s", backend.Describe())

	pool := auth.NewStore(backend)
	st, err := backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st != nil {
		pool.Hydrate(st)
	}

	kiroClient := kiro.NewClient()
	refresher := auth.NewRefresher(pool, kiroClient, auth.RefresherOptions{
		Interval:    cfg.Refresh.GetInterval(),
		Lead:        cfg.Refresh.GetLead(),
		Concurrency: cfg.Refresh.GetConcurrency(),
	})

	tracker := usage.NewTracker()
	tracker.SetEnabled(cfg.GetUsageStatisticsEnabled())
	var persister *usage.Persister
	if cfg.UsageDB != "" {
		persister, err = usage.OpenPersister(cfg.UsageDB, tracker)
		if err != nil {
			log.WithError(err).Warn("Usage persistence disabled")
			persister = nil
		}
	}

	quota := usage.NewQuotaService(pool, cfg.GetQuotaCacheTTL())
	recorder := flows.New(0, 0)
	upstream := executor.New(executor.WithQuotaSink(quota.Harvest))

	var liveCfg atomic.Pointer[config.Config]
	liveCfg.Store(cfg)

	selector := auth.NewSelector(pool, 0)
	orch := orchestrator.New(orchestrator.Options{
		Store:     pool,
		Selector:  selector,
		Upstream:  upstream,
		Flows:     recorder,
		Refresher: refresher,
		Tracker:   tracker,
		Config:    liveCfg.Load,
	})

	srv := api.NewServer(cfg, api.Deps{
		Store:     pool,
		Refresher: refresher,
		Orch:      orch,
		Flows:     recorder,
		Tracker:   tracker,
		Quota:     quota,
		Kiro:      kiroClient,
	}, api.WithVersion(Version))

	go pool.Run(ctx)
	go refresher.Run(ctx)
	go selector.Run(ctx)
	go recorder.EvictLoop(ctx, time.Minute)
	if persister != nil {
		go persister.FlushLoop(ctx, 5*time.Minute)
	}

	if err := config.WatchConfig(ctx, configPath, func(next *config.Config) {
		liveCfg.Store(next)
		srv.UpdateConfig(next)
	}); err != nil {
		log.WithError(err).Warn("Config watch unavailable, hot reload disabled")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Infof("kiro-proxy %s listening on %s:%d", Version, cfg.Host, cfg.GetPort())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Infof("%s received, shutting down", sig)
	}

	stopCtx, release := context.WithTimeout(context.Background(), 10*time.Second)
	defer release()
	if err := srv.Stop(stopCtx); err != nil {
		log.WithError(err).Warn("Graceful stop incomplete")
	}
	cancel()
	if err := pool.Flush(context.Background()); err != nil {
		log.WithError(err).Warn("Final state flush failed")
	}
	if persister != nil {
		if err := persister.Flush(context.Background()); err != nil {
			log.WithError(err).Warn("Final usage flush failed")
		}
		_ = persister.Close()
	}
	return nil
}

func logLevelFor(cfg *config.Config, verbose bool) string {
	switch {
	case verbose:
		return "debug"
	case cfg.LogLevel != "":
		return cfg.LogLevel
	case cfg.Debug:
		return "debug"
	}
	return "info"
}

// exit ends a one-shot mode, mapping an error to a nonzero status.
func exit(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%serror:%s %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	os.Exit(0)
}
