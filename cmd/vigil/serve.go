package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vigil/internal/collaborator"
	"vigil/internal/config"
	"vigil/internal/embedding"
	"vigil/internal/governance"
	"vigil/internal/logging"
	"vigil/internal/server"
	"vigil/internal/store"
)

var (
	serveHost  string
	servePort  int
	serveDB    string
	serveStdio bool
	noWatch    bool
)

// serveCmd runs the monitor until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the governance monitor server",
	Long: `Starts the monitor: opens the store, wires the governance core, and
serves the operation surface over HTTP (or line-delimited JSON on stdio
with --stdio).

The config file lives at <data-dir>/config.yaml and is created on first
boot. Exit codes: 0 normal, 1 config error, 2 storage error, 3 bind error.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides config)")
	serveCmd.Flags().StringVar(&serveDB, "db", "", "SQLite database path (overrides config)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve newline-delimited JSON on stdin/stdout instead of HTTP")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "Disable config file watching")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir := resolvedDataDir()
	cfgPath := config.PathIn(dir)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return exitWith(exitConfig, err)
	}
	cfg.DataDir = dir
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if servePort > 0 {
		cfg.Server.Port = servePort
	}
	if serveDB != "" {
		cfg.Storage.DatabasePath = serveDB
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return exitWith(exitConfig, fmt.Errorf("invalid configuration: %w", err))
	}

	if cfg.Dialectic.SigningSecret == "" {
		secret, err := config.EnsureSigningSecret(cfgPath)
		if err != nil {
			return exitWith(exitConfig, fmt.Errorf("dialectic signing secret: %w", err))
		}
		cfg.Dialectic.SigningSecret = secret
	}

	if err := logging.Initialize(cfg.ResolvedDataDir()); err != nil {
		return exitWith(exitConfig, fmt.Errorf("logging setup: %w", err))
	}
	defer logging.CloseAll()
	logging.Boot("vigil %s starting: data_dir=%s", cfg.Version, cfg.ResolvedDataDir())

	st, err := store.Open(cfg.ResolvedDatabasePath(), store.Options{
		BusyTimeoutMS: cfg.Storage.BusyTimeoutMS,
		VectorSearch:  cfg.Storage.VectorSearch,
	})
	if err != nil {
		return exitWith(exitStorage, fmt.Errorf("opening store: %w", err))
	}
	defer st.Close()

	// The embedding engine only sharpens discovery search; a provider that
	// cannot start degrades search to text matching instead of killing boot.
	eng, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		logger.Warn(fmt.Sprintf("embedding engine unavailable, knowledge search degrades to text: %v", err))
		eng = nil
	}

	llm, err := collaborator.FromConfig(cfg.LLM, cfg.GetLLMTimeout())
	if err != nil {
		return exitWith(exitConfig, fmt.Errorf("llm collaborator: %w", err))
	}
	if llm != nil {
		logging.Boot("llm collaborator: %s", llm.Name())
	}

	svc, err := governance.New(cfg, st, llm, eng)
	if err != nil {
		return exitWith(exitConfig, err)
	}

	srv := server.New(cfg, svc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !noWatch {
		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
			logging.Config("logging settings reloaded; other sections apply on restart")
		})
		if err != nil {
			logger.Warn(fmt.Sprintf("config watcher unavailable: %v", err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn(fmt.Sprintf("config watcher failed to start: %v", err))
		} else {
			defer watcher.Stop()
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.RunSweeper(ctx) })

	if serveStdio {
		fmt.Fprintln(os.Stderr, "vigil: serving stdio transport")
		g.Go(func() error { return srv.ServeStdio(ctx, os.Stdin, os.Stdout) })
	} else {
		if err := srv.Listen(); err != nil {
			return exitWith(exitBind, err)
		}
		fmt.Printf("vigil: listening on http://%s (data: %s)\n", srv.Addr(), cfg.ResolvedDataDir())
		g.Go(func() error { return srv.Run(ctx) })
	}

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return exitWith(exitStorage, err)
	}
	logging.Boot("vigil stopped")
	fmt.Println("vigil: stopped")
	return nil
}
