// Package main implements the vigil command line: the governance monitor
// server and a convenience client for talking to it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vigil/internal/config"
)

// Exit codes. Anything unclassified exits 1.
const (
	exitOK      = 0
	exitConfig  = 1
	exitStorage = 2
	exitBind    = 3
)

var (
	// Global flags
	verbose    bool
	dataDir    string
	serverAddr string

	// Logger for CLI-level messages; category file logging is wired
	// separately by the serve command.
	logger *zap.Logger
)

// exitError carries a process exit code up through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "vigil - governance monitor for autonomous agents",
	Long: `vigil tracks the behavioral state of autonomous agents over time,
issues per-update decisions (proceed / pause), and mediates structured
recovery when an agent is paused.

Each agent is modeled as a four-variable dynamical system (energy,
integrity, strain, void). Updates advance the model, score risk, and
enforce a circuit breaker; paused agents recover through a safety-gated
direct resume or a three-phase dialectic review.

Run 'vigil serve' to start the monitor, then use the client subcommands
(onboard, update, identity, ...) against it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zapCfg := zap.NewProductionConfig()
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// resolvedDataDir returns the state root: flag, then environment, then the
// per-user default.
func resolvedDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if dir := os.Getenv("VIGIL_DATA_DIR"); dir != "" {
		return dir
	}
	return config.DefaultDataDir()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "State directory (default ~/.vigil, or VIGIL_DATA_DIR)")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Monitor address for client commands (default http://127.0.0.1:7833)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(identityCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(dialecticCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)

	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	os.Exit(exitConfig)
}
