package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global flags
	verbose    bool
	policyPath string
	stateDir   string

	// Logger for CLI-level messages; broker internals log through the
	// category loggers under <state>/logs.
	logger *zap.Logger
)

// Init-failure exit codes. Zero is a clean shutdown; one is any other error.
const (
	exitPolicyInvalid    = 2
	exitTransportInit    = 3
	exitStoreUnavailable = 4
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "metamcpd",
	Short: "metamcpd - role-aware MCP tool broker",
	Long: `metamcpd sits between a coding assistant and its MCP tool servers.

It enforces role-scoped tool access, per-session token budgets with
policy-driven call rewrites, and continuity checkpoints, so a long working
session degrades gently instead of falling over when budgets or servers do.

Start the daemon with "metamcpd serve"; everything it needs comes from one
policy document and one state directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
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

// envOr reads an environment fallback for a flag default.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func init() {
	// Global flags; METAMCP_POLICY and METAMCP_STATE_DIR supply defaults,
	// explicit flags win.
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&policyPath, "policy", "p", envOr("METAMCP_POLICY", "policy.yaml"), "Policy document path")
	rootCmd.PersistentFlags().StringVarP(&stateDir, "state", "s", envOr("METAMCP_STATE_DIR", ".metamcp"), "State directory (sessions, usage, checkpoints, logs)")

	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyShowCmd)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(policyCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var ee exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}
