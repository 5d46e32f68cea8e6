package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"alchemist/internal/config"
	"alchemist/internal/flow"
)

var (
	// Global flags
	configPath string
	userID     string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "alchemist",
	Short: "alchemist - multi-specialist longevity coaching engine",
	Long: `alchemist turns one user turn (a question, an intake reply, or a daily
check-in) into a cost-bounded, safety-checked structured response, while
maintaining a durable ledger of validated facts and resumable flows.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		zcfg := zap.NewProductionConfig()
		if cfg.Logging.Format == "text" {
			zcfg = zap.NewDevelopmentConfig()
		}
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		if cfg.Logging.File != "" {
			zcfg.OutputPaths = []string{cfg.Logging.File}
		}
		logger, err = zcfg.Build()
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

// askCmd answers one ad-hoc coaching question
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the coaching council a question",
	Long: `Runs one question through the specialist council. Quick mode runs a
bounded relevance-ranked subset plus the safety clinician; --deep runs
the full role set with a larger token budget.

Example:
  alchemist ask "What should I eat for lunch?"
  alchemist ask --deep "Plan my next training block"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

// intakeCmd drives the baseline intake flow
var intakeCmd = &cobra.Command{
	Use:   "intake [reply]",
	Short: "Start or continue the baseline intake flow",
	Long: `Without a reply, starts (or resumes) the intake flow and prints the
next batch of fields to answer. With a reply, submits it: answers are
extracted, validated, and merged; already-answered fields are never
re-asked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlowTurn(cmd, flow.TypeIntake, args)
	},
}

// checkinCmd drives the daily check-in flow
var checkinCmd = &cobra.Command{
	Use:   "checkin [reply]",
	Short: "Start or continue today's check-in flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFlowTurn(cmd, flow.TypeCheckin, args)
	},
}

// statusCmd reports flow progress
var statusCmd = &cobra.Command{
	Use:       "status {intake|checkin}",
	Short:     "Show a flow's status and pending fields",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"intake", "checkin"},
	RunE:      runStatus,
}

// cancelCmd cancels an in-progress flow
var cancelCmd = &cobra.Command{
	Use:       "cancel {intake|checkin}",
	Short:     "Cancel a flow, keeping answers already merged",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"intake", "checkin"},
	RunE:      runCancel,
}

// usageCmd prints token usage counters
var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage by provider, model, role, and mode",
	RunE:  runUsage,
}

var deepThink bool

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "alchemist.yaml", "path to config file")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "default", "user id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	askCmd.Flags().BoolVar(&deepThink, "deep", false, "run the full specialist set with a deep-think budget")

	rootCmd.AddCommand(askCmd, intakeCmd, checkinCmd, statusCmd, cancelCmd, usageCmd)
}

func flowTypeArg(arg string) (flow.Type, error) {
	switch arg {
	case "intake":
		return flow.TypeIntake, nil
	case "checkin":
		return flow.TypeCheckin, nil
	default:
		return "", fmt.Errorf("unknown flow type %q", arg)
	}
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
