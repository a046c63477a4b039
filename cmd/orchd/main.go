package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"orchd/internal/config"
	"orchd/internal/logging"
	"orchd/internal/state"
	"orchd/internal/supervisor"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "orchd",
	Short: "orchd - autonomous supervisor for a personal compute host",
	Long: `orchd watches a portfolio of software projects, launches and stops
coding sessions in detached tmux windows, evaluates their output, and
reports to one operator over SMS. An LLM proposes actions; the autonomy
policy decides which ones execute.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSupervisor()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervisor (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSupervisor()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the persisted supervisor state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		st, err := state.Open(cfg.StatePath, state.AutonomyLevel(cfg.AI.AutonomyLevel))
		if err != nil {
			return err
		}
		snap := st.Snapshot()

		fmt.Printf("autonomy level: %s\n", snap.AutonomyLevel)
		fmt.Printf("state version:  %d\n", snap.StateVersion)
		if !snap.UpdatedAt.IsZero() {
			fmt.Printf("last update:    %s\n", snap.UpdatedAt.Format(time.RFC822))
		}
		if snap.AIPaused {
			fmt.Println("thinking:       PAUSED")
		}

		running := 0
		for _, sess := range snap.Sessions {
			if sess.Status == state.SessionRunning {
				running++
				fmt.Printf("running:        %s on %s since %s\n",
					sess.SessionName, sess.ProjectName, sess.StartedAt.Format("15:04"))
			}
		}
		if running == 0 {
			fmt.Println("running:        no sessions")
		}
		fmt.Printf("history:        %d decisions, %d executions, %d evaluations\n",
			len(snap.Decisions), len(snap.Executions), len(snap.Evaluations))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Write a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		cfg := config.DefaultConfig()
		if err := cfg.Save(configPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", configPath)
		return nil
	},
}

func runSupervisor() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logging.Initialize(debug || cfg.Logging.Debug); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}

func main() {
	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".orchd", "config.yaml")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "debug logging")
	rootCmd.AddCommand(runCmd, statusCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
