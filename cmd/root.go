// Package cmd is the CLI surface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/g2/internal/config"
	"github.com/nextlevelbuilder/g2/internal/orchestrator"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/g2/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "g2",
	Short: "G2 — chat-driven agent orchestrator",
	Long:  "G2 runs containerized agents for registered chat groups: inbound messages become agent prompts, agent output streams back to the chat, and scheduled tasks run the same agents on a timer.",
	Run: func(cmd *cobra.Command, args []string) {
		runHost()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("g2 %s\n", Version)
		},
	}
}

// loadConfig loads the optional .env next to the data directory, then
// the environment. Exits with the box-drawn banner on fatal
// misconfiguration.
func loadConfig() *config.Config {
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".g2", ".env"))
	}
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		var cfgErr *config.ConfigurationError
		if errors.As(err, &cfgErr) {
			fmt.Fprintln(os.Stderr, cfgErr.Banner())
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
	if verbose {
		cfg.Verbose = true
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func runHost() {
	cfg := loadConfig()
	setupLogging(cfg)

	o, err := orchestrator.New(cfg)
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := o.Run(ctx); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
