package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/g2/internal/container"
	"github.com/nextlevelbuilder/g2/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("g2 doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfg := loadConfig()

	fmt.Printf("  Data dir: %s", cfg.DataDir)
	if _, err := os.Stat(cfg.DataDir); err != nil {
		fmt.Println(" (will be created)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Store:    %s", cfg.StorePath())
	if st, err := store.Open(cfg.StorePath()); err != nil {
		fmt.Printf(" (OPEN FAILED: %s)\n", err)
	} else {
		st.Close()
		fmt.Println(" (OK)")
	}

	rt := container.NewRuntime(os.Getenv("CONTAINER_RUNTIME"))
	fmt.Printf("  Runtime:  %s", rt.Binary())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.EnsureRunning(ctx); err != nil {
		fmt.Printf(" (NOT AVAILABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Printf("  Image:    %s\n", cfg.ContainerImage)

	fmt.Printf("  Secrets:  %s", cfg.SecretsEnvPath())
	if _, err := os.Stat(cfg.SecretsEnvPath()); err != nil {
		fmt.Println(" (not present, agents run without credentials)")
	} else {
		fmt.Println(" (OK)")
	}

	if cfg.MountAllowlistPath == "" {
		fmt.Println("  Mounts:   no allowlist configured, additional mounts disabled")
	} else {
		fmt.Printf("  Mounts:   allowlist %s", cfg.MountAllowlistPath)
		if _, err := os.Stat(cfg.MountAllowlistPath); err != nil {
			fmt.Println(" (NOT FOUND)")
		} else {
			fmt.Println(" (OK)")
		}
	}

	fmt.Println()
	fmt.Println("  Channels:")
	if v := os.Getenv("WHATSAPP_BRIDGE_URL"); v != "" {
		fmt.Printf("    whatsapp: bridge %s\n", v)
	} else {
		fmt.Println("    whatsapp: not configured (WHATSAPP_BRIDGE_URL)")
	}
	if os.Getenv("TELEGRAM_BOT_TOKEN") != "" {
		fmt.Println("    telegram: token configured")
	} else {
		fmt.Println("    telegram: not configured (TELEGRAM_BOT_TOKEN)")
	}
}
