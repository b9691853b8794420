package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/g2/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending store migrations and exit",
		Long:  "The host applies migrations automatically on startup; this command exists for pre-deploy checks and init containers.",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig()
			st, err := store.Open(cfg.StorePath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "migration failed: %s\n", err)
				os.Exit(1)
			}
			st.Close()
			fmt.Printf("store at %s is up to date\n", cfg.StorePath())
		},
	}
}
