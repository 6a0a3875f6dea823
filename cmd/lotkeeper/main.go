package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "lotkeeper",
	Short: "Restock, pricing and disposal suggestions for perishable lots",
	Long: `lotkeeper decides, per perishable inventory lot, whether to restock it,
raise or lower its price, or dispose of it, and runs that decision on a daily
schedule or on demand.

Examples:
  lotkeeper serve                         # run the daily scheduler until SIGTERM
  lotkeeper regenerate --sync             # recompute all suggestions now
  lotkeeper preview 3f2c...               # show the decision for one lot
  lotkeeper suggestions list              # list stored suggestions
  lotkeeper suggestions apply 12 --by ana # apply a price suggestion`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.json", "config file (.json, .yaml or .yml); created with defaults if missing")

	rootCmd.AddCommand(serveCmd, regenerateCmd, previewCmd, runCmd, enqueueCmd, cleanupCmd, suggestionsCmd, tasksCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
