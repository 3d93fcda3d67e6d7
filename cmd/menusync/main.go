// Command menusync runs reconciliation and master menu maintenance from the
// command line, against the same database and lock store as the server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/localnerve/menusync/internal/app"
	"github.com/localnerve/menusync/internal/config"
	"github.com/localnerve/menusync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	envFile string
	actor   string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "menusync",
	Short:         "Master menu version control and branch synchronization",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("failed to load %s: %w", envFile, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&envFile, "env", "f", "", "path to a .env file")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "cli", "actor recorded on versions and sync logs")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Branch synchronization:"},
		&cobra.Group{ID: "master", Title: "Master menus:"},
	)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp connects from the environment and runs fn
func withApp(ctx context.Context, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.Discard()
	if verbose {
		log = logging.New(cfg.LogLevel, "")
		log.SetOutput(os.Stderr)
	}
	a, err := app.New(ctx, cfg, log, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(arg, what string) (uint64, error) {
	id, err := strconv.ParseUint(arg, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s %q", what, arg)
	}
	return id, nil
}
