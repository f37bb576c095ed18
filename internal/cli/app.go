// Package cli implements the harness command line: ad-hoc HTTP calls and
// Kafka produce/consume/admin against the configured endpoints.
package cli

import (
	"context"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/roadrunner-server/harness"
	"github.com/roadrunner-server/harness/config"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

// App holds what the commands share: the lazily built harness and the
// signal watcher that tears it down.
type App struct {
	cfgFile  string
	envFiles []string

	// exit is called after a signal drove the shutdown
	exit      func(code int)
	h         *harness.Harness
	stopWatch func()
}

func NewApp(exit func(code int)) *App {
	return &App{exit: exit}
}

// Command returns the root command with every subcommand attached.
func (a *App) Command(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "harness",
		Short:         "Resilient HTTP and Kafka test harness",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "optional YAML/JSON config file")
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil, "env files to load (default ./.env when present)")

	root.AddCommand(
		newSendCmd(a),
		newUploadCmd(a),
		newPublishCmd(a),
		newConsumeCmd(a),
		newWaitCmd(a),
		newTopicsCmd(a),
	)

	return root
}

// Harness builds the harness on first use and starts watching SIGINT/SIGTERM.
func (a *App) Harness(ctx context.Context) (*harness.Harness, error) {
	if a.h != nil {
		return a.h, nil
	}

	cfg, err := config.Load(a.cfgFile, a.envFiles...)
	if err != nil {
		return nil, err
	}

	h, err := harness.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.h = h
	a.stopWatch = h.Lifecycle().Watch(ctx, a.exit)
	return h, nil
}

// Close releases everything the commands opened. It is a no-op when no
// command built the harness.
func (a *App) Close() {
	if a.h == nil {
		return
	}

	a.stopWatch()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.h.Close(ctx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
