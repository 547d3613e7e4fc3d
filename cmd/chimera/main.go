// Chimera routes a request across one or more model backends and returns a
// single answer.
//
// Usage:
//
//	# Answer one request in-process
//	chimera respond "fix the typo in the footer"
//
//	# Show the plan without running it
//	chimera plan "refactor the entire billing module"
//
//	# Serve the HTTP API
//	chimera serve --config ~/.config/chimera/config.yaml
//
// Configuration comes from the YAML file named by --config (default
// ~/.config/chimera/config.yaml) and CHIMERA_* environment variables.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/chimera/internal/config"
	"github.com/fyrsmithlabs/chimera/internal/engine"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "chimera",
		Short: "Multi-backend request orchestrator",
		Long: `chimera analyzes a request, plans how many model backends should work on it,
runs the plan and writes one short answer. Backends are configured in the
config file; see "chimera serve --help" for the HTTP API.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildDate),
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/chimera/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of text")

	cmd.AddCommand(
		newServeCmd(opts),
		newRespondCmd(opts),
		newPlanCmd(opts),
		newRunCmd(opts),
		newResumeCmd(opts),
	)
	return cmd
}

// newEngine loads configuration and builds an engine. extra options are
// appended after the config-driven ones.
func (o *rootOptions) newEngine(ctx context.Context, extra ...engine.Option) (*engine.Engine, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	return engine.New(ctx, cfg, extra...)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
