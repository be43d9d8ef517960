// Package main is the loomd daemon entry point: a thin Cobra CLI wiring
// internal/config, internal/obs, internal/sessions, internal/mcp,
// internal/extensions, internal/permission, internal/compaction,
// internal/providers, and internal/loop into a runnable agent (spec.md
// §6). Grounded on the donor's cmd/nexus/main.go command-tree shape
// (buildRootCmd + one buildXCmd per subcommand), pared down to the
// operations SPEC_FULL.md actually names: serve and session
// fork/export/import/list.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configPath string
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "loomd",
		Short:        "loomd runs a local agent core over MCP tool extensions",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config overlay")
	root.AddCommand(
		buildServeCmd(),
		buildSessionCmd(),
	)
	return root
}
