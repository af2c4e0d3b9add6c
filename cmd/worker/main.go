// Command worker is the process that runs inside the sandbox container.
// It is never invoked directly by a user: the Sandbox Backend starts it
// as the container's entrypoint, wires its stdin/stdout to the
// Commander on the host side, and the Coordinator addresses it purely
// through the wire protocol from then on.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apexplay/coordinator/internal/wire"
	"github.com/apexplay/coordinator/internal/worker"
)

var rootCmd = &cobra.Command{
	Use:           "worker <project-directory>",
	Short:         "Run the in-sandbox Worker against a project directory",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		root := args[0]
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("worker: project directory: %w", err)
		}
		if !info.IsDir() {
			return fmt.Errorf("worker: %s is not a directory", root)
		}
		if _, err := os.ReadFile(root + "/Cargo.toml"); err != nil {
			return fmt.Errorf("worker: read manifest: %w", err)
		}

		log, err := zap.NewProduction()
		if err != nil {
			log = zap.NewNop()
		}
		defer log.Sync() //nolint:errcheck

		enc := wire.NewEncoder(os.Stdout)
		dec := wire.NewDecoder(os.Stdin)
		w := worker.New(root, enc, log)
		return w.Run(dec)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
