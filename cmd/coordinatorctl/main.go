// Command coordinatorctl is a developer tool: it drives a Coordinator
// through the concrete scenarios it needs to support, against either a
// real Docker daemon or a local worker binary run with no container at
// all. It is not a front end — there is no HTTP or WebSocket surface
// here, just a CLI for exercising the Coordinator by hand.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/apexplay/coordinator/internal/config"
	"github.com/apexplay/coordinator/internal/coordinator"
	"github.com/apexplay/coordinator/internal/limiter"
	"github.com/apexplay/coordinator/internal/logging"
	"github.com/apexplay/coordinator/internal/metrics"
	"github.com/apexplay/coordinator/internal/sandboxbackend"
	"github.com/apexplay/coordinator/internal/types"
)

var (
	localWorkerPath string
	localProjectDir string
	channel         string
)

var rootCmd = &cobra.Command{
	Use:   "coordinatorctl",
	Short: "Drive a Coordinator by hand for manual testing",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&localWorkerPath, "local-worker", "", "path to a worker binary; if set, skips Docker entirely")
	rootCmd.PersistentFlags().StringVar(&localProjectDir, "local-project-dir", "", "project directory the local worker is rooted at (required with --local-worker)")
	rootCmd.PersistentFlags().StringVar(&channel, "channel", "stable", "compiler channel: stable, beta, or nightly")

	rootCmd.AddCommand(helloCmd, versionsCmd, cratesCmd, idleCmd, watchIdleCmd, requestContainersCmd)
}

func main() {
	logging.Init()
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildCoordinator() (*coordinator.Coordinator, func(), error) {
	log := logging.L()
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("coordinatorctl: load config: %w", err)
	}

	var backend sandboxbackend.Backend
	if localWorkerPath != "" {
		if localProjectDir == "" {
			return nil, nil, fmt.Errorf("coordinatorctl: --local-project-dir is required with --local-worker")
		}
		backend = &sandboxbackend.LocalBackend{WorkerPath: localWorkerPath, ProjectDir: localProjectDir, Log: log}
	} else {
		backend, err = sandboxbackend.NewDockerBackend(cfg.DockerBackendConfig(), log)
		if err != nil {
			return nil, nil, fmt.Errorf("coordinatorctl: new docker backend: %w", err)
		}
	}

	lim := limiter.New(cfg.ContainerLimit, cfg.ProcessLimit, metrics.Get().PermitHooks())
	co := coordinator.New(lim, backend, cfg.CrateInfoDir, log)
	cleanup := func() {
		if _, err := co.Shutdown(context.Background()); err != nil {
			log.Warn("coordinatorctl: shutdown", zap.Error(err))
		}
	}
	return co, cleanup, nil
}

var helloCmd = &cobra.Command{
	Use:   "hello",
	Short: "Run the \"Hello, world\" execute scenario",
	RunE: func(cmd *cobra.Command, args []string) error {
		co, cleanup, err := buildCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()

		req := types.ExecuteRequest{
			RequestBase: types.RequestBase{
				Channel:   types.Channel(channel),
				Edition:   types.Edition2021,
				CrateType: types.CrateBinary,
				Code:      `fn main() { println!("Hello, coordinator!"); }`,
			},
			Mode: types.ModeDebug,
		}
		res, err := co.Execute(cmd.Context(), req)
		if err != nil {
			return err
		}
		fmt.Printf("success=%v exitDetail=%q\nstdout:\n%s\nstderr:\n%s\n", res.Success, res.ExitDetail, res.Stdout, res.Stderr)
		return nil
	},
}

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Query compiler/formatter/linter/interpreter versions for every channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		co, cleanup, err := buildCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()

		v, err := co.Versions(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("stable:  %+v\n", v.Stable)
		fmt.Printf("beta:    %+v\n", v.Beta)
		fmt.Printf("nightly: %+v\n", v.Nightly)
		return nil
	},
}

var cratesCmd = &cobra.Command{
	Use:   "crates",
	Short: "List the available crates for --channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		co, cleanup, err := buildCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()

		crates, err := co.Crates(types.Channel(channel))
		if err != nil {
			return err
		}
		for _, c := range crates {
			fmt.Printf("%s %s\n", c.Name, c.Version)
		}
		return nil
	},
}

var idleCmd = &cobra.Command{
	Use:   "idle",
	Short: "Shut down every constructed container",
	RunE: func(cmd *cobra.Command, args []string) error {
		co, cleanup, err := buildCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()
		return co.Idle(cmd.Context())
	},
}

var watchIdleCmd = &cobra.Command{
	Use:   "watch-idle",
	Short: "Block, releasing every constructed container each time another party requests one",
	RunE: func(cmd *cobra.Command, args []string) error {
		co, cleanup, err := buildCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()

		log := logging.L()
		ctx := cmd.Context()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-co.ContainerRequested():
				log.Info("coordinatorctl: container requested, releasing idle containers")
				if err := co.Idle(ctx); err != nil {
					return err
				}
			}
		}
	},
}

var requestContainersCmd = &cobra.Command{
	Use:   "request-containers",
	Short: "Exercise RequestContainer against a freshly-built Coordinator (demonstrates the API; a real deployment shares one Limiter between the watcher and the requester)",
	RunE: func(cmd *cobra.Command, args []string) error {
		co, cleanup, err := buildCoordinator()
		if err != nil {
			return err
		}
		defer cleanup()
		co.RequestContainer()
		return nil
	},
}
