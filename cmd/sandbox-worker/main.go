package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sandbox/internal/config"
	"sandbox/internal/logging"
	"sandbox/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:          "sandbox-worker",
		Short:        "GPU worker loop for the sandbox dispatcher",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "sandbox-worker: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.SetDefaultLevel(logging.ParseLevel(cfg.Log.Level))
	logger := logging.NewComponentLogger("Main")

	if cfg.Worker.Endpoint == "" {
		return fmt.Errorf("worker.endpoint is required")
	}
	if cfg.Token.WorkerToken == "" {
		return fmt.Errorf("token.worker_token is required")
	}

	client, err := worker.NewClient(cfg.Worker.Endpoint, cfg.Token.WorkerToken)
	if err != nil {
		return err
	}
	logger.Info("=== Worker Configuration ===")
	logger.Info("Dispatcher: %s", cfg.Worker.Endpoint)
	logger.Info("Worker id: %s", client.WorkerID())
	logger.Info("============================")

	// TODO: load the real diffusion and chat runtimes once they ship Go
	// bindings; the built-in models keep the dispatch path testable.
	w, err := worker.New(client, worker.NewNoiseImageModel(), worker.EchoChatModel{})
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
