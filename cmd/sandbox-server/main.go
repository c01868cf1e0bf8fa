package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sandbox/internal/artifact"
	"sandbox/internal/auth"
	"sandbox/internal/config"
	"sandbox/internal/logging"
	"sandbox/internal/metrics"
	"sandbox/internal/scheduler"
	"sandbox/internal/server"
	"sandbox/internal/store"
	"sandbox/internal/worker"
)

func main() {
	root := &cobra.Command{
		Use:          "sandbox-server",
		Short:        "Task dispatch API for GPU generation workloads",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox-server: %v\n", err)
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

	logger.Info("=== Server Configuration ===")
	logger.Info("Listen address: %s", cfg.Server.Addr())
	logger.Info("Scheduler: %s (auto_shutdown=%v)", cfg.Scheduler.Name, cfg.Scheduler.AutoShutdown)
	logger.Info("Metrics push: %v", cfg.MetricsPush.Enabled)
	logger.Info("============================")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskStore, err := buildTaskStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	artifacts, err := buildArtifactStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	deps := server.Deps{
		Store:     taskStore,
		Artifacts: artifacts,
		Metrics:   metrics.New(),
	}
	if err := wireAuth(cfg, &deps, logger); err != nil {
		return err
	}

	sched, err := buildScheduler(cfg, cancel, logger)
	if err != nil {
		return err
	}
	deps.Scheduler = sched

	srv, err := server.NewServer(cfg.Server, deps)
	if err != nil {
		return err
	}
	return srv.Run(ctx, cfg.MetricsPush)
}

func buildTaskStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (store.Store, error) {
	if cfg.Database.ConnectionString == "" {
		logger.Warn("No database configured, using the in-memory task store")
		return store.NewMemory(cfg.Scheduler.StallThreshold), nil
	}
	return store.NewPostgres(ctx, cfg.Database.ConnectionString, cfg.Scheduler.StallThreshold)
}

func buildArtifactStore(ctx context.Context, cfg *config.Config, logger logging.Logger) (artifact.Store, error) {
	var backend artifact.Store
	if cfg.ObjectStorage.Endpoint == "" && cfg.ObjectStorage.AccessKey == "" {
		logger.Warn("No object storage configured, using the in-memory artifact store")
		backend = artifact.NewMemory()
	} else {
		s3Store, err := artifact.NewS3(ctx, cfg.ObjectStorage)
		if err != nil {
			return nil, err
		}
		backend = s3Store
	}
	return artifact.NewCache(backend, artifact.DefaultCacheSize)
}

func wireAuth(cfg *config.Config, deps *server.Deps, logger logging.Logger) error {
	if cfg.Token.WorkerToken != "" {
		workers, err := auth.NewWorkerAuthenticator(cfg.Token.WorkerToken)
		if err != nil {
			return err
		}
		deps.Workers = workers
	} else {
		logger.Warn("No worker token configured, worker endpoints will reject all requests")
	}

	if cfg.Auth.EncodingKey != "" {
		issuer, err := auth.NewTokenIssuer(cfg.Auth.EncodingKey)
		if err != nil {
			return err
		}
		deps.Issuer = issuer
	}
	if cfg.Token.DecodingKey != "" {
		verifier, err := auth.NewTokenVerifier(cfg.Token.DecodingKey)
		if err != nil {
			return err
		}
		deps.Verifier = verifier
	} else {
		logger.Warn("No token decoding key configured, user endpoints will reject all requests")
	}

	if cfg.Auth.OAuthClientID != "" {
		deps.OAuth = auth.NewGoogleOAuth(cfg.Auth.OAuthClientID, cfg.Auth.OAuthClientSecret)
	}
	return nil
}

// buildScheduler wires the configured variant. The simple scheduler runs
// tasks in-process through a loopback worker with the built-in models, which
// gives a single-binary dev setup without a GPU host.
func buildScheduler(cfg *config.Config, shutdown func(), logger logging.Logger) (scheduler.Scheduler, error) {
	var runner scheduler.Runner
	if cfg.Scheduler.Name == "simple" {
		if cfg.Token.WorkerToken == "" {
			return nil, fmt.Errorf("the simple scheduler requires token.worker_token")
		}
		loopback := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
		client, err := worker.NewClient(loopback, cfg.Token.WorkerToken)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(client, worker.NewNoiseImageModel(), worker.EchoChatModel{})
		if err != nil {
			return nil, err
		}
		runner = scheduler.RunnerFunc(w.RunTask)
		logger.Info("Simple scheduler runs tasks through %s", loopback)
	}

	return scheduler.FromConfig(cfg.Scheduler, runner, shutdown)
}
