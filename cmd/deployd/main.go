package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"deployd/internal/adapters/docker"
	gormdb "deployd/internal/adapters/gorm"
	"deployd/internal/adapters/kubernetes"
	"deployd/internal/adapters/localtunnel"
	"deployd/internal/config"
	"deployd/internal/core/deployments"
	api "deployd/internal/delivery/http"

	_ "deployd/docs"

	"github.com/rs/zerolog"
)

// @title           Model Deployment API
// @version         1.0
// @description     Provisions isolated model-serving deployments, each in its own container behind a dedicated tunnel.
// @host            localhost:8080
// @BasePath        /
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "deployd").Logger()

	cfg := config.MustLoad()
	log.Info().
		Str("deployment_env", string(cfg.DeploymentEnv)).
		Int("port_range_min", cfg.PortRangeMin).
		Int("port_range_max", cfg.PortRangeMax).
		Msg("bootstrapping service")

	var store *deployments.Store
	if cfg.DatabaseDSN != "" {
		db, err := gormdb.New(cfg.DatabaseDSN, log)
		if err != nil {
			log.Fatal().Err(err).Msg("gorm connect")
		}
		store, err = deployments.NewStore(db)
		if err != nil {
			log.Fatal().Err(err).Msg("store init")
		}
	} else {
		log.Warn().Msg("DATABASE_DSN empty, deployments will not survive a restart")
	}

	var runtime deployments.ContainerRuntime
	if cfg.DeploymentEnv == config.EnvKubernetes {
		kcli, err := kubernetes.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kubernetes client init")
		}
		runtime = kcli
	} else {
		dcli, err := docker.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("docker client init")
		}
		runtime = dcli
	}
	tunnel := localtunnel.New(cfg, log)

	reg := deployments.NewRegistry()
	alloc := deployments.NewAllocator(cfg.PortRangeMin, cfg.PortRangeMax)
	mgr := deployments.NewManager(reg, alloc, runtime, tunnel, store, cfg, log)

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("error during deployment recovery")
	}

	monitor := deployments.NewMonitor(mgr, cfg, log)
	go monitor.Run(ctx)

	handler := api.NewHandler(mgr, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down server...")
	_ = srv.Shutdown(context.Background())

	// Containers and tunnels stay up across restarts; Recover re-adopts
	// them at the next boot.
	log.Info().Msg("shutdown complete")
}
