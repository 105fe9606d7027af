// Package main is the entry point for the Aiden control plane. One
// binary runs the HTTP API, the task-engine worker pool, and the health
// reconciler with shared infrastructure.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aidenhq/aiden/internal/agent"
	"github.com/aidenhq/aiden/internal/api"
	"github.com/aidenhq/aiden/internal/auth"
	"github.com/aidenhq/aiden/internal/bus"
	"github.com/aidenhq/aiden/internal/common/config"
	"github.com/aidenhq/aiden/internal/common/logger"
	"github.com/aidenhq/aiden/internal/controller"
	"github.com/aidenhq/aiden/internal/fabric"
	"github.com/aidenhq/aiden/internal/health"
	"github.com/aidenhq/aiden/internal/metrics"
	"github.com/aidenhq/aiden/internal/runtime"
	"github.com/aidenhq/aiden/internal/store"
	"github.com/aidenhq/aiden/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting aiden control plane", zap.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	messageBus, err := bus.Provide(cfg.Broker, log)
	if err != nil {
		log.Fatal("failed to connect broker", zap.Error(err))
	}
	defer messageBus.Close()

	fab, err := fabric.NewAWS(ctx, cfg.Environment().Fabric)
	if err != nil {
		log.Fatal("failed to initialize cloud fabric", zap.Error(err))
	}

	ctrl := controller.New()
	m := metrics.New()

	engine := tasks.New(messageBus, st, cfg.Tasks.Workers, m, log)
	runtimes := runtime.NewService(
		st, fab, ctrl, engine,
		cfg.Environment().Fabric, cfg.Pool, runtime.DefaultPolls(), m, log)
	agents := agent.NewService(st, ctrl, engine, runtimes, agent.DefaultPolls(), log)
	reconciler := health.NewReconciler(
		st, engine, ctrl, runtimes, agents, cfg.Health.Interval(), m, log)

	if err := engine.Start(ctx); err != nil {
		log.Fatal("failed to start task workers", zap.Error(err))
	}
	reconciler.Start(ctx)

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	handlers := api.NewHandlers(st, agents, runtimes, engine, log)
	router := api.NewRouter(cfg, handlers, verifier, m, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info("shutdown signal received", zap.String("signal", sig.String()))
		case <-gctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		reconciler.Stop()
		engine.Stop()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal("control plane exited", zap.Error(err))
	}
	log.Info("control plane stopped")
}
