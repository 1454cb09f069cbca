package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/taskhub/internal/app"
	"github.com/taskhub/internal/cache"
	"github.com/taskhub/internal/service"
	"github.com/taskhub/internal/store"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("server stopped")
	}
}

func run() error {
	configPath := os.Getenv("TASKHUB_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	config, err := app.Load(configPath)
	if err != nil {
		return err
	}
	if err := app.SetupLogging(config.Logging, os.Stderr); err != nil {
		return err
	}
	if err := config.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Open(ctx, config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisPool, err := cache.NewPool(ctx, config)
	if err != nil {
		return err
	}
	defer func() { _ = redisPool.Close() }()

	deps := service.NewDependencies(config, pool, redisPool)
	srv := NewServer(config, service.NewTaskService(deps), service.NewProjectService(deps), service.NewUserService(deps))

	server := &http.Server{
		Addr:         config.Server.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  config.ReadTimeout(),
		WriteTimeout: config.WriteTimeout(),
		IdleTimeout:  config.IdleTimeout(),
	}

	errs := make(chan error, 1)
	go func() {
		logrus.Infof("Listening at %s", config.Server.Listen)
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
