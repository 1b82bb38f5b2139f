package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conveyhq/convey/api"
	"github.com/conveyhq/convey/app"
	"github.com/conveyhq/convey/config"
	"github.com/conveyhq/convey/middleware"
)

func main() {
	config.InitLogging()
	appConfig, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Unable to load configuration!!!", err)
	}

	if appConfig == nil {
		log.Fatal("Nil AppConfig, WTF")
	}

	application, err := app.NewApp(appConfig)
	if err != nil {
		log.Fatal("Unable to initialize application", err)
	}
	defer application.Close()

	slog.Debug("Configuration",
		"DevMode", appConfig.DevMode,
		"LogLevel", appConfig.LogLevel,
		"MaxRetries", appConfig.MaxRetries,
		"DeliveryWorkers", appConfig.DeliveryWorkers,
	)

	router := http.NewServeMux()
	api.AddApis(application, router)

	// Re-deliver anything left on the processing list by a previous run.
	// Safe only here: no worker holds a lease yet, so the full drain cannot
	// duplicate live work.
	if requeued, err := application.Queue.RequeueStalled(context.Background()); err != nil {
		slog.Error("Failed to requeue in-flight deliveries from previous run", "error", err)
	} else if requeued > 0 {
		slog.Info("Requeued in-flight deliveries from previous run", "count", requeued)
	}
	app.RescueOrphanedTasks(context.Background(), application)

	stopWorkers := app.StartWorkers(application)
	stopSweeper, err := app.StartSweeper(application)
	if err != nil {
		log.Fatal("Unable to start sweeper", err)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", appConfig.Port),
		Handler: middleware.AllStandardMiddleware(router),
	}

	// Listen for shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Starting Convey", "port", appConfig.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	<-sigChan
	slog.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Stop intake before the workers so nothing new is enqueued, then let
	// in-flight deliveries finish. The broker keeps unacked messages on the
	// processing list for the next run.
	stopWorkers()
	stopSweeper()

	slog.Info("Shutdown complete")
}
