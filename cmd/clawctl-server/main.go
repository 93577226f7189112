// Command clawctl-server is the composition root entrypoint: it loads
// configuration, builds the Application, starts the HTTP/WebSocket
// surface, and shuts everything down in order on SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/clawline/clawctl/infrastructure/logging"
	"github.com/clawline/clawctl/infrastructure/middleware"
	"github.com/clawline/clawctl/internal/app"
	"github.com/clawline/clawctl/internal/app/httpapi"
	"github.com/clawline/clawctl/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.New("clawctl-server", cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal(ctx, "build application", err)
	}

	server := httpapi.NewServer(application)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdown := middleware.NewGracefulShutdown(httpServer, 10*time.Second)
	shutdown.OnShutdown(func() {
		logger.Info(ctx, "clawctl-server: shutdown signal received", nil)
		cancel()
	})
	shutdown.ListenForSignals()

	go application.Run(ctx)

	logger.WithFields(map[string]interface{}{"addr": cfg.HTTPAddr}).Info("clawctl-server: listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("clawctl-server: http server error")
	}

	shutdown.Wait()
}
