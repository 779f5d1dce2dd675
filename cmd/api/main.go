// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/messenger-platform/messaging-service/internal/config"
	"github.com/messenger-platform/messaging-service/internal/handler"
	"github.com/messenger-platform/messaging-service/internal/media"
	natsclient "github.com/messenger-platform/messaging-service/internal/nats"
	"github.com/messenger-platform/messaging-service/internal/notify"
	"github.com/messenger-platform/messaging-service/internal/service"
	"github.com/messenger-platform/messaging-service/internal/store"
	"github.com/messenger-platform/messaging-service/internal/store/memory"
	"github.com/messenger-platform/messaging-service/internal/store/pebblestore"
	"github.com/messenger-platform/messaging-service/pkg/logger"
	"github.com/messenger-platform/messaging-service/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	log.Info("starting API server", zap.String("store_backend", cfg.StoreBackend))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "messaging-service", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	st, notifier, closeBackend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeBackend()

	mediaSvc, err := openMedia(ctx, cfg, log)
	if err != nil {
		return err
	}

	// Initialize services
	clk := clock.WallClock
	directorySvc := service.NewDirectoryService(st, clk, log)
	conversationSvc := service.NewConversationService(st, notifier, log)
	messageSvc := service.NewMessageService(st, conversationSvc, notifier, clk, cfg.ReconcileInterval, log)
	gateway := service.NewGateway(conversationSvc, messageSvc, notifier, log)

	reconciler := service.NewReconciler(messageSvc, clk, cfg.ReconcileInterval, log)
	go reconciler.Run(ctx)

	router := handler.NewRouter(handler.RouterConfig{
		Health:            handler.NewHealthHandler(map[string]handler.Pinger{"store": st}),
		Users:             handler.NewUserHandler(directorySvc, log),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Messages:          handler.NewMessageHandler(messageSvc, log),
		Streams:           handler.NewStreamHandler(gateway, cfg.HeartbeatInterval, log),
		Media:             handler.NewMediaHandler(mediaSvc, cfg.MaxUploadSize, log),
		JWTSecret:         cfg.JWTSecret,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		AllowedOrigins:    cfg.CORSAllowedOrigins,
		Logger:            log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	// Streams and the reconciler observe ctx, so cancel it before waiting on the server.
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

// openBackend opens the configured store and the notifier paired with it. The returned func
// releases both.
func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, notify.Notifier, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		st := memory.New()
		return st, notify.NewHub(), func() { st.Close() }, nil

	case config.BackendPebble:
		st, err := pebblestore.Open(cfg.PebblePath, log)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		return st, notify.NewHub(), func() {
			if err := st.Close(); err != nil {
				log.Error("failed to close pebble store", zap.Error(err))
			}
		}, nil

	case config.BackendNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, nil, err
		}
		st, err := natsclient.Open(ctx, client, log)
		if err != nil {
			client.Close()
			return nil, nil, nil, fmt.Errorf("failed to open NATS store: %w", err)
		}
		notifier, err := natsclient.NewNotifier(client, log)
		if err != nil {
			client.Close()
			return nil, nil, nil, err
		}
		return st, notifier, func() {
			notifier.Close()
			client.Close()
		}, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// openMedia returns nil when no bucket is configured, which disables uploads.
func openMedia(ctx context.Context, cfg *config.Config, log *logger.Logger) (*media.Service, error) {
	if cfg.S3Bucket == "" {
		log.Info("media uploads disabled, S3_BUCKET not set")
		return nil, nil
	}
	objects, err := media.NewS3Store(ctx, media.S3Config{
		Bucket:          cfg.S3Bucket,
		Region:          cfg.S3Region,
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		BaseURL:         cfg.MediaBaseURL,
	}, log)
	if err != nil {
		return nil, err
	}
	return media.NewService(objects, cfg.MaxUploadSize, log), nil
}
