package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ostabo/Spit/internal/chat"
	"github.com/Ostabo/Spit/internal/handlers"
	"github.com/Ostabo/Spit/internal/services"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat client over HTTP",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	bus := services.NewBus(logger)
	gateway, err := cfg.gateway(bus, logger)
	if err != nil {
		return err
	}

	var m handlers.Main
	chatCfg := cfg.chatConfig(gateway, bus, logger)
	chatCfg.OnChange = func(c chat.Change) { m.Observe(c) }
	client := chat.New(chatCfg)
	m = handlers.NewMain(client, logger)

	runCtx, stopClient := context.WithCancel(context.Background())
	clientDone := make(chan struct{})
	go func() {
		defer close(clientDone)
		if err := client.Run(runCtx); err != nil {
			logger.Error("Client stopped", slog.String(errLoggerKey, err.Error()))
		}
	}()

	go func() {
		if err := client.Refresh(runCtx); err != nil && !errors.Is(err, chat.ErrClosed) {
			logger.Warn("Initial model refresh failed", slog.String(errLoggerKey, err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Warn("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("provider", cfg.Provider))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String(errLoggerKey, err.Error()))
		serveErr = err

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Warn("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}
	}

	// The client releases its bus subscription before the bus goes away.
	stopClient()
	<-clientDone

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := bus.Shutdown(ctx); err != nil {
		logger.Warn("Failed to shutdown event bus", slog.String(errLoggerKey, err.Error()))
	}

	return serveErr
}
