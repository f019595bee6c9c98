// slowplayd is the spoiler-free sports chat server: one process serving the
// WebSocket gateway, the REST API and the Prometheus scrape endpoint.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "go.uber.org/automaxprocs"

	"github.com/slowplay/slowplay/internal/auth"
	"github.com/slowplay/slowplay/internal/config"
	"github.com/slowplay/slowplay/internal/gateway"
	"github.com/slowplay/slowplay/internal/httpapi"
	"github.com/slowplay/slowplay/internal/monitoring"
	"github.com/slowplay/slowplay/internal/store"
)

func main() {
	bootstrap := monitoring.NewLogger(monitoring.LoggerConfig{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("configuration error")
	}

	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("database_url", cfg.DatabaseURL).Msg("failed to open store")
	}
	defer st.Close()

	verifier := auth.NewVerifier(cfg.AuthIssuerURL, logger)

	gw := gateway.NewServer(cfg, st, verifier, logger)
	gw.Start()

	router := mux.NewRouter()
	router.HandleFunc("/ws", gw.HandleWebSocket)
	httpapi.New(st, verifier, logger).Register(router)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	gw.Shutdown(ctx)
	logger.Info().Msg("shutdown complete")
}
