package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezzyhealth/rezzy/db"
	"github.com/rezzyhealth/rezzy/internal/config"
	"github.com/rezzyhealth/rezzy/internal/log"
	"github.com/rezzyhealth/rezzy/internal/relay"
	"github.com/rezzyhealth/rezzy/internal/store"
	"github.com/rezzyhealth/rezzy/internal/tools"
	"github.com/rezzyhealth/rezzy/internal/upstream"
)

// Server timeouts. WriteTimeout must cover a full streamed response.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 5 * time.Minute
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{Level: cfg.SlogLevel(), JSON: cfg.LogJSON})
	logger.Info("starting relay", "config", cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.Migrate(cfg.DatabaseURL, logger.With("component", "migrate")); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	st, err := store.Connect(ctx, cfg.DatabaseURL, logger.With("component", "store"))
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer st.Close()

	up := upstream.NewClient(upstream.Config{
		BaseURL:         cfg.UpstreamBaseURL,
		APIKey:          cfg.UpstreamAPIKey,
		Model:           cfg.Model,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}, nil, logger.With("component", "upstream"))

	server, err := relay.NewServer(ctx, relay.ServerConfig{
		Logger:             logger.With("component", "relay"),
		Store:              st,
		Upstream:           up,
		Tools:              tools.Default(),
		HMACSecret:         []byte(cfg.HMACSecret),
		CORSOrigins:        cfg.CORSOrigins,
		CanonicalOrigin:    cfg.CanonicalOrigin,
		TrustProxy:         cfg.TrustProxy,
		RateBurst:          cfg.RateBurst,
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		DemoQueryLimit:     cfg.DemoQueryLimit,
	})
	if err != nil {
		return fmt.Errorf("creating relay server: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("relay ready",
		"addr", cfg.ListenAddr,
		"api", "/api/v1/*",
		"health", "/healthz, /readyz",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down relay")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}
