// Package hub is the main orchestrator that ties the messaging service
// together: storage, auth, the connection registry, the gateway and the HTTP
// server.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vendora-market/vendora-chat/internal/api"
	"github.com/vendora-market/vendora-chat/internal/auth"
	"github.com/vendora-market/vendora-chat/internal/config"
	"github.com/vendora-market/vendora-chat/internal/gateway"
	"github.com/vendora-market/vendora-chat/internal/notify"
	"github.com/vendora-market/vendora-chat/internal/registry"
	"github.com/vendora-market/vendora-chat/internal/store"
)

// Hub is the main service process.
type Hub struct {
	cfg      *config.Config
	store    store.Store
	provider auth.Provider
	gateway  *gateway.Gateway
	api      *api.Server
	logger   *slog.Logger
}

// New creates a hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	provider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Creates the initial admin user for the builtin provider.
	if err := provider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	var loginProvider auth.LoginProvider
	if lp, ok := provider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	reg := registry.New()
	notifier := notify.New(db, logger, cfg.Messaging.PreviewLength)

	gw := gateway.New(reg, db, notifier, provider, logger, gateway.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		RequireToken:    cfg.Auth.RequireToken,
		MaxMessageBytes: cfg.Messaging.MaxMessageBytes,
		HistoryLimit:    cfg.Messaging.HistoryLimit,
		RingTimeout:     cfg.Messaging.RingTimeout.Duration,
	})

	apiSrv := api.New(gw, db, loginProvider, logger, cfg.Server.MaxBodyBytes)

	h := &Hub{
		cfg:      cfg,
		store:    db,
		provider: provider,
		gateway:  gw,
		api:      apiSrv,
		logger:   logger.With("component", "hub"),
	}

	if !cfg.Auth.RequireToken {
		logger.Warn("auth envelopes accept bare claimed user ids — set auth.require_token in production")
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("hub listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

// runRetentionPurger deletes old notifications on an hourly tick.
func (h *Hub) runRetentionPurger(ctx context.Context, retention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldNotifications(ctx, cutoff); err != nil {
				h.logger.Warn("retention purge failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old notifications", "count", n)
			}
		}
	}
}
