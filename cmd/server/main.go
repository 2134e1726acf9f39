package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/sdpbridge/internal/breaker"
	"github.com/sdpbridge/sdpbridge/internal/config"
	"github.com/sdpbridge/sdpbridge/internal/crypto"
	"github.com/sdpbridge/sdpbridge/internal/mcpserver/server"
	"github.com/sdpbridge/sdpbridge/internal/oauth"
	"github.com/sdpbridge/sdpbridge/internal/ratelimit"
	"github.com/sdpbridge/sdpbridge/internal/sdp"
	"github.com/sdpbridge/sdpbridge/internal/store"
	"github.com/sdpbridge/sdpbridge/internal/token"
)

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "sdpbridge").Logger()

	cfg := config.Load()

	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	// Pretty logging for local dev
	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	master, err := cfg.MasterKey()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid master key")
	}
	box, err := crypto.NewBox(master)
	if err != nil {
		log.Fatal().Err(err).Msg("initializing encryption")
	}

	// Credential store
	var st store.Store
	if cfg.StoreDSN == "memory" {
		log.Warn().Msg("using in-memory tenant store; credentials will not survive a restart")
		st = store.NewMemory()
	} else {
		pg, err := store.Open(ctx, cfg.StoreDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pg.Close()
		st = pg
	}

	// Rate-limit coordination. Multi-instance deployments need the Redis
	// backend so refresh limits hold across the fleet.
	refreshPolicy := ratelimit.RefreshPolicy{
		MinGap:      cfg.RefreshMinGap,
		Window:      cfg.RefreshWindow,
		WindowLimit: cfg.RefreshWindowLimit,
	}
	callBudget := ratelimit.CallBudget{
		PerMinute: cfg.CallsPerMinute,
		PerHour:   cfg.CallsPerHour,
		PerDay:    cfg.CallsPerDay,
	}
	var coord ratelimit.Coordinator
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		coord = ratelimit.NewRedis(rdb, refreshPolicy, callBudget)
		log.Info().Msg("rate limits coordinated via redis")
	} else {
		coord = ratelimit.NewLocal(refreshPolicy, callBudget)
	}

	// Circuit breakers, with open state persisted so restarts keep
	// protecting a failing upstream.
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		SuccessThreshold: uint32(cfg.BreakerSuccessThreshold),
		ResetTimeout:     cfg.BreakerResetTimeout,
	}, func(change breaker.StateChange) {
		persistCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rec, err := st.Get(persistCtx, change.TenantID)
		if err != nil {
			return
		}
		switch change.Target {
		case breaker.TargetIdentity:
			rec.Breaker.Identity = change.Snapshot
		case breaker.TargetAPI:
			rec.Breaker.API = change.Snapshot
		}
		if err := st.Upsert(persistCtx, rec); err != nil {
			log.Warn().Err(err).Str("tenant_id", change.TenantID).Msg("persisting breaker state failed")
		}
	})
	restoreBreakers(ctx, st, breakers)

	tokens := token.NewManager(token.Config{
		Store:         st,
		Box:           box,
		Provider:      oauth.New(),
		Coordinator:   coord,
		Breakers:      breakers,
		SafetyMargin:  cfg.RefreshSafetyMargin,
		RefreshBudget: cfg.RefreshTimeout,
	})
	if cfg.ProactiveRefresh {
		tokens.StartProactiveRefresh(ctx, time.Minute)
	}

	sdpClient := sdp.NewClient(sdp.Deps{
		Store:       st,
		Tokens:      tokens,
		Coordinator: coord,
		Breakers:    breakers,
	})

	srv := server.NewMCPServer(cfg, server.Deps{
		Store:       st,
		Box:         box,
		Tokens:      tokens,
		SDP:         sdpClient,
		Coordinator: coord,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// restoreBreakers reloads persisted open circuits after a restart.
func restoreBreakers(ctx context.Context, st store.Store, breakers *breaker.Registry) {
	recs, err := st.ListActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("could not list tenants for breaker restore")
		return
	}
	for _, rec := range recs {
		if rec.Breaker.Identity != "" {
			breakers.Restore(rec.Tenant.ID, breaker.TargetIdentity, rec.Breaker.Identity)
		}
		if rec.Breaker.API != "" {
			breakers.Restore(rec.Tenant.ID, breaker.TargetAPI, rec.Breaker.API)
		}
	}
}
