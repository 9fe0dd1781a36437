package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bolashakai/internal/servicetoken"
	"bolashakai/internal/util"
	"bolashakai/pkg/localstore"
	"bolashakai/pkg/store"
	"bolashakai/services/dataapi/internal/config"
	"bolashakai/services/dataapi/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("dataapi", cfg.LogLevel)

	var st store.Store
	switch cfg.Store {
	case "memory":
		st, err = store.NewMemoryStore(localstore.Options{})
	default:
		st, err = store.NewGormStore(cfg.DatabaseURL)
	}
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	previous, err := servicetoken.ParsePreviousSecrets(cfg.ServiceTokenPreviousSecrets)
	if err != nil {
		log.Fatalf("failed to parse previous service token secrets: %v", err)
	}
	verifier, err := servicetoken.NewVerifierWithOptions(servicetoken.VerifierOptions{
		Secret:          cfg.ServiceTokenSecret,
		PreviousSecrets: previous,
		DefaultKeyID:    cfg.ServiceTokenKeyID,
		Audience:        servicetoken.DataAPIAudience,
		AllowedIssuers:  cfg.AllowedIssuers,
		Leeway:          servicetoken.DefaultLeeway,
	})
	if err != nil {
		log.Fatalf("failed to init service token verifier: %v", err)
	}

	httpServer, err := server.New(server.Config{
		Store:        st,
		Verifier:     verifier,
		CORSOrigins:  cfg.CORSOrigins,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("data api listening", "addr", addr, "store", cfg.Store)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}
