package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"bolashakai/internal/servicetoken"
	"bolashakai/internal/util"
	"bolashakai/pkg/ai"
	"bolashakai/pkg/backup"
	"bolashakai/pkg/dataaccess"
	"bolashakai/pkg/domain"
	"bolashakai/pkg/jobs"
	"bolashakai/pkg/localstore"
	"bolashakai/pkg/queue"
	"bolashakai/pkg/storage"
	"bolashakai/services/portal/internal/app"
	"bolashakai/services/portal/internal/config"
	"bolashakai/services/portal/internal/server"
	"bolashakai/services/portal/internal/session"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger("portal", cfg.LogLevel)

	kv, err := localstore.OpenKV(localstore.BackendOptions{
		Backend:       cfg.LocalStore.Backend,
		Path:          cfg.LocalStore.Path,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		Prefix:        cfg.LocalStore.Prefix,
	})
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	if closer, ok := kv.(io.Closer); ok {
		defer closer.Close()
	}
	local := localstore.New(kv, localstore.Options{})
	initCtx, cancelInit := context.WithTimeout(context.Background(), 10*time.Second)
	if err := local.Init(initCtx); err != nil {
		log.Fatalf("failed to init local store: %v", err)
	}
	if err := local.PutUiItems(initCtx, domain.CatalogSeed(time.Now().UTC())); err != nil {
		log.Fatalf("failed to seed catalog: %v", err)
	}
	cancelInit()

	var remote dataaccess.Remote
	if cfg.Local() {
		remote = dataaccess.NewLocalBackend(local, nil)
	} else {
		signer, err := servicetoken.NewSignerWithOptions(servicetoken.SignerOptions{
			Secret: cfg.ServiceTokenSecret,
			KeyID:  cfg.ServiceTokenKeyID,
			Issuer: "portal",
			TTL:    servicetoken.DefaultTokenTTL,
		})
		if err != nil {
			log.Fatalf("failed to init service token signer: %v", err)
		}
		client, err := dataaccess.NewRemoteClient(dataaccess.RemoteOptions{BaseURL: cfg.DataAPIURL, Authorizer: signer})
		if err != nil {
			log.Fatalf("failed to init data api client: %v", err)
		}
		remote = client
	}
	policy, err := dataaccess.ParsePolicy(cfg.FallbackResources)
	if err != nil {
		log.Fatalf("failed to parse fallback resources: %v", err)
	}
	facade := dataaccess.New(remote, dataaccess.Options{Local: local, Policy: policy})

	revoker := session.NewRedisRevoker(cfg.RedisAddr, cfg.RedisPassword)
	defer revoker.Close()
	sessions, err := session.NewManager(session.Options{
		Secret:  cfg.SessionSecret,
		TTL:     time.Duration(cfg.SessionTTLMinutes) * time.Minute,
		Revoker: revoker,
	})
	if err != nil {
		log.Fatalf("failed to init sessions: %v", err)
	}

	gen, err := ai.New(ai.Config{
		Provider: cfg.AI.Provider,
		APIKey:   cfg.AI.APIKey,
		Model:    cfg.AI.Model,
		BaseURL:  cfg.AI.BaseURL,
	})
	switch {
	case errors.Is(err, ai.ErrNotConfigured):
		logger.Warn("ai provider not configured; chat replies with the missing-key notice")
		gen = nil
	case err != nil:
		log.Fatalf("failed to init ai provider: %v", err)
	}

	var archive *backup.Archive
	if cfg.Minio.Endpoint != "" {
		objects, err := storage.NewMinioStore(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Bucket, cfg.Minio.UseSSL)
		if err != nil {
			log.Fatalf("failed to init object storage: %v", err)
		}
		archive = backup.NewArchive(objects, 15*time.Minute)
	}
	var backupJobs *queue.RedisJobQueue
	if archive != nil {
		backupJobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   "bolashak:portal:backup-jobs",
			Group:    "portal",
		})
		if err != nil {
			log.Fatalf("failed to init backup job queue: %v", err)
		}
		defer backupJobs.Close()
	}

	application, err := app.New(app.Config{
		Data:       facade,
		Sessions:   sessions,
		Generator:  gen,
		Jobs:       jobs.NewClient(cfg.JobsBaseURL, 10*time.Second),
		Archive:    archive,
		BackupJobs: backupQueue(backupJobs),
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:                        application,
		RedisAddr:                  cfg.RedisAddr,
		RedisPassword:              cfg.RedisPassword,
		CORSOrigins:                cfg.CORSOrigins,
		TrustedProxies:             cfg.TrustedProxies,
		MaxUploadBytes:             cfg.MaxUploadBytes,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		ChatRateLimitPerMinute:     cfg.ChatRateLimitPerMinute,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}
	defer httpServer.Close()

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
	if backupJobs != nil {
		backupJobs.Start(util.ContextWithLogger(ctx, logger.With("component", "backup-jobs")), 1, application.RunBackupJob)
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("portal listening", "addr", addr, "dataMode", cfg.DataMode, "fallback", policy.Resources())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
	// audit writes started by in-flight requests
	facade.Wait()
}

// backupQueue keeps a nil queue from becoming a non-nil interface.
func backupQueue(q *queue.RedisJobQueue) app.BackupQueue {
	if q == nil {
		return nil
	}
	return q
}
