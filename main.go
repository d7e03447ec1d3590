package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/sftp-gateway/internal/config"
	"github.com/gluk-w/claworc/sftp-gateway/internal/database"
	"github.com/gluk-w/claworc/sftp-gateway/internal/handlers"
	"github.com/gluk-w/claworc/sftp-gateway/internal/logging"
	"github.com/gluk-w/claworc/sftp-gateway/internal/metrics"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sftpbackend"
	"github.com/gluk-w/claworc/sftp-gateway/internal/shellbackend"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshaudit"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"
	"github.com/gluk-w/claworc/sftp-gateway/internal/transfer"
)

func main() {
	config.Load()

	if err := logging.Init(logging.Config{
		Level:      config.Cfg.LogLevel,
		Format:     config.Cfg.LogFormat,
		OutputPath: config.Cfg.LogFilePath(),
	}); err != nil {
		log.Printf("WARNING: log file disabled: %v", err)
	}
	defer logging.Sync()
	logger := logging.L()

	limits, err := config.Cfg.Limits()
	if err != nil {
		logger.Fatal("invalid limits", zap.Error(err))
	}

	if err := database.Init(config.Cfg.DBPath()); err != nil {
		logger.Fatal("database init", zap.Error(err))
	}
	defer database.Close()

	auditor := sshaudit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays, logger)
	purger, err := auditor.StartPurge(config.Cfg.AuditPurgeSchedule)
	if err != nil {
		logger.Fatal("audit purge", zap.Error(err))
	}

	keyPath, err := homedir.Expand(config.Cfg.SSHKeyPath)
	if err != nil {
		logger.Fatal("expand SSH key path", zap.Error(err))
	}
	signer, publicKey, err := sshproxy.EnsureKeyPair(keyPath)
	if err != nil {
		logger.Fatal("SSH key init", zap.Error(err))
	}
	logger.Info("SSH key loaded", zap.String("path", keyPath), zap.String("public_key", strings.TrimSpace(publicKey)))

	sshMgr := sshproxy.NewManager(signer, logger)
	watchConnections(sshMgr)

	inv, err := config.LoadInventory(config.Cfg.ConnectionsFile)
	if err != nil {
		logger.Fatal("connections inventory", zap.Error(err))
	}
	targets, targetErrs := inv.Targets()
	for _, err := range targetErrs {
		logger.Warn("skipping connection", zap.Error(err))
	}

	transfers := transfer.NewManager(transfer.Options{
		MaxPerSession:  config.Cfg.MaxTransfersPerSession,
		OnActiveChange: metrics.SetActiveTransfers,
	})
	sftpSvc := sftpbackend.New(sshMgr.OpenSFTP, transfers, sftpbackend.Options{
		Enabled:           config.Cfg.SFTPEnabled,
		UploadChunkSize:   limits.MaxChunkSize,
		DownloadChunkSize: limits.DownloadChunkSize,
		Logger:            logger,
	})
	shellSvc := shellbackend.New(sshMgr, transfers, shellbackend.Options{
		Enabled:           config.Cfg.SFTPEnabled,
		UploadChunkSize:   limits.MaxChunkSize,
		DownloadChunkSize: limits.DownloadChunkSize,
		Logger:            logger,
	})

	overrides := make(map[string]string)
	for _, c := range inv.Connections {
		if c.Backend != "" {
			overrides[c.ID] = c.Backend
		}
	}
	selector := &handlers.ServiceSelector{
		SFTP:      sftpSvc,
		Shell:     shellSvc,
		Mode:      config.Cfg.FileBackend,
		Overrides: overrides,
		Probe:     sshMgr.SupportsSFTP,
	}
	handlers.SSHMgr = sshMgr
	handlers.Selector = selector

	sftpHandler := handlers.NewSFTPHandler(selector, sshMgr, handlers.Limits{
		MaxUploadSize: limits.MaxUploadSize,
		MaxChunkSize:  limits.MaxChunkSize,
	}, config.Cfg.AllowedOrigins, logger)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sshMgr.ConnectAll(sigCtx, targets); err != nil {
			logger.Warn("some connections failed", zap.Error(err))
		}
		logger.Info("SSH connections dialed", zap.Int("targets", len(targets)))
	}()

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/connections", handlers.ListConnections)
		r.Get("/connections/{id}/sftp", sftpHandler.ServeWS)

		r.Get("/audit-logs", handlers.GetAuditLogs)
		r.Post("/audit-logs/purge", handlers.PurgeAuditLogs)

		r.Get("/server-logs", handlers.GetServerLogs)
		r.Delete("/server-logs", handlers.ClearServerLogs)
	})

	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", config.Cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-sigCtx.Done()
	logger.Info("shutting down")

	<-purger.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	if err := sshMgr.CloseAll(); err != nil {
		logger.Warn("SSH manager shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

// watchConnections audits SSH state changes and keeps the connection gauge
// current.
func watchConnections(mgr *sshproxy.Manager) {
	var (
		mu          sync.Mutex
		connectedAt = make(map[string]time.Time)
	)
	mgr.OnStateChange(func(id string, from, to sshproxy.ConnectionState, reason string) {
		mu.Lock()
		switch to {
		case sshproxy.StateConnected:
			connectedAt[id] = time.Now()
			sshaudit.LogConnection(id, strings.TrimPrefix(reason, "connected to "))
		case sshproxy.StateFailed:
			delete(connectedAt, id)
			sshaudit.LogConnectionFailed(id, reason)
		case sshproxy.StateDisconnected:
			if from == sshproxy.StateConnected {
				var dur int64
				if at, ok := connectedAt[id]; ok {
					dur = time.Since(at).Milliseconds()
				}
				sshaudit.LogDisconnection(id, reason, dur)
			}
			delete(connectedAt, id)
		}
		metrics.SetSSHConnections(len(connectedAt))
		mu.Unlock()
	})
}
