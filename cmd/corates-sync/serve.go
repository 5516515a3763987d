package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/attachments"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/bridge"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/config"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/database"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/membership"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/room"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/server"
	"github.com/MarcoPoloResearchLab/corates/backend/internal/users"
)

const (
	shutdownTimeout   = 15 * time.Second
	sweepMinUpdates   = 1
	readHeaderTimeout = 10 * time.Second
)

func loadRuntime() (config.AppConfig, *zap.Logger, *gorm.DB, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, err
	}
	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		_ = logger.Sync()
		return config.AppConfig{}, nil, nil, err
	}
	return appConfig, logger, db, nil
}

func openBlobStore(ctx context.Context, blob config.BlobConfig, logger *zap.Logger) (attachments.ObjectStore, error) {
	if !blob.Enabled() {
		logger.Warn("blob storage not configured; PDFs are kept in memory")
		return attachments.NewMemoryStore(), nil
	}
	return attachments.NewMinioStore(ctx, attachments.MinioConfig{
		Endpoint:  blob.Endpoint,
		AccessKey: blob.AccessKey,
		SecretKey: blob.SecretKey,
		Bucket:    blob.Bucket,
		UseSSL:    blob.UseSSL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, logger, db, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewService(persistence.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	blobStore, err := openBlobStore(signalCtx, appConfig.Blob, logger)
	if err != nil {
		return err
	}
	attachmentService, err := attachments.NewService(attachments.ServiceConfig{Store: blobStore, Logger: logger})
	if err != nil {
		return err
	}

	registry, err := room.NewRegistry(room.Config{
		Store:               store,
		Members:             membership.NewRoleReader(db),
		Blobs:               attachmentService,
		Logger:              logger,
		IdleTimeout:         appConfig.RoomIdleTimeout,
		CompactAfterUpdates: appConfig.CompactAfterUpdates,
	})
	if err != nil {
		return err
	}
	syncBridge, err := bridge.New(bridge.Config{
		Target:         registry,
		Store:          store,
		Logger:         logger,
		MaxAttempts:    appConfig.BridgeMaxAttempts,
		InitialBackoff: appConfig.BridgeInitialBackoff,
	})
	if err != nil {
		return err
	}

	var relay *notify.Relay
	if strings.TrimSpace(appConfig.RedisURL) != "" {
		relay, err = notify.NewRelay(appConfig.RedisURL)
		if err != nil {
			return err
		}
		defer relay.Close() //nolint:errcheck
	}
	hub := notify.NewHub(notify.Config{Relay: relay, Logger: logger})
	if err := hub.StartRelay(signalCtx); err != nil {
		return fmt.Errorf("start notification relay: %w", err)
	}

	projectService, err := membership.NewService(membership.ServiceConfig{
		Database: db,
		Sync:     syncBridge,
		Notifier: hub,
		Profiles: userService,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessionValidator,
		Users:             userService,
		Projects:          projectService,
		Rooms:             registry,
		Attachments:       attachmentService,
		Notifications:     hub,
		Logger:            logger,
		AllowedOrigins:    appConfig.AllowedOrigins,
		MessagesPerSecond: appConfig.MessagesPerSecond,
		MessageBurst:      appConfig.MessageBurst,
	})
	if err != nil {
		return err
	}

	var scheduler *persistence.Scheduler
	if strings.TrimSpace(appConfig.CompactionSchedule) != "" {
		scheduler, err = persistence.NewScheduler(persistence.SchedulerConfig{
			Service:    store,
			Schedule:   appConfig.CompactionSchedule,
			MinUpdates: sweepMinUpdates,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		if scheduler != nil {
			if err := scheduler.Stop(shutdownCtx); err != nil {
				shutdownErr = errors.Join(shutdownErr, err)
			}
		}
		projectService.Wait()
		if err := registry.Close(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
		logger.Info("server stopped")
		return shutdownErr
	})
	return group.Wait()
}
