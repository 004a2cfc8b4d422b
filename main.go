package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/catdog-api/internal/config"
	"github.com/example/catdog-api/internal/handlers"
	"github.com/example/catdog-api/internal/logging"
	"github.com/example/catdog-api/internal/onnx"
	"github.com/example/catdog-api/internal/preprocess"
	"github.com/example/catdog-api/internal/repository"
	"github.com/example/catdog-api/internal/usecase"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	cfg := config.Load()

	logger, err := logging.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewPredictionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg, logger)

	model, err := onnx.Load(onnx.Options{
		ModelPath:    cfg.ModelPath,
		MetadataPath: cfg.MetadataPath,
		LibraryPath:  cfg.OnnxLibraryPath,
		Device:       cfg.Device,
	}, logger)
	if err != nil {
		logger.Fatal("failed to load model", zap.Error(err))
	}
	defer model.Close()

	meta := model.Meta()
	transform := preprocess.Transform{
		Width:  meta.ImageSize,
		Height: meta.ImageSize,
		Mean:   meta.Mean,
		Std:    meta.Std,
	}
	info := usecase.ModelInfo{
		ModelID:    meta.ModelID,
		Classes:    meta.Classes,
		ClassNames: meta.ClassNames,
		ImageSize:  meta.ImageSize,
	}

	cache := usecase.NewRedisCache(redisClient)
	uc := usecase.NewPredictionUseCase(repo, cache, model, transform, info, fileLogger(cfg, logger, "predictions.log", "prediction"))

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(handlers.AccessLogger(fileLogger(cfg, logger, "access.log", "http")))
	r.Use(handlers.CORS(cfg.AllowedOrigins))
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc)

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("catdog API listening", zap.String("addr", cfg.HTTPAddr), zap.String("model", meta.ModelID))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Info)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// fileLogger builds a logger that mirrors events into a file under the log
// directory, falling back to the base logger when the file cannot be opened.
func fileLogger(cfg *config.Config, base *zap.Logger, filename, name string) *zap.Logger {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		base.Warn("failed to create log directory", zap.Error(err), zap.String("dir", cfg.LogDir))
		return base.Named(name)
	}
	logger, err := logging.NewFileLogger(filepath.Join(cfg.LogDir, filename))
	if err != nil {
		base.Warn("failed to open log file", zap.Error(err), zap.String("file", filename))
		return base.Named(name)
	}
	return logger.Named(name)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithListener(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, listener, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
