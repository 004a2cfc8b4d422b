package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/catdog-api/internal/classifier"
	"github.com/example/catdog-api/internal/logging"
	"github.com/example/catdog-api/internal/metrics"
	"github.com/example/catdog-api/internal/preprocess"
	"github.com/example/catdog-api/internal/repository"
)

// resultTTL bounds how long a prediction stays in the write-through cache.
const resultTTL = 5 * time.Minute

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	Save(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	CountByClass(ctx context.Context) (map[string]int64, error)
}

// ModelInfo describes the deployed model for the labels endpoint and responses.
type ModelInfo struct {
	ModelID    string
	Classes    []string
	ClassNames []string
	ImageSize  int
}

// PredictionResult is the outcome of one prediction request.
type PredictionResult struct {
	RequestID  string
	Prediction *classifier.Prediction
	Format     string
}

// DuplicateReport lists other predictions recorded for the same image bytes.
type DuplicateReport struct {
	Request    *repository.PredictionLog
	Duplicates []*repository.PredictionLog
}

type cachedPrediction struct {
	RequestID      string    `json:"request_id"`
	ModelID        string    `json:"model_id"`
	Probs          []float32 `json:"probs"`
	BestProb       float32   `json:"best_prob"`
	PredictedID    int       `json:"predicted_id"`
	PredictedClass string    `json:"predicted_class"`
	PredictedName  string    `json:"predicted_name"`
	Hash           string    `json:"sha1_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// PredictionUseCase encapsulates the predict flow: preprocessing, the forward
// pass, and best-effort operational recording.
type PredictionUseCase struct {
	repo           PredictionRepository
	cache          Cache
	model          classifier.Classifier
	transform      preprocess.Transform
	info           ModelInfo
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionUseCase constructs a new use case instance.
func NewPredictionUseCase(repo PredictionRepository, cache Cache, model classifier.Classifier, transform preprocess.Transform, info ModelInfo, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		repo:           repo,
		cache:          cache,
		model:          model,
		transform:      transform,
		info:           info,
		logger:         logger.Named("prediction_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ModelInfo returns the deployed model description.
func (uc *PredictionUseCase) ModelInfo() ModelInfo {
	return uc.info
}

// PredictImage runs the full pipeline for one uploaded file: decode and
// preprocess the bytes, run the forward pass, then record the event.
func (uc *PredictionUseCase) PredictImage(ctx context.Context, imageBytes []byte) (*PredictionResult, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict_image", requestID)
	started := time.Now()

	tensor, format, err := uc.transform.TensorFromBytes(imageBytes)
	if err != nil {
		metrics.RejectedUploads.WithLabelValues("undecodable").Inc()
		opLogger.Warn("upload failed to decode", zap.Error(err))
		return nil, logging.NewOperationError("usecase.decode_image", requestID, err)
	}
	metrics.StageDuration.WithLabelValues("preprocess").Observe(time.Since(started).Seconds())

	inferStarted := time.Now()
	pred, err := uc.model.Predict(ctx, tensor)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.forward_pass", requestID, err)
		opLogger.Error("inference failed", zap.Error(wrapped))
		return nil, wrapped
	}
	metrics.StageDuration.WithLabelValues("inference").Observe(time.Since(inferStarted).Seconds())

	elapsed := time.Since(started)
	metrics.StageDuration.WithLabelValues("total").Observe(elapsed.Seconds())
	metrics.PredictionsTotal.WithLabelValues(pred.PredictedClass).Inc()

	opLogger.Info("prediction served",
		zap.String("predicted_class", pred.PredictedClass),
		zap.Float32("best_prob", pred.BestProb),
		zap.String("format", format),
		zap.Duration("elapsed", elapsed),
	)

	uc.recordEvent(ctx, opLogger, requestID, imageBytes, pred, elapsed)

	return &PredictionResult{RequestID: requestID, Prediction: pred, Format: format}, nil
}

// recordEvent writes the prediction to the event store and the write-through
// cache. Recording is operational, not functional: failures are logged and
// counted but never fail the request.
func (uc *PredictionUseCase) recordEvent(ctx context.Context, opLogger *zap.Logger, requestID string, imageBytes []byte, pred *classifier.Prediction, elapsed time.Duration) {
	hash := sha1.Sum(imageBytes)
	hashHex := hex.EncodeToString(hash[:])

	probsJSON, err := json.Marshal(pred.Probs)
	if err != nil {
		opLogger.Error("failed to serialize probabilities", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	log := &repository.PredictionLog{
		RequestID:      requestID,
		ModelID:        pred.ModelID,
		PredictedID:    pred.PredictedID,
		PredictedClass: pred.PredictedClass,
		BestProb:       pred.BestProb,
		Probs:          string(probsJSON),
		SHA1Hash:       hashHex,
		LatencyMs:      float64(elapsed) / float64(time.Millisecond),
		CreatedAt:      now,
	}
	if err := uc.repo.Save(ctx, log); err != nil {
		metrics.StoreFailures.WithLabelValues("postgres").Inc()
		opLogger.Warn("failed to persist prediction event", zap.Error(err))
	}

	cached := cachedPrediction{
		RequestID:      requestID,
		ModelID:        pred.ModelID,
		Probs:          pred.Probs,
		BestProb:       pred.BestProb,
		PredictedID:    pred.PredictedID,
		PredictedClass: pred.PredictedClass,
		PredictedName:  pred.PredictedName,
		Hash:           hashHex,
		CreatedAt:      now,
	}
	serialized, err := json.Marshal(cached)
	if err != nil {
		opLogger.Error("failed to serialize prediction result", zap.Error(err))
		return
	}

	cacheKey := fmt.Sprintf("prediction:%s", requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), resultTTL)
	}); err != nil {
		metrics.StoreFailures.WithLabelValues("redis").Inc()
		opLogger.Warn("failed to cache prediction result", zap.Error(err))
	}
}

// GetResult retrieves a recorded prediction event, preferring the cache and
// falling back to the event store.
func (uc *PredictionUseCase) GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	cacheKey := fmt.Sprintf("prediction:%s", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedPrediction
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			probsJSON, err := json.Marshal(payload.Probs)
			if err != nil {
				probsJSON = []byte("[]")
			}
			return &repository.PredictionLog{
				RequestID:      requestID,
				ModelID:        payload.ModelID,
				PredictedID:    payload.PredictedID,
				PredictedClass: payload.PredictedClass,
				BestProb:       payload.BestProb,
				Probs:          string(probsJSON),
				SHA1Hash:       payload.Hash,
				CreatedAt:      payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestID(ctx, requestID)
}

// GetDuplicateReport finds earlier predictions that saw the same image hash.
func (uc *PredictionUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    log,
		Duplicates: duplicates,
	}, nil
}

func (uc *PredictionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *PredictionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
