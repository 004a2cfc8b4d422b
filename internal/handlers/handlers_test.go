package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/catdog-api/internal/classifier"
	"github.com/example/catdog-api/internal/preprocess"
	"github.com/example/catdog-api/internal/repository"
	"github.com/example/catdog-api/internal/usecase"
)

type stubRepository struct {
	findLog     *repository.PredictionLog
	findErr     error
	duplicates  []*repository.PredictionLog
	aggregation *repository.MetricsAggregation
	classCounts map[string]int64
}

func (s *stubRepository) Save(ctx context.Context, log *repository.PredictionLog) error {
	return nil
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, errors.New("not found")
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.PredictionLog, error) {
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggregation != nil {
		return s.aggregation, nil
	}
	return &repository.MetricsAggregation{}, nil
}

func (s *stubRepository) CountByClass(ctx context.Context) (map[string]int64, error) {
	return s.classCounts, nil
}

type stubCache struct {
	value  string
	getErr error
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	return s.value, s.getErr
}

type stubClassifier struct {
	prediction *classifier.Prediction
	err        error
}

func (s *stubClassifier) Predict(ctx context.Context, tensor []float32) (*classifier.Prediction, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.prediction, nil
}

func newTestRouter(repo *stubRepository, cache *stubCache, model *stubClassifier) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize

	transform := preprocess.Transform{
		Width:  8,
		Height: 8,
		Mean:   [3]float32{0.5, 0.5, 0.5},
		Std:    [3]float32{0.5, 0.5, 0.5},
	}
	info := usecase.ModelInfo{
		ModelID:    "catdog-test",
		Classes:    []string{"cat", "dog"},
		ClassNames: []string{"Cat", "Dog"},
		ImageSize:  8,
	}
	uc := usecase.NewPredictionUseCase(repo, cache, model, transform, info, zap.NewNop())
	RegisterRoutes(router, uc)
	return router
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func pngBytes(t *testing.T) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 30, G: 180, B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestPredictRejectsLargeUpload(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, &usecase.PredictionUseCase{})

	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1))

	req := httptest.NewRequest(http.MethodPost, "/catdog_classification/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestPredictRejectsUnsupportedContentType(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, &usecase.PredictionUseCase{})

	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"))

	req := httptest.NewRequest(http.MethodPost, "/catdog_classification/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestPredictRejectsMissingFile(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, &usecase.PredictionUseCase{})

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("note", "no file here"); err != nil {
		t.Fatalf("failed to write form field: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/catdog_classification/predict", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestPredictRejectsNonImagePayload(t *testing.T) {
	router := newTestRouter(&stubRepository{}, &stubCache{}, &stubClassifier{})

	body, contentType := buildMultipartBody(t, "image/png", []byte("not an image at all"))

	req := httptest.NewRequest(http.MethodPost, "/catdog_classification/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestPredictReturnsPredictionJSON(t *testing.T) {
	model := &stubClassifier{prediction: &classifier.Prediction{
		Probs:          []float32{0.8, 0.2},
		BestProb:       0.8,
		PredictedID:    0,
		PredictedClass: "cat",
		PredictedName:  "Cat",
		ModelID:        "catdog-test",
	}}
	router := newTestRouter(&stubRepository{}, &stubCache{}, model)

	body, contentType := buildMultipartBody(t, "image/png", pngBytes(t))

	req := httptest.NewRequest(http.MethodPost, "/catdog_classification/predict", body)
	req.Header.Set("Content-Type", contentType)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var payload struct {
		Probs          []float64 `json:"probs"`
		BestProb       float64   `json:"best_prob"`
		PredictedID    int       `json:"predicted_id"`
		PredictedClass string    `json:"predicted_class"`
		PredictedName  string    `json:"predicted_name"`
		Model          string    `json:"model"`
		RequestID      string    `json:"request_id"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if len(payload.Probs) != 2 {
		t.Fatalf("expected two class probabilities, got %v", payload.Probs)
	}
	if math.Abs(payload.Probs[0]+payload.Probs[1]-1.0) > 1e-6 {
		t.Fatalf("expected probabilities to sum to 1, got %v", payload.Probs)
	}
	if payload.BestProb != payload.Probs[payload.PredictedID] {
		t.Fatalf("expected best_prob to match probs[%d], got %v vs %v", payload.PredictedID, payload.BestProb, payload.Probs)
	}
	if payload.PredictedClass != "cat" || payload.PredictedName != "Cat" {
		t.Fatalf("unexpected labels: %s / %s", payload.PredictedClass, payload.PredictedName)
	}
	if payload.Model != "catdog-test" {
		t.Fatalf("unexpected model id: %s", payload.Model)
	}
	if payload.RequestID == "" {
		t.Fatal("expected a request id in the response")
	}
}

func TestLabelsDescribesModel(t *testing.T) {
	router := newTestRouter(&stubRepository{}, &stubCache{}, &stubClassifier{})

	req := httptest.NewRequest(http.MethodGet, "/catdog_classification/labels", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var payload struct {
		Model      string   `json:"model"`
		Classes    []string `json:"classes"`
		ClassNames []string `json:"class_names"`
		ImageSize  int      `json:"image_size"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.Model != "catdog-test" {
		t.Fatalf("unexpected model id: %s", payload.Model)
	}
	if len(payload.Classes) != 2 || payload.Classes[0] != "cat" || payload.Classes[1] != "dog" {
		t.Fatalf("unexpected classes: %v", payload.Classes)
	}
	if len(payload.ClassNames) != 2 || payload.ClassNames[1] != "Dog" {
		t.Fatalf("unexpected class names: %v", payload.ClassNames)
	}
	if payload.ImageSize != 8 {
		t.Fatalf("unexpected image size: %d", payload.ImageSize)
	}
}

func TestResultReturnsStoredPrediction(t *testing.T) {
	stored := &repository.PredictionLog{
		RequestID:      "req-42",
		ModelID:        "catdog-test",
		PredictedID:    1,
		PredictedClass: "dog",
		BestProb:       0.7,
		Probs:          "[0.3,0.7]",
	}
	router := newTestRouter(&stubRepository{findLog: stored}, &stubCache{getErr: redis.Nil}, &stubClassifier{})

	req := httptest.NewRequest(http.MethodGet, "/catdog_classification/result/req-42", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var payload struct {
		RequestID      string    `json:"request_id"`
		PredictedClass string    `json:"predicted_class"`
		Probs          []float64 `json:"probs"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.RequestID != "req-42" || payload.PredictedClass != "dog" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.Probs) != 2 || math.Abs(payload.Probs[1]-0.7) > 1e-6 {
		t.Fatalf("unexpected probs: %v", payload.Probs)
	}
}

func TestResultNotFound(t *testing.T) {
	router := newTestRouter(&stubRepository{findErr: errors.New("missing")}, &stubCache{getErr: redis.Nil}, &stubClassifier{})

	req := httptest.NewRequest(http.MethodGet, "/catdog_classification/result/unknown", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.Code)
	}
}

func TestDuplicatesListsMatchingUploads(t *testing.T) {
	stored := &repository.PredictionLog{RequestID: "req-7", SHA1Hash: "feed", PredictedClass: "cat"}
	older := &repository.PredictionLog{RequestID: "req-2", SHA1Hash: "feed", PredictedClass: "cat", BestProb: 0.9}
	repo := &stubRepository{findLog: stored, duplicates: []*repository.PredictionLog{older}}
	router := newTestRouter(repo, &stubCache{}, &stubClassifier{})

	req := httptest.NewRequest(http.MethodGet, "/catdog_classification/duplicates/req-7", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, resp.Code, resp.Body.String())
	}

	var payload struct {
		RequestID  string `json:"request_id"`
		SHA1Hash   string `json:"sha1_hash"`
		Duplicates []struct {
			RequestID string `json:"request_id"`
		} `json:"duplicates"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if payload.RequestID != "req-7" || payload.SHA1Hash != "feed" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if len(payload.Duplicates) != 1 || payload.Duplicates[0].RequestID != "req-2" {
		t.Fatalf("unexpected duplicates: %+v", payload.Duplicates)
	}
}

func TestStatsReportsAggregates(t *testing.T) {
	repo := &stubRepository{
		aggregation: &repository.MetricsAggregation{TotalCount: 3, AverageBestProb: 0.8, AverageLatencyMs: 9.5},
		classCounts: map[string]int64{"cat": 2, "dog": 1},
	}
	router := newTestRouter(repo, &stubCache{}, &stubClassifier{})

	req := httptest.NewRequest(http.MethodGet, "/catdog_classification/stats", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}

	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if summary.TotalPredictions != 3 {
		t.Fatalf("expected 3 predictions, got %d", summary.TotalPredictions)
	}
	if summary.ClassCounts["cat"] != 2 || summary.ClassCounts["dog"] != 1 {
		t.Fatalf("unexpected class counts: %v", summary.ClassCounts)
	}
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(&stubRepository{}, &stubCache{}, &stubClassifier{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.Code)
	}
}

func TestCORSAllowsPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(CORS([]string{"*"}))
	router.POST("/catdog_classification/predict", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodOptions, "/catdog_classification/predict", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected wildcard origin, got %q", got)
	}
}
