package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/catdog-api/internal/metrics"
	"github.com/example/catdog-api/internal/preprocess"
	"github.com/example/catdog-api/internal/usecase"
)

// MaxUploadSize caps the accepted image payload at 10 MiB.
const MaxUploadSize = 10 << 20

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.PredictionUseCase) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/catdog_classification/predict", func(c *gin.Context) {
		file, err := c.FormFile("file")
		if err != nil {
			metrics.RejectedUploads.WithLabelValues("missing_file").Inc()
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}

		if file.Size > MaxUploadSize {
			metrics.RejectedUploads.WithLabelValues("too_large").Inc()
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload size limit"})
			return
		}

		if contentType := file.Header.Get("Content-Type"); !acceptedContentType(contentType) {
			metrics.RejectedUploads.WithLabelValues("content_type").Inc()
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported content type"})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		result, err := uc.PredictImage(c.Request.Context(), data)
		if err != nil {
			if errors.Is(err, preprocess.ErrInvalidImage) {
				c.JSON(http.StatusBadRequest, gin.H{"error": "file is not a decodable image"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		pred := result.Prediction
		c.JSON(http.StatusOK, gin.H{
			"probs":           pred.Probs,
			"best_prob":       pred.BestProb,
			"predicted_id":    pred.PredictedID,
			"predicted_class": pred.PredictedClass,
			"predicted_name":  pred.PredictedName,
			"model":           pred.ModelID,
			"request_id":      result.RequestID,
		})
	})

	router.GET("/catdog_classification/labels", func(c *gin.Context) {
		info := uc.ModelInfo()
		c.JSON(http.StatusOK, gin.H{
			"model":       info.ModelID,
			"classes":     info.Classes,
			"class_names": info.ClassNames,
			"image_size":  info.ImageSize,
		})
	})

	router.GET("/catdog_classification/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		if requestID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}

		log, err := uc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		probs := json.RawMessage(log.Probs)
		if len(probs) == 0 {
			probs = json.RawMessage("[]")
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":      log.RequestID,
			"model":           log.ModelID,
			"probs":           probs,
			"best_prob":       log.BestProb,
			"predicted_id":    log.PredictedID,
			"predicted_class": log.PredictedClass,
			"created_at":      log.CreatedAt,
		})
	})

	router.GET("/catdog_classification/duplicates/:id", func(c *gin.Context) {
		report, err := uc.GetDuplicateReport(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		duplicates := make([]gin.H, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, gin.H{
				"request_id":      d.RequestID,
				"predicted_class": d.PredictedClass,
				"best_prob":       d.BestProb,
				"created_at":      d.CreatedAt,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id": report.Request.RequestID,
			"sha1_hash":  report.Request.SHA1Hash,
			"duplicates": duplicates,
		})
	})

	router.GET("/catdog_classification/stats", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// acceptedContentType reports whether the multipart part's declared type may
// hold image bytes. Decoding still validates the payload, so unset and
// generic types pass through.
func acceptedContentType(contentType string) bool {
	if contentType == "" || contentType == "application/octet-stream" {
		return true
	}
	return strings.HasPrefix(contentType, "image/")
}
