package onnx

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/catdog-api/internal/classifier"
	"github.com/example/catdog-api/internal/preprocess"
)

// Options locate the model artifact and the ONNX Runtime shared library.
type Options struct {
	ModelPath    string
	MetadataPath string
	LibraryPath  string
	Device       string
}

// Model runs the frozen cat/dog network through ONNX Runtime. The session and
// its tensors are allocated once at startup and shared read-only afterwards;
// Run is serialized by a mutex because it writes into the shared output
// tensor.
type Model struct {
	meta         *Metadata
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputLen     int
	logger       *zap.Logger
	mu           sync.Mutex
}

// Load initializes the ONNX environment, reads the metadata, and prepares a
// reusable inference session. Any failure here is meant to abort startup.
func Load(opts Options, logger *zap.Logger) (*Model, error) {
	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	meta, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}

	inputShape := ort.NewShape(1, preprocess.Channels, int64(meta.ImageSize), int64(meta.ImageSize))
	outputShape := ort.NewShape(1, int64(meta.ClassCount()))

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	sessionOpts, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer sessionOpts.Destroy()

	if opts.Device == "cuda" {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to create CUDA provider options: %w", err)
		}
		defer cudaOpts.Destroy()
		if err := sessionOpts.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			inputTensor.Destroy()
			outputTensor.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA execution: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(opts.ModelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		sessionOpts)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logger.Info("model loaded",
		zap.String("model_id", meta.ModelID),
		zap.String("backbone", meta.Backbone),
		zap.Strings("classes", meta.Classes),
		zap.Int("image_size", meta.ImageSize),
		zap.String("device", opts.Device),
	)

	return &Model{
		meta:         meta,
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		inputLen:     preprocess.Channels * meta.ImageSize * meta.ImageSize,
		logger:       logger.Named("onnx"),
	}, nil
}

// Meta returns the loaded model metadata.
func (m *Model) Meta() *Metadata {
	return m.meta
}

// Predict implements classifier.Classifier: it copies the tensor into the
// session input, runs the forward pass, and maps the logits through softmax.
func (m *Model) Predict(ctx context.Context, tensor []float32) (*classifier.Prediction, error) {
	if len(tensor) != m.inputLen {
		return nil, fmt.Errorf("expected %d tensor values, got %d", m.inputLen, len(tensor))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	copy(m.inputTensor.GetData(), tensor)
	err := m.session.Run()
	var logits []float32
	if err == nil {
		logits = append([]float32(nil), m.outputTensor.GetData()...)
	}
	m.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}
	return buildPrediction(logits, m.meta)
}

// buildPrediction converts raw logits into the response-level prediction.
func buildPrediction(logits []float32, meta *Metadata) (*classifier.Prediction, error) {
	if len(logits) != meta.ClassCount() {
		return nil, fmt.Errorf("model returned %d logits for %d classes", len(logits), meta.ClassCount())
	}

	probs := classifier.Softmax(logits)
	best := classifier.Argmax(probs)

	return &classifier.Prediction{
		Probs:          probs,
		BestProb:       probs[best],
		PredictedID:    best,
		PredictedClass: meta.Classes[best],
		PredictedName:  meta.ClassNames[best],
		ModelID:        meta.ModelID,
	}, nil
}

// Close releases the session, its tensors, and the ONNX environment.
func (m *Model) Close() {
	if m.inputTensor != nil {
		m.inputTensor.Destroy()
	}
	if m.outputTensor != nil {
		m.outputTensor.Destroy()
	}
	if m.session != nil {
		m.session.Destroy()
	}
	ort.DestroyEnvironment()
}
