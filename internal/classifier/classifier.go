package classifier

import "context"

// Prediction is the outcome of one forward pass over a single image.
type Prediction struct {
	Probs          []float32
	BestProb       float32
	PredictedID    int
	PredictedClass string
	PredictedName  string
	ModelID        string
}

// Classifier exposes the subset of model functionality used by the prediction flow.
type Classifier interface {
	Predict(ctx context.Context, tensor []float32) (*Prediction, error)
}
