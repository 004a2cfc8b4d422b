package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Metadata describes the exported model artifact: the tensor names the graph
// was frozen with, the class labels of the trained head, and the
// preprocessing statistics the backbone expects.
type Metadata struct {
	ModelID    string     `json:"model_id"`
	Backbone   string     `json:"backbone"`
	InputName  string     `json:"input_name"`
	OutputName string     `json:"output_name"`
	ImageSize  int        `json:"image_size"`
	Classes    []string   `json:"classes"`
	ClassNames []string   `json:"class_names"`
	Mean       [3]float32 `json:"mean"`
	Std        [3]float32 `json:"std"`
}

// LoadMetadata reads and validates the model metadata file.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := meta.validate(); err != nil {
		return nil, fmt.Errorf("invalid metadata %s: %w", path, err)
	}
	return &meta, nil
}

// ClassCount returns the width of the classification head.
func (m *Metadata) ClassCount() int {
	return len(m.Classes)
}

func (m *Metadata) validate() error {
	if m.ModelID == "" {
		return errors.New("model_id is required")
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("image_size must be positive, got %d", m.ImageSize)
	}
	if len(m.Classes) < 2 {
		return fmt.Errorf("at least 2 classes required, got %d", len(m.Classes))
	}
	if len(m.ClassNames) == 0 {
		m.ClassNames = m.Classes
	}
	if len(m.ClassNames) != len(m.Classes) {
		return fmt.Errorf("class_names has %d entries for %d classes", len(m.ClassNames), len(m.Classes))
	}
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	for i, std := range m.Std {
		if std == 0 {
			return fmt.Errorf("std[%d] must be non-zero", i)
		}
	}
	return nil
}
