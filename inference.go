package detect

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// WarmUp runs one inference on a zero filled input so lazily allocated
// backend buffers exist before the first real frame.  A failure means the
// model artifact is broken and is returned as a ModelLoadError
func (m *ModelHandle) WarmUp() error {

	size := m.meta.InputSize
	input := Zeros(1, 3, size, size)

	if _, err := m.Infer(input); err != nil {
		return &ModelLoadError{Path: m.path, Kind: m.Kind(), Err: errors.Wrap(err, "warm up")}
	}

	m.log.Debug("model warmed up", zap.Stringer("backend", m.Kind()))

	return nil
}

// Infer runs the model on an NCHW input tensor of shape [1,3,H,W] and returns
// the raw prediction in input pixel coordinates.  All failures are returned as
// *BackendError
func (m *ModelHandle) Infer(input *Tensor) (*RawPrediction, error) {

	if input == nil || len(input.Shape) != 4 || input.Shape[1] != 3 {
		var shape []int
		if input != nil {
			shape = input.Shape
		}
		return nil, NewBackendError(m.Kind(), "input shape",
			errors.Errorf("expected [1,3,H,W] tensor, got %v", shape))
	}

	var (
		pred *RawPrediction
		err  error
	)

	if m.augment {
		pred, err = m.inferAugmented(input)
	} else {
		pred, err = m.inferOnce(input)
	}

	if err != nil {
		return nil, err
	}

	if err := m.validate(input, pred); err != nil {
		return nil, err
	}

	return pred, nil
}

// inferOnce runs a single forward pass and converts normalized box output to
// input pixels
func (m *ModelHandle) inferOnce(input *Tensor) (*RawPrediction, error) {

	pred, err := m.backend.Infer(input)

	if err != nil {
		if IsBackendError(err) {
			return nil, err
		}
		return nil, NewBackendError(m.Kind(), "infer", err)
	}

	if pred == nil {
		return nil, NewBackendError(m.Kind(), "infer", errors.New("backend returned no prediction"))
	}

	if m.normalized {
		h, w := input.ImageSize()
		pred.ScaleBoxes(float32(w), float32(h))
	}

	return pred, nil
}

// validate checks the prediction matches the anchor layout the postprocess
// stage expects
func (m *ModelHandle) validate(input *Tensor, pred *RawPrediction) error {

	if pred.Batch != input.Shape[0] {
		return NewBackendError(m.Kind(), "output shape",
			errors.Errorf("prediction batch %d does not match input batch %d",
				pred.Batch, input.Shape[0]))
	}

	if pred.Anchors <= 0 {
		return NewBackendError(m.Kind(), "output shape",
			errors.Errorf("prediction has no anchors, shape %v", pred.Shape()))
	}

	if m.meta.NumClasses > 0 && pred.NumClasses() != m.meta.NumClasses {
		return NewBackendError(m.Kind(), "output shape",
			errors.Errorf("prediction rows hold %d classes, model has %d class names",
				pred.NumClasses(), m.meta.NumClasses))
	}

	return nil
}
