package detect

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// RawPrediction is the backend independent model output.  Each anchor row
// holds [cx, cy, w, h, objectness, class scores...] in model input pixels
type RawPrediction struct {
	// Batch is the number of images the prediction holds
	Batch int
	// Anchors is the number of candidate rows per image
	Anchors int
	// Width is the length of each row, 5 plus the number of classes
	Width int
	// Data is the flat [Batch, Anchors, Width] array
	Data []float32
}

// NewRawPrediction builds a RawPrediction from a flat output buffer and its
// shape.  A shape of [anchors, width] is accepted as a batch of one
func NewRawPrediction(shape []int, data []float32) (*RawPrediction, error) {

	var b, a, w int

	switch len(shape) {
	case 2:
		b, a, w = 1, shape[0], shape[1]
	case 3:
		b, a, w = shape[0], shape[1], shape[2]
	default:
		return nil, errors.Errorf("prediction must be 2 or 3 dimensional, got shape %v", shape)
	}

	if w < 6 {
		return nil, errors.Errorf("prediction row width %d is too small for a detection", w)
	}

	if b*a*w != len(data) {
		return nil, errors.Errorf("prediction shape %v needs %d elements, got %d",
			shape, b*a*w, len(data))
	}

	return &RawPrediction{
		Batch:   b,
		Anchors: a,
		Width:   w,
		Data:    data,
	}, nil
}

// NumClasses returns the number of class scores in each row
func (p *RawPrediction) NumClasses() int {
	return p.Width - 5
}

// Row returns the anchor row i of batch item b.  The returned slice aliases
// the prediction data
func (p *RawPrediction) Row(b, i int) []float32 {
	off := (b*p.Anchors + i) * p.Width
	return p.Data[off : off+p.Width]
}

// Shape returns the prediction dimensions as [batch, anchors, width]
func (p *RawPrediction) Shape() []int {
	return []int{p.Batch, p.Anchors, p.Width}
}

// ScaleBoxes multiplies the box columns by sx and sy in place, used by
// backends that emit coordinates normalized to the input size
func (p *RawPrediction) ScaleBoxes(sx, sy float32) {

	for b := 0; b < p.Batch; b++ {
		for i := 0; i < p.Anchors; i++ {
			row := p.Row(b, i)
			row[0] *= sx
			row[1] *= sy
			row[2] *= sx
			row[3] *= sy
		}
	}
}

// Concat joins predictions along the anchor axis.  All predictions must share
// the same batch size and row width
func Concat(preds ...*RawPrediction) (*RawPrediction, error) {

	if len(preds) == 0 {
		return nil, errors.New("nothing to concatenate")
	}

	first := preds[0]

	for _, p := range preds {
		if p.Batch != first.Batch || p.Width != first.Width {
			return nil, errors.Errorf("cannot concatenate prediction %v with %v",
				p.Shape(), first.Shape())
		}
	}

	if len(preds) == 1 {
		return &RawPrediction{
			Batch:   first.Batch,
			Anchors: first.Anchors,
			Width:   first.Width,
			Data:    append([]float32(nil), first.Data...),
		}, nil
	}

	others := make([]*tensor.Dense, 0, len(preds)-1)

	for _, p := range preds[1:] {
		others = append(others, p.dense())
	}

	joined, err := first.dense().Concat(1, others...)

	if err != nil {
		return nil, errors.Wrap(err, "concatenate predictions")
	}

	data, ok := joined.Data().([]float32)

	if !ok {
		return nil, errors.New("concatenate produced non float32 data")
	}

	return NewRawPrediction(joined.Shape(), data)
}

// dense views the prediction as a [batch, anchors, width] tensor without
// copying
func (p *RawPrediction) dense() *tensor.Dense {
	return tensor.New(tensor.WithShape(p.Batch, p.Anchors, p.Width), tensor.WithBacking(p.Data))
}
