package detect

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// test time augmentation passes, each scale is paired with the flip at the
// same index
var (
	augmentScales = []float32{1, 0.83, 0.67}
	augmentFlips  = []bool{false, true, false}
)

// augmentPadValue is the grey level used to pad scaled augmentation inputs
const augmentPadValue = 0.447

// inferAugmented runs the model over scaled and mirrored copies of the input
// and merges the de-augmented predictions along the anchor axis
func (m *ModelHandle) inferAugmented(input *Tensor) (*RawPrediction, error) {

	_, w := input.ImageSize()
	preds := make([]*RawPrediction, 0, len(augmentScales))

	for i, scale := range augmentScales {

		in := input

		if augmentFlips[i] {
			in = in.FlipHorizontal()
		}

		if scale != 1 {
			scaled, err := ScaleImage(in, scale, m.meta.Stride)

			if err != nil {
				return nil, NewBackendError(m.Kind(), "augment", err)
			}

			in = scaled
		}

		pred, err := m.inferOnce(in)

		if err != nil {
			return nil, err
		}

		deaugment(pred, scale, augmentFlips[i], float32(w))
		preds = append(preds, pred)
	}

	merged, err := Concat(preds...)

	if err != nil {
		return nil, NewBackendError(m.Kind(), "augment", err)
	}

	return merged, nil
}

// deaugment maps boxes predicted on an augmented input back to the original
// input geometry
func deaugment(pred *RawPrediction, scale float32, flipped bool, width float32) {

	for b := 0; b < pred.Batch; b++ {
		for i := 0; i < pred.Anchors; i++ {
			row := pred.Row(b, i)

			row[0] /= scale
			row[1] /= scale
			row[2] /= scale
			row[3] /= scale

			if flipped {
				row[0] = width - row[0]
			}
		}
	}
}

// ScaleImage resizes an NCHW tensor by ratio with bilinear interpolation and
// pads the bottom and right edges so height and width are multiples of stride
func ScaleImage(t *Tensor, ratio float32, stride int) (*Tensor, error) {

	if len(t.Shape) != 4 {
		return nil, errors.Errorf("expected 4 dimensional tensor, got shape %v", t.Shape)
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]

	sh := int(float32(h) * ratio)
	sw := int(float32(w) * ratio)

	if sh <= 0 || sw <= 0 {
		return nil, errors.Errorf("scale %.2f collapses %dx%d input", ratio, w, h)
	}

	ph := int(math.Ceil(float64(float32(h)*ratio)/float64(stride))) * stride
	pw := int(math.Ceil(float64(float32(w)*ratio)/float64(stride))) * stride

	out := Zeros(n, c, ph, pw)

	for i := range out.Data {
		out.Data[i] = augmentPadValue
	}

	src := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32F)
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()

	srcData, err := src.DataPtrFloat32()

	if err != nil {
		return nil, errors.Wrap(err, "scale image")
	}

	plane := h * w

	for p := 0; p < n*c; p++ {

		copy(srcData, t.Data[p*plane:(p+1)*plane])

		gocv.Resize(src, &dst, image.Pt(sw, sh), 0, 0, gocv.InterpolationLinear)

		resized, err := dst.DataPtrFloat32()

		if err != nil {
			return nil, errors.Wrap(err, "scale image")
		}

		base := p * ph * pw

		for y := 0; y < sh; y++ {
			copy(out.Data[base+y*pw:base+y*pw+sw], resized[y*sw:(y+1)*sw])
		}
	}

	return out, nil
}
