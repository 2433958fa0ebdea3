package postprocess

import (
	"image"

	"github.com/chewxy/math32"
)

// Letterbox holds the scale and padding used to fit a frame into the model
// input, as applied by preprocess.Resizer
type Letterbox struct {
	// Scale is the uniform resize gain from frame to model input
	Scale float32
	// XPad is the left padding in model input pixels
	XPad float32
	// YPad is the top padding in model input pixels
	YPad float32
}

// LetterboxFor calculates the letterbox parameters for fitting a frame of
// size frame into a model input of size input.  Padding is split evenly with
// the odd pixel on the right/bottom edge, matching preprocess.Resizer
func LetterboxFor(input, frame image.Point) Letterbox {

	scaleW := float32(input.X) / float32(frame.X)
	scaleH := float32(input.Y) / float32(frame.Y)
	scale := math32.Min(scaleW, scaleH)

	resizeW := input.X
	resizeH := input.Y

	if scaleW < scaleH {
		resizeH = int(float32(frame.Y) * scale)
	} else {
		resizeW = int(float32(frame.X) * scale)
	}

	return Letterbox{
		Scale: scale,
		XPad:  float32((input.X - resizeW) / 2),
		YPad:  float32((input.Y - resizeH) / 2),
	}
}

// ScaleBoxes maps detections from model input coordinates of size input back
// to original frame coordinates of size frame by inverting the letterbox
func ScaleBoxes(dets []Detection, input, frame image.Point) []Detection {
	return ScaleBoxesWith(dets, LetterboxFor(input, frame))
}

// ScaleBoxesWith maps detections from model input coordinates back to frame
// coordinates using the given letterbox.  Padding is removed before dividing
// by the scale.  The input slice is not modified
func ScaleBoxesWith(dets []Detection, lb Letterbox) []Detection {

	out := make([]Detection, len(dets))

	for i, d := range dets {
		out[i] = d
		out[i].Box = Box{
			X1: (d.Box.X1 - lb.XPad) / lb.Scale,
			Y1: (d.Box.Y1 - lb.YPad) / lb.Scale,
			X2: (d.Box.X2 - lb.XPad) / lb.Scale,
			Y2: (d.Box.Y2 - lb.YPad) / lb.Scale,
		}
	}

	return out
}

// ClipAndRound clamps every box coordinate into [0,width] and [0,height] of
// the frame and rounds it to whole pixels.  The input slice is not modified
func ClipAndRound(dets []Detection, frame image.Point) []Detection {

	w := float32(frame.X)
	h := float32(frame.Y)
	out := make([]Detection, len(dets))

	for i, d := range dets {
		out[i] = d
		out[i].Box = Box{
			X1: math32.Round(clamp(d.Box.X1, 0, w)),
			Y1: math32.Round(clamp(d.Box.Y1, 0, h)),
			X2: math32.Round(clamp(d.Box.X2, 0, w)),
			Y2: math32.Round(clamp(d.Box.Y2, 0, h)),
		}
	}

	return out
}

// ToNormalizedCenter converts a frame space box into center x, center y,
// width and height normalized by the frame size, as written to label files
func ToNormalizedCenter(b Box, frame image.Point) (cx, cy, w, h float32) {

	fw := float32(frame.X)
	fh := float32(frame.Y)

	cx = (b.X1 + b.X2) / 2 / fw
	cy = (b.Y1 + b.Y2) / 2 / fh
	w = (b.X2 - b.X1) / fw
	h = (b.Y2 - b.Y1) / fh

	return cx, cy, w, h
}

// FromNormalizedCenter is the inverse of ToNormalizedCenter
func FromNormalizedCenter(cx, cy, w, h float32, frame image.Point) Box {

	fw := float32(frame.X)
	fh := float32(frame.Y)

	return xywhToBox(cx*fw, cy*fh, w*fw, h*fh)
}
