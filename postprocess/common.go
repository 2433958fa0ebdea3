package postprocess

import (
	"github.com/chewxy/math32"
)

// clamp restricts val to the range min and max
func clamp(val, min, max float32) float32 {

	if val < min {
		return min
	}

	if val > max {
		return max
	}

	return val
}

// xywhToBox converts a center point and size encoding into corner form
func xywhToBox(cx, cy, w, h float32) Box {
	return Box{
		X1: cx - w/2,
		Y1: cy - h/2,
		X2: cx + w/2,
		Y2: cy + h/2,
	}
}

// IOU works out the Intersection over Union of two boxes.  Areas are
// continuous, a zero area union returns 0
func IOU(a, b Box) float32 {

	w := math32.Max(0, math32.Min(a.X2, b.X2)-math32.Max(a.X1, b.X1))
	h := math32.Max(0, math32.Min(a.Y2, b.Y2)-math32.Max(a.Y1, b.Y1))
	intersection := w * h

	union := a.Area() + b.Area() - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}
