package postprocess

import (
	"image"

	"github.com/chewxy/math32"
)

// Box is an axis aligned bounding box in corner form
type Box struct {
	X1 float32
	Y1 float32
	X2 float32
	Y2 float32
}

// Width returns the box width, zero for inverted boxes
func (b Box) Width() float32 {
	return math32.Max(0, b.X2-b.X1)
}

// Height returns the box height, zero for inverted boxes
func (b Box) Height() float32 {
	return math32.Max(0, b.Y2-b.Y1)
}

// Area returns the box area
func (b Box) Area() float32 {
	return b.Width() * b.Height()
}

// Rect converts the box to an integer image.Rectangle, coordinates are
// truncated so the box should be rounded with ClipAndRound first
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// Detection is a single object found in a frame.  Boxes are in model input
// pixels after Suppress and in frame pixels after ScaleBoxes
type Detection struct {
	// Box is the object location
	Box Box
	// Class is the index of the class name the object belongs to
	Class int
	// Confidence is objectness multiplied by class probability, in [0,1]
	Confidence float32
}

// CountByClass returns the number of detections of each class ID
func CountByClass(dets []Detection) map[int]int {

	counts := make(map[int]int)

	for _, d := range dets {
		counts[d.Class]++
	}

	return counts
}
