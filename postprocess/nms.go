package postprocess

import (
	"sort"

	"github.com/swdee/go-detect"
)

const (
	// MinWH is the smallest box side in pixels kept as a candidate
	MinWH = 2
	// MaxWH is the largest box side in pixels kept as a candidate
	MaxWH = 4096
	// MaxCandidates caps the number of boxes passed into suppression
	MaxCandidates = 30000
)

// NMSParams defines the Non-Maximum Suppression settings
type NMSParams struct {
	// ConfThreshold is the minimum objectness, and objectness x class
	// probability score, for an anchor to become a candidate
	ConfThreshold float32
	// IOUThreshold is the maximum Intersection over Union allowed between two
	// kept boxes of the same class.  A value of zero or below keeps only the
	// top scoring box of each class
	IOUThreshold float32
	// Classes restricts detections to these class IDs, empty keeps all classes
	Classes []int
	// Agnostic makes boxes of all classes suppress each other
	Agnostic bool
	// MultiLabel keeps every class of an anchor scoring above ConfThreshold
	// instead of only the best one
	MultiLabel bool
	// MaxDetections is the maximum number of detections kept per image
	MaxDetections int
}

// DefaultNMSParams returns the thresholds YOLOv5 models are usually run with
// - Confidence Threshold: 0.25
// - IOU Threshold: 0.45
// - Max Detections: 300
func DefaultNMSParams() NMSParams {
	return NMSParams{
		ConfThreshold: 0.25,
		IOUThreshold:  0.45,
		MaxDetections: 300,
	}
}

// Suppress filters a raw prediction into the minimal set of confident, non
// overlapping detections for each image in the batch.  Boxes are returned in
// model input coordinates.  An image without candidates gets an empty slice
func Suppress(pred *detect.RawPrediction, p NMSParams) [][]Detection {

	out := make([][]Detection, pred.Batch)

	for b := 0; b < pred.Batch; b++ {
		out[b] = NMS(candidates(pred, b, p), p)
	}

	return out
}

// candidates decodes the anchor rows of batch item b into scored candidate
// detections, applying the confidence, size and class filters
func candidates(pred *detect.RawPrediction, b int, p NMSParams) []Detection {

	var allow map[int]bool

	if len(p.Classes) > 0 {
		allow = make(map[int]bool, len(p.Classes))
		for _, c := range p.Classes {
			allow[c] = true
		}
	}

	dets := make([]Detection, 0)
	nc := pred.NumClasses()

	for i := 0; i < pred.Anchors; i++ {

		row := pred.Row(b, i)
		obj := row[4]

		if obj < p.ConfThreshold {
			continue
		}

		w, h := row[2], row[3]

		if w < MinWH || h < MinWH || w > MaxWH || h > MaxWH {
			continue
		}

		box := xywhToBox(row[0], row[1], w, h)

		if p.MultiLabel {
			for c := 0; c < nc; c++ {
				score := obj * row[5+c]

				if score < p.ConfThreshold || (allow != nil && !allow[c]) {
					continue
				}

				dets = append(dets, Detection{Box: box, Class: c, Confidence: score})
			}
			continue
		}

		best := 0

		for c := 1; c < nc; c++ {
			if row[5+c] > row[5+best] {
				best = c
			}
		}

		score := obj * row[5+best]

		if score < p.ConfThreshold || (allow != nil && !allow[best]) {
			continue
		}

		dets = append(dets, Detection{Box: box, Class: best, Confidence: score})
	}

	return dets
}

// NMS runs greedy Non-Maximum Suppression over candidate detections.  Boxes
// are visited in descending confidence, equal confidences keep their input
// order.  Boxes only suppress boxes of their own class unless params.Agnostic
// is set, in which case all classes compete jointly
func NMS(dets []Detection, p NMSParams) []Detection {

	if len(dets) == 0 {
		return []Detection{}
	}

	order := make([]int, len(dets))

	for i := range order {
		order[i] = i
	}

	sort.SliceStable(order, func(a, b int) bool {
		return dets[order[a]].Confidence > dets[order[b]].Confidence
	})

	if len(order) > MaxCandidates {
		order = order[:MaxCandidates]
	}

	// group keys the boxes that compete with each other
	group := func(i int) int {
		if p.Agnostic {
			return 0
		}
		return dets[i].Class
	}

	maxDet := p.MaxDetections

	if maxDet <= 0 {
		maxDet = len(dets)
	}

	suppressed := make([]bool, len(dets))
	keep := make([]Detection, 0)

	for a, n := range order {

		if suppressed[n] {
			continue
		}

		keep = append(keep, dets[n])

		if len(keep) >= maxDet {
			break
		}

		for _, m := range order[a+1:] {

			if suppressed[m] {
				continue
			}

			if group(m) != group(n) {
				continue
			}

			if p.IOUThreshold <= 0 || IOU(dets[n].Box, dets[m].Box) > p.IOUThreshold {
				suppressed[m] = true
			}
		}
	}

	return keep
}
