package sink

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"

	"github.com/swdee/go-detect/postprocess"
	"github.com/swdee/go-detect/source"
)

// LabelPath returns the label file for a frame, <stem>.txt for still images,
// <stem>_<frame>.txt for video frames and stream<index>_<frame>.txt for
// stream frames
func LabelPath(dir string, frame *source.Frame) string {

	base := filepath.Base(frame.Path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	if frame.Mode == source.ModeStream {
		stem = StreamName(frame.Index)
	}

	if frame.Mode != source.ModeImage {
		stem = fmt.Sprintf("%s_%d", stem, frame.FrameIndex)
	}

	return filepath.Join(dir, stem+".txt")
}

// FormatLabel formats a detection as a normalized label line,
// "class cx cy w h" or "class conf cx cy w h" when withConf is set
func FormatLabel(det postprocess.Detection, frame image.Point, withConf bool) string {

	cx, cy, w, h := postprocess.ToNormalizedCenter(det.Box, frame)

	if withConf {
		return fmt.Sprintf("%d %.6g %.6g %.6g %.6g %.6g",
			det.Class, det.Confidence, cx, cy, w, h)
	}

	return fmt.Sprintf("%d %.6g %.6g %.6g %.6g", det.Class, cx, cy, w, h)
}

// writeLabels appends a line per detection to path.  Detections are written
// from lowest to highest confidence.  No file is created when there are no
// detections
func writeLabels(path string, dets []postprocess.Detection, frame image.Point,
	withConf bool) error {

	if len(dets) == 0 {
		return nil
	}

	var sb strings.Builder

	for i := len(dets) - 1; i >= 0; i-- {
		sb.WriteString(FormatLabel(dets[i], frame, withConf))
		sb.WriteByte('\n')
	}

	fh, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)

	if err != nil {
		return err
	}

	if _, err := fh.WriteString(sb.String()); err != nil {
		fh.Close()
		return err
	}

	return fh.Close()
}
