package source

import (
	"bufio"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// DefaultStreamFPS is assumed when a stream does not report its frame rate
const DefaultStreamFPS = 30

// stream is a single live capture
type stream struct {
	// spec is the webcam index or URL opened
	spec string
	// capture is the open capture, nil once the stream has ended
	capture *gocv.VideoCapture
	meta    Meta
	// frame counts frames read
	frame int
}

// Streams reads live sources round robin, one frame per stream each turn.
// The geometry of every stream is fixed when it is opened
type Streams struct {
	streams []*stream
	// next is the stream read on the following call to Next
	next int
}

// OpenStreams opens every stream named by spec, a webcam index, a URL or a
// .txt file with one of those per line
func OpenStreams(spec string) (*Streams, error) {

	specs := []string{spec}

	if strings.HasSuffix(strings.ToLower(spec), ".txt") {
		list, err := readStreamList(spec)

		if err != nil {
			return nil, err
		}

		specs = list
	}

	s := &Streams{}

	for _, sp := range specs {

		vc, err := openCapture(sp)

		if err != nil {
			s.Close()
			return nil, err
		}

		meta := captureMeta(vc)

		if meta.FPS <= 0 || math.IsNaN(meta.FPS) || math.IsInf(meta.FPS, 0) {
			meta.FPS = DefaultStreamFPS
		}

		s.streams = append(s.streams, &stream{spec: sp, capture: vc, meta: meta})
	}

	return s, nil
}

// openCapture opens a webcam by index or a stream by URL
func openCapture(spec string) (*gocv.VideoCapture, error) {

	var (
		vc  *gocv.VideoCapture
		err error
	)

	if idx, convErr := strconv.Atoi(spec); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(spec)
	}

	if err != nil {
		return nil, errors.Wrapf(err, "failed to open stream %s", spec)
	}

	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Errorf("failed to open stream %s", spec)
	}

	return vc, nil
}

// readStreamList reads the non empty lines of a stream list file
func readStreamList(path string) ([]string, error) {

	fh, err := os.Open(path)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to open stream list %s", path)
	}

	defer fh.Close()

	var specs []string
	scanner := bufio.NewScanner(fh)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line != "" {
			specs = append(specs, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed to read stream list %s", path)
	}

	if len(specs) == 0 {
		return nil, errors.Errorf("stream list %s is empty", path)
	}

	return specs, nil
}

// Mode returns ModeStream
func (s *Streams) Mode() Mode {
	return ModeStream
}

// Len returns the number of streams opened
func (s *Streams) Len() int {
	return len(s.streams)
}

// Next reads a frame from the next live stream.  A stream that fails to
// deliver a frame is closed, ErrExhausted is returned once all have ended
func (s *Streams) Next() (*Frame, error) {

	for tried := 0; tried < len(s.streams); tried++ {

		idx := s.next
		s.next = (s.next + 1) % len(s.streams)

		st := s.streams[idx]

		if st.capture == nil {
			continue
		}

		img := gocv.NewMat()

		if ok := st.capture.Read(&img); !ok || img.Empty() {
			img.Close()
			st.capture.Close()
			st.capture = nil
			continue
		}

		st.frame++

		return &Frame{
			Path:       st.spec,
			Index:      idx,
			FrameIndex: st.frame,
			Mode:       ModeStream,
			Image:      img,
			Meta:       st.meta,
		}, nil
	}

	return nil, ErrExhausted
}

// Close releases every open capture
func (s *Streams) Close() error {

	for _, st := range s.streams {
		if st.capture != nil {
			st.capture.Close()
			st.capture = nil
		}
	}

	return nil
}
