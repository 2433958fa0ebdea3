package sink

import (
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gocv.io/x/gocv"
)

// VideoCodec is the FourCC of output videos
const VideoCodec = "mp4v"

// DefaultFPS is used when the source does not report a frame rate
const DefaultFPS = 30

// VideoWriter appends frames to a video file
type VideoWriter interface {
	Write(img gocv.Mat) error
	Close() error
}

// VideoWriterFactory opens a VideoWriter for path
type VideoWriterFactory func(path string, fps float64, width, height int) (VideoWriter, error)

// OpenVideoWriter creates an mp4v encoded video file with gocv
func OpenVideoWriter(path string, fps float64, width, height int) (VideoWriter, error) {

	vw, err := gocv.VideoWriterFile(path, VideoCodec, fps, width, height, true)

	if err != nil {
		return nil, errors.Wrapf(err, "failed to open video writer %s", path)
	}

	if !vw.IsOpened() {
		vw.Close()
		return nil, errors.Errorf("video writer %s did not open", path)
	}

	return vw, nil
}

// fileSlot is the writer slot used by video files, streams use their stream
// index
const fileSlot = -1

// output is an open video writer and the file it appends to
type output struct {
	path   string
	writer VideoWriter
}

// State is the per run output routing state.  Video files share one writer
// that is replaced when the file changes, each stream keeps its own writer
// open until the run ends.  It is owned by a single Multiplexer and starts
// empty
type State struct {
	// outputs are the open writers keyed by slot
	outputs map[int]*output
	// opened counts writers opened during the run
	opened int
}

// Paths returns the files open writers append to in slot order
func (s *State) Paths() []string {

	slots := make([]int, 0, len(s.outputs))

	for slot := range s.outputs {
		slots = append(slots, slot)
	}

	sort.Ints(slots)

	paths := make([]string, 0, len(slots))

	for _, slot := range slots {
		paths = append(paths, s.outputs[slot].path)
	}

	return paths
}

// Opened returns how many video writers have been opened
func (s *State) Opened() int {
	return s.opened
}

// current returns the writer open in slot if it appends to path
func (s *State) current(slot int, path string) (VideoWriter, bool) {

	out, ok := s.outputs[slot]

	if !ok || out.path != path {
		return nil, false
	}

	return out.writer, true
}

// set records a newly opened writer for slot, any previous writer in the slot
// must already be closed
func (s *State) set(slot int, path string, vw VideoWriter) {

	if s.outputs == nil {
		s.outputs = make(map[int]*output)
	}

	s.outputs[slot] = &output{path: path, writer: vw}
	s.opened++
}

// release closes the writer in slot, it is safe to call on an empty slot
func (s *State) release(slot int) error {

	out, ok := s.outputs[slot]

	if !ok {
		return nil
	}

	delete(s.outputs, slot)

	return out.writer.Close()
}

// close releases every open writer, it is safe to call repeatedly
func (s *State) close() error {

	var err error

	for slot := range s.outputs {
		err = multierr.Append(err, s.release(slot))
	}

	return err
}
