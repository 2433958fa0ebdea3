// Package sink fans the detections of each frame out to the enabled outputs,
// normalized label files, annotated still images, video files and a live
// view.
package sink

import (
	"image"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hybridgroup/mjpeg"
	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	"github.com/swdee/go-detect/postprocess"
	"github.com/swdee/go-detect/render"
	"github.com/swdee/go-detect/source"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// sink names used in SinkIOError and logs
const (
	Label  = "label"
	Image  = "image"
	Video  = "video"
	View   = "view"
	Stream = "stream"
)

// Options select the sinks a Multiplexer routes to
type Options struct {
	// Dir is the output directory for files
	Dir string
	// SaveTxt enables normalized label files
	SaveTxt bool
	// SaveConf adds the confidence to label lines
	SaveConf bool
	// SaveImg enables annotated image and video files
	SaveImg bool
	// View enables the live view
	View bool
	// Names are the class names used in box labels
	Names []string
	// Font is the label font
	Font render.Font
	// LineThickness of the boxes, zero scales it to the frame size
	LineThickness int
	// Labeler draws labels with a TrueType font instead of Font when set
	Labeler *render.TTFLabeler
	// Stream publishes annotated frames as MJPEG when set
	Stream *mjpeg.Stream
	// NewVideoWriter opens video files, defaults to OpenVideoWriter
	NewVideoWriter VideoWriterFactory
	// Viewer shows the live view, defaults to gocv windows
	Viewer Viewer
	Logger *zap.Logger
}

// Multiplexer routes frames to the sinks enabled in its Options.  It owns the
// output State and must be closed at the end of the run to flush the video
// writer
type Multiplexer struct {
	opts  Options
	state *State
	// disabled are the sinks switched off after an error
	disabled map[string]*SinkIOError
	closed   bool
	log      *zap.Logger
}

// New returns a Multiplexer with an empty State
func New(opts Options) *Multiplexer {

	if opts.NewVideoWriter == nil {
		opts.NewVideoWriter = OpenVideoWriter
	}

	if opts.View && opts.Viewer == nil {
		opts.Viewer = NewWindows()
	}

	if opts.Font.Scale == 0 {
		opts.Font = render.DefaultFont()
	}

	log := opts.Logger

	if log == nil {
		log = zap.NewNop()
	}

	return &Multiplexer{
		opts:     opts,
		state:    &State{},
		disabled: make(map[string]*SinkIOError),
		log:      log,
	}
}

// State returns the routing state
func (m *Multiplexer) State() *State {
	return m.state
}

// Disabled returns the error that switched off the named sink, or nil
func (m *Multiplexer) Disabled(name string) *SinkIOError {
	return m.disabled[name]
}

// SavesFiles reports whether any file sink is enabled
func (m *Multiplexer) SavesFiles() bool {
	return m.opts.SaveTxt || m.opts.SaveImg
}

func (m *Multiplexer) enabled(name string) bool {

	if _, off := m.disabled[name]; off {
		return false
	}

	switch name {
	case Label:
		return m.opts.SaveTxt
	case Image, Video:
		return m.opts.SaveImg
	case View:
		return m.opts.View && m.opts.Viewer != nil
	case Stream:
		return m.opts.Stream != nil
	}

	return false
}

// fail disables a sink after an output error
func (m *Multiplexer) fail(name, path string, err error) {

	sErr := &SinkIOError{Sink: name, Path: path, Err: err}
	m.disabled[name] = sErr

	m.log.Error("output sink disabled", zap.String("sink", name), zap.Error(sErr))
}

// Route writes frame and its detections to every enabled sink.  Detections
// must be in frame coordinates.  Sink failures disable that sink and are not
// returned, the only error is detect.ErrCancelledByUser when the quit key is
// pressed in the live view
func (m *Multiplexer) Route(frame *source.Frame, dets []postprocess.Detection) error {

	if m.closed {
		return errors.New("multiplexer is closed")
	}

	size := image.Pt(frame.Image.Cols(), frame.Image.Rows())

	if m.enabled(Label) {
		path := LabelPath(m.opts.Dir, frame)

		if err := writeLabels(path, dets, size, m.opts.SaveConf); err != nil {
			m.fail(Label, path, err)
		}
	}

	needImage := m.enabled(Image) || m.enabled(Video) || m.enabled(View) || m.enabled(Stream)

	if !needImage {
		return nil
	}

	annotated := frame.Image.Clone()
	defer annotated.Close()

	if err := m.annotate(&annotated, dets); err != nil {
		m.log.Warn("failed to annotate frame", zap.String("path", frame.Path), zap.Error(err))
	}

	if frame.Mode == source.ModeImage {
		if m.enabled(Image) {
			path := filepath.Join(m.opts.Dir, filepath.Base(frame.Path))

			if ok := gocv.IMWrite(path, annotated); !ok {
				m.fail(Image, path, errors.New("imwrite failed"))
			}
		}
	} else if m.enabled(Video) {
		m.writeVideo(frame, annotated)
	}

	if m.enabled(Stream) {
		if err := streamFrame(m.opts.Stream, annotated); err != nil {
			m.fail(Stream, "", err)
		}
	}

	if m.enabled(View) {
		key := m.opts.Viewer.Show(frame.Path, annotated)

		if key&0xff == QuitKey {
			return detect.ErrCancelledByUser
		}
	}

	return nil
}

// annotate draws the detections on img
func (m *Multiplexer) annotate(img *gocv.Mat, dets []postprocess.Detection) error {

	thickness := m.opts.LineThickness

	if thickness <= 0 {
		thickness = render.LineThickness(img.Cols(), img.Rows())
	}

	if m.opts.Labeler != nil {
		return m.opts.Labeler.DetectionBoxes(img, dets, m.opts.Names, thickness)
	}

	render.DetectionBoxes(img, dets, m.opts.Names, m.opts.Font, thickness)

	return nil
}

// writeVideo appends the frame to the video file for its source.  Video
// files switch writers when the file changes, streams each keep their own
func (m *Multiplexer) writeVideo(frame *source.Frame, img gocv.Mat) {

	slot := fileSlot

	if frame.Mode == source.ModeStream {
		slot = frame.Index
	}

	path := VideoPath(m.opts.Dir, frame)
	vw, ok := m.state.current(slot, path)

	if !ok {
		if err := m.state.release(slot); err != nil {
			m.log.Warn("failed to close video writer", zap.Error(err))
		}

		fps := frame.Meta.FPS

		if fps <= 0 {
			fps = DefaultFPS
		}

		w, h := frame.Meta.Width, frame.Meta.Height

		if w <= 0 || h <= 0 {
			w, h = img.Cols(), img.Rows()
		}

		var err error
		vw, err = m.opts.NewVideoWriter(path, fps, w, h)

		if err != nil {
			m.fail(Video, path, err)
			return
		}

		m.state.set(slot, path, vw)

		m.log.Debug("video writer opened",
			zap.String("path", path),
			zap.Int("slot", slot),
			zap.Float64("fps", fps),
			zap.Int("width", w),
			zap.Int("height", h))
	}

	if err := vw.Write(img); err != nil {
		m.fail(Video, path, err)
	}
}

// VideoPath returns the output video for a frame.  Video files keep their
// name, streams are named by stream index, eg: stream0.mp4
func VideoPath(dir string, frame *source.Frame) string {

	if frame.Mode == source.ModeStream {
		return filepath.Join(dir, StreamName(frame.Index)+".mp4")
	}

	return filepath.Join(dir, filepath.Base(frame.Path))
}

// StreamName is the output file stem for a stream index
func StreamName(index int) string {
	return "stream" + strconv.Itoa(index)
}

// Close flushes and releases the video writer and the live view.  It is safe
// to call more than once
func (m *Multiplexer) Close() error {

	if m.closed {
		return nil
	}

	m.closed = true

	var err error

	if cerr := m.state.close(); cerr != nil {
		err = multierr.Append(err, &SinkIOError{Sink: Video, Err: cerr})
	}

	if m.opts.Viewer != nil {
		err = multierr.Append(err, m.opts.Viewer.Close())
	}

	return err
}

// PrepareOutputDir removes dir and everything in it then creates it empty
func PrepareOutputDir(dir string) error {

	if dir == "" {
		return errors.New("output directory not set")
	}

	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to remove output directory %s", dir)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %s", dir)
	}

	return nil
}
