package sink

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/swdee/go-detect"
	"github.com/swdee/go-detect/postprocess"
	"github.com/swdee/go-detect/source"
	"gocv.io/x/gocv"
)

// fakeWriter records the frames written and how often it was closed
type fakeWriter struct {
	path   string
	frames int
	closes int
	failOn int
}

func (w *fakeWriter) Write(img gocv.Mat) error {
	w.frames++
	if w.failOn > 0 && w.frames >= w.failOn {
		return errors.New("disk full")
	}
	return nil
}

func (w *fakeWriter) Close() error {
	w.closes++
	return nil
}

// writerFactory opens fakeWriters and keeps them for inspection
type writerFactory struct {
	writers []*fakeWriter
	fail    bool
}

func (f *writerFactory) open(path string, fps float64, width, height int) (VideoWriter, error) {
	if f.fail {
		return nil, errors.New("codec unavailable")
	}
	w := &fakeWriter{path: path}
	f.writers = append(f.writers, w)
	return w, nil
}

// fakeViewer returns a fixed key for every shown frame
type fakeViewer struct {
	key    int
	shown  []string
	closes int
}

func (v *fakeViewer) Show(name string, img gocv.Mat) int {
	v.shown = append(v.shown, name)
	return v.key
}

func (v *fakeViewer) Close() error {
	v.closes++
	return nil
}

func newFrame(path string, mode source.Mode, frameIdx int) *source.Frame {
	return &source.Frame{
		Path:       path,
		FrameIndex: frameIdx,
		Mode:       mode,
		Image:      gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 100, 200, gocv.MatTypeCV8UC3),
		Meta:       source.Meta{FPS: 25, Width: 200, Height: 100},
	}
}

var twoDets = []postprocess.Detection{
	{Box: postprocess.Box{X1: 0, Y1: 0, X2: 100, Y2: 50}, Class: 0, Confidence: 0.9},
	{Box: postprocess.Box{X1: 100, Y1: 50, X2: 200, Y2: 100}, Class: 2, Confidence: 0.5},
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestLabelSink(t *testing.T) {

	dir := t.TempDir()
	mux := New(Options{Dir: dir, SaveTxt: true, SaveConf: true})

	frame := newFrame("/data/images/bus.jpg", source.ModeImage, 0)
	defer frame.Close()

	require.NoError(t, mux.Route(frame, twoDets))
	require.NoError(t, mux.Close())

	lines := readLines(t, filepath.Join(dir, "bus.txt"))

	// lowest confidence first
	assert.Equal(t, []string{
		"2 0.5 0.75 0.75 0.5 0.5",
		"0 0.9 0.25 0.25 0.5 0.5",
	}, lines)
}

func TestLabelSinkEmptyCreatesNothing(t *testing.T) {

	dir := t.TempDir()
	mux := New(Options{Dir: dir, SaveTxt: true})

	frame := newFrame("/data/images/empty.jpg", source.ModeImage, 0)
	defer frame.Close()

	require.NoError(t, mux.Route(frame, nil))

	_, err := os.Stat(filepath.Join(dir, "empty.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestLabelPath(t *testing.T) {

	tests := []struct {
		name  string
		frame source.Frame
		want  string
	}{
		{"image", source.Frame{Path: "/in/zidane.jpg", Mode: source.ModeImage}, "out/zidane.txt"},
		{"video", source.Frame{Path: "/in/clip.mp4", Mode: source.ModeVideo, FrameIndex: 12}, "out/clip_12.txt"},
		{"stream", source.Frame{Path: "0", Mode: source.ModeStream, FrameIndex: 3}, "out/stream0_3.txt"},
		{"second stream", source.Frame{Path: "rtsp://b/live", Mode: source.ModeStream, Index: 1, FrameIndex: 3}, "out/stream1_3.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), LabelPath("out", &tt.frame))
		})
	}
}

func TestFormatLabel(t *testing.T) {

	det := twoDets[0]

	assert.Equal(t, "0 0.25 0.25 0.5 0.5",
		FormatLabel(det, image.Pt(200, 100), false))
	assert.Equal(t, "0 0.9 0.25 0.25 0.5 0.5",
		FormatLabel(det, image.Pt(200, 100), true))
}

func TestVideoWriterSwitchesOnSourceChange(t *testing.T) {

	dir := t.TempDir()
	factory := &writerFactory{}
	mux := New(Options{Dir: dir, SaveImg: true, NewVideoWriter: factory.open})

	for _, f := range []struct {
		path string
		idx  int
	}{
		{"/in/a.mp4", 1}, {"/in/a.mp4", 2}, {"/in/b.mp4", 1}, {"/in/b.mp4", 2}, {"/in/b.mp4", 3},
	} {
		frame := newFrame(f.path, source.ModeVideo, f.idx)
		require.NoError(t, mux.Route(frame, twoDets))
		frame.Close()
	}

	require.Len(t, factory.writers, 2)

	a, b := factory.writers[0], factory.writers[1]

	assert.Equal(t, filepath.Join(dir, "a.mp4"), a.path)
	assert.Equal(t, 2, a.frames)
	assert.Equal(t, 1, a.closes)

	assert.Equal(t, filepath.Join(dir, "b.mp4"), b.path)
	assert.Equal(t, 3, b.frames)
	assert.Equal(t, 0, b.closes)
	assert.Equal(t, []string{b.path}, mux.State().Paths())

	require.NoError(t, mux.Close())
	require.NoError(t, mux.Close())

	assert.Equal(t, 1, a.closes)
	assert.Equal(t, 1, b.closes)
	assert.Empty(t, mux.State().Paths())
	assert.Equal(t, 2, mux.State().Opened())

	frame := newFrame("/in/c.mp4", source.ModeVideo, 1)
	defer frame.Close()
	assert.Error(t, mux.Route(frame, nil))
}

func TestFailingSinkIsDisabledAlone(t *testing.T) {

	dir := t.TempDir()
	factory := &writerFactory{fail: true}
	mux := New(Options{Dir: dir, SaveImg: true, SaveTxt: true, NewVideoWriter: factory.open})

	for i := 1; i <= 3; i++ {
		frame := newFrame("/in/clip.mp4", source.ModeVideo, i)
		require.NoError(t, mux.Route(frame, twoDets))
		frame.Close()
	}

	sErr := mux.Disabled(Video)
	require.NotNil(t, sErr)
	assert.Equal(t, Video, sErr.Sink)
	assert.Equal(t, filepath.Join(dir, "clip.mp4"), sErr.Path)
	assert.Nil(t, mux.Disabled(Label))

	// labels kept flowing for every frame
	for i := 1; i <= 3; i++ {
		_, err := os.Stat(filepath.Join(dir, fmt.Sprintf("clip_%d.txt", i)))
		assert.NoError(t, err)
	}

	require.NoError(t, mux.Close())
}

func TestWriteFailureDisablesVideo(t *testing.T) {

	dir := t.TempDir()
	factory := &writerFactory{}
	mux := New(Options{Dir: dir, SaveImg: true, NewVideoWriter: factory.open})

	for i := 1; i <= 2; i++ {
		frame := newFrame("/in/clip.mp4", source.ModeVideo, i)
		require.NoError(t, mux.Route(frame, nil))
		frame.Close()
	}

	factory.writers[0].failOn = 3

	for i := 3; i <= 5; i++ {
		frame := newFrame("/in/clip.mp4", source.ModeVideo, i)
		require.NoError(t, mux.Route(frame, nil))
		frame.Close()
	}

	assert.NotNil(t, mux.Disabled(Video))
	assert.Equal(t, 3, factory.writers[0].frames)

	require.NoError(t, mux.Close())
	assert.Equal(t, 1, factory.writers[0].closes)
}

func TestViewQuitCancelsAfterWriting(t *testing.T) {

	dir := t.TempDir()
	factory := &writerFactory{}
	viewer := &fakeViewer{key: -1}

	mux := New(Options{Dir: dir, SaveImg: true, View: true, Viewer: viewer,
		NewVideoWriter: factory.open})

	frame := newFrame("/in/clip.mp4", source.ModeVideo, 1)
	require.NoError(t, mux.Route(frame, twoDets))
	frame.Close()

	viewer.key = 'q'

	frame = newFrame("/in/clip.mp4", source.ModeVideo, 2)
	err := mux.Route(frame, twoDets)
	frame.Close()

	assert.ErrorIs(t, err, detect.ErrCancelledByUser)
	assert.Equal(t, []string{"/in/clip.mp4", "/in/clip.mp4"}, viewer.shown)

	// the quit frame was still written and closing flushes the writer
	require.NoError(t, mux.Close())
	assert.Equal(t, 2, factory.writers[0].frames)
	assert.Equal(t, 1, factory.writers[0].closes)
	assert.Equal(t, 1, viewer.closes)
}

func TestImageSinkWritesAnnotatedFrame(t *testing.T) {

	dir := t.TempDir()
	mux := New(Options{Dir: dir, SaveImg: true, Names: []string{"person", "bicycle", "car"}})

	frame := newFrame("/in/bus.jpg", source.ModeImage, 0)
	defer frame.Close()

	require.NoError(t, mux.Route(frame, twoDets))
	require.NoError(t, mux.Close())

	out := gocv.IMRead(filepath.Join(dir, "bus.jpg"), gocv.IMReadColor)
	defer out.Close()

	require.False(t, out.Empty())
	assert.Equal(t, 200, out.Cols())
	assert.Equal(t, 100, out.Rows())

	// the original frame is not drawn on
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame.Image, &gray, gocv.ColorBGRToGray)
	assert.Equal(t, 0, gocv.CountNonZero(gray))
}

func TestImageSinkEmptyDetections(t *testing.T) {

	tests := []struct {
		name      string
		path      string
		tolerance float32
	}{
		{"lossless", "/in/empty.png", 0},
		{"jpeg", "/in/empty.jpg", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {

			dir := t.TempDir()
			mux := New(Options{Dir: dir, SaveImg: true, SaveTxt: true, Names: []string{"person"}})

			frame := newFrame(tt.path, source.ModeImage, 0)
			defer frame.Close()
			frame.Image.SetTo(gocv.NewScalar(40, 120, 200, 0))

			require.NoError(t, mux.Route(frame, nil))
			require.NoError(t, mux.Close())

			out := gocv.IMRead(filepath.Join(dir, filepath.Base(tt.path)), gocv.IMReadColor)
			defer out.Close()

			require.False(t, out.Empty())
			require.Equal(t, frame.Image.Cols(), out.Cols())
			require.Equal(t, frame.Image.Rows(), out.Rows())

			// nothing was drawn so the saved image is the input
			diff := gocv.NewMat()
			defer diff.Close()
			gocv.AbsDiff(frame.Image, out, &diff)

			channels := diff.Reshape(1, 0)
			defer channels.Close()

			_, maxDiff, _, _ := gocv.MinMaxLoc(channels)
			assert.LessOrEqual(t, maxDiff, tt.tolerance)

			// no label file for an empty prediction
			label := strings.TrimSuffix(filepath.Base(tt.path), filepath.Ext(tt.path)) + ".txt"
			_, err := os.Stat(filepath.Join(dir, label))
			assert.True(t, os.IsNotExist(err))
		})
	}
}

func TestVideoPath(t *testing.T) {

	tests := []struct {
		name  string
		frame source.Frame
		want  string
	}{
		{"video", source.Frame{Path: "/in/clip.mp4", Mode: source.ModeVideo}, "out/clip.mp4"},
		{"webcam", source.Frame{Path: "0", Mode: source.ModeStream}, "out/stream0.mp4"},
		{"url", source.Frame{Path: "rtsp://a/live", Mode: source.ModeStream, Index: 1}, "out/stream1.mp4"},
		{"same url base", source.Frame{Path: "rtsp://b/live", Mode: source.ModeStream, Index: 2}, "out/stream2.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), VideoPath("out", &tt.frame))
		})
	}
}

func TestStreamsKeepOwnVideoWriter(t *testing.T) {

	dir := t.TempDir()
	factory := &writerFactory{}
	mux := New(Options{Dir: dir, SaveImg: true, NewVideoWriter: factory.open})

	// round robin over two streams whose URLs share a base name
	for _, f := range []struct {
		path  string
		index int
		frame int
	}{
		{"rtsp://a/live", 0, 1}, {"rtsp://b/live", 1, 1},
		{"rtsp://a/live", 0, 2}, {"rtsp://b/live", 1, 2},
		{"rtsp://a/live", 0, 3},
	} {
		frame := newFrame(f.path, source.ModeStream, f.frame)
		frame.Index = f.index
		require.NoError(t, mux.Route(frame, twoDets))
		frame.Close()
	}

	assert.Equal(t, 2, mux.State().Opened())
	require.Len(t, factory.writers, 2)

	first, second := factory.writers[0], factory.writers[1]

	assert.Equal(t, filepath.Join(dir, "stream0.mp4"), first.path)
	assert.Equal(t, 3, first.frames)
	assert.Equal(t, filepath.Join(dir, "stream1.mp4"), second.path)
	assert.Equal(t, 2, second.frames)

	// neither writer is closed until the run ends
	assert.Equal(t, 0, first.closes)
	assert.Equal(t, 0, second.closes)
	assert.Equal(t, []string{first.path, second.path}, mux.State().Paths())

	require.NoError(t, mux.Close())

	assert.Equal(t, 1, first.closes)
	assert.Equal(t, 1, second.closes)
	assert.Empty(t, mux.State().Paths())
}

func TestPrepareOutputDir(t *testing.T) {

	dir := filepath.Join(t.TempDir(), "output")

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "old"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stale.txt"), []byte("x"), 0644))

	require.NoError(t, PrepareOutputDir(dir))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Error(t, PrepareOutputDir(""))
}
