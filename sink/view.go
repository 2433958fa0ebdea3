package sink

import (
	"github.com/hybridgroup/mjpeg"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// QuitKey is the key that stops a run from the live view
const QuitKey = 'q'

// Viewer displays annotated frames
type Viewer interface {
	// Show displays img in the window titled name and returns the key
	// pressed while it was shown, or -1
	Show(name string, img gocv.Mat) int
	// Close destroys all windows
	Close() error
}

// Windows is a Viewer with one gocv window per source
type Windows struct {
	windows map[string]*gocv.Window
}

// NewWindows returns a Viewer backed by gocv windows
func NewWindows() *Windows {
	return &Windows{windows: make(map[string]*gocv.Window)}
}

// Show displays img and waits 1ms for a key press
func (w *Windows) Show(name string, img gocv.Mat) int {

	win, ok := w.windows[name]

	if !ok {
		win = gocv.NewWindow(name)
		w.windows[name] = win
	}

	win.IMShow(img)

	return win.WaitKey(1)
}

// Close destroys the windows
func (w *Windows) Close() error {

	for name, win := range w.windows {
		win.Close()
		delete(w.windows, name)
	}

	return nil
}

// streamFrame encodes img as a JPEG and publishes it to the MJPEG stream
func streamFrame(stream *mjpeg.Stream, img gocv.Mat) error {

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)

	if err != nil {
		return errors.Wrap(err, "failed to encode jpeg")
	}

	defer buf.Close()

	stream.UpdateJPEG(buf.GetBytes())

	return nil
}
