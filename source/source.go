// Package source reads frames from still images, video files and live
// streams for the detection pipeline.
package source

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// ErrExhausted is returned by Next once every frame has been read.  It marks
// the normal end of a run
var ErrExhausted = errors.New("source exhausted")

// Mode describes the kind of media a frame was read from
type Mode int

const (
	// ModeImage is a still image file
	ModeImage Mode = iota
	// ModeVideo is a frame of a video file
	ModeVideo
	// ModeStream is a frame of a live camera or network stream
	ModeStream
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeImage:
		return "image"
	case ModeVideo:
		return "video"
	case ModeStream:
		return "stream"
	default:
		return "unknown"
	}
}

var (
	// ImageExtensions are the file extensions read as still images
	ImageExtensions = []string{".bmp", ".jpg", ".jpeg", ".png", ".tif", ".tiff", ".dng"}
	// VideoExtensions are the file extensions read as videos
	VideoExtensions = []string{".mov", ".avi", ".mp4", ".mpg", ".mpeg", ".m4v", ".wmv", ".mkv"}
	// StreamPrefixes are the URL schemes treated as live streams
	StreamPrefixes = []string{"rtsp://", "rtmp://", "http://", "https://"}
)

// Meta is the capture geometry of a video or stream, zero for still images
type Meta struct {
	// FPS is the capture frame rate
	FPS float64
	// Width of the frames in pixels
	Width int
	// Height of the frames in pixels
	Height int
}

// Frame is a single image read from a Source.  Image holds the original BGR
// pixels and is owned by the frame, release it with Close
type Frame struct {
	// Path is the file or stream the frame came from
	Path string
	// Index is the position of Path among the source's inputs, for streams
	// the stream number
	Index int
	// FrameIndex is the 1 based frame number within a video or stream, zero
	// for still images
	FrameIndex int
	// Mode is the kind of media read
	Mode Mode
	// Image is the original frame in BGR order
	Image gocv.Mat
	// Meta is the capture geometry
	Meta Meta
}

// Close releases the frame image
func (f *Frame) Close() error {
	return f.Image.Close()
}

// Size returns the frame width and height
func (f *Frame) Size() (int, int) {
	return f.Image.Cols(), f.Image.Rows()
}

// Source yields frames until it returns ErrExhausted
type Source interface {
	// Next returns the next frame.  Errors other than ErrExhausted concern
	// that frame only and reading may continue
	Next() (*Frame, error)
	// Mode returns ModeStream for live sources, otherwise ModeImage, the mode
	// of individual file frames is set on each Frame
	Mode() Mode
	// Close releases all open captures
	Close() error
}

// IsStream reports whether spec names live sources, a webcam index, a
// stream URL or a .txt file listing several of them
func IsStream(spec string) bool {

	if _, err := strconv.Atoi(spec); err == nil {
		return true
	}

	if strings.HasSuffix(strings.ToLower(spec), ".txt") {
		return true
	}

	lower := strings.ToLower(spec)

	for _, prefix := range StreamPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}

	return false
}

// Open returns the Source for spec.  Live sources are opened with
// OpenStreams, everything else is treated as a file, directory or glob
func Open(spec string) (Source, error) {

	if IsStream(spec) {
		return OpenStreams(spec)
	}

	return OpenImages(spec)
}

// IsImage reports whether path has a still image extension
func IsImage(path string) bool {
	return hasExt(path, ImageExtensions)
}

// IsVideo reports whether path has a video extension
func IsVideo(path string) bool {
	return hasExt(path, VideoExtensions)
}

func hasExt(path string, exts []string) bool {

	ext := strings.ToLower(filepath.Ext(path))

	for _, e := range exts {
		if ext == e {
			return true
		}
	}

	return false
}

// ListFiles resolves spec to a sorted list of image and video files.  Spec may
// be a glob pattern, a directory or a single file
func ListFiles(spec string) ([]string, error) {

	var files []string

	switch {
	case strings.ContainsAny(spec, "*?["):
		matches, err := filepath.Glob(spec)

		if err != nil {
			return nil, errors.Wrapf(err, "invalid glob %s", spec)
		}

		files = matches

	default:
		info, err := os.Stat(spec)

		if err != nil {
			return nil, errors.Wrapf(err, "source %s does not exist", spec)
		}

		if !info.IsDir() {
			files = []string{spec}
			break
		}

		entries, err := os.ReadDir(spec)

		if err != nil {
			return nil, errors.Wrapf(err, "failed to read directory %s", spec)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				files = append(files, filepath.Join(spec, entry.Name()))
			}
		}
	}

	sort.Strings(files)

	out := files[:0]

	for _, f := range files {
		if IsImage(f) || IsVideo(f) {
			out = append(out, f)
		}
	}

	if len(out) == 0 {
		return nil, errors.Errorf("no images or videos found in %s, supported formats are %s and %s",
			spec, strings.Join(ImageExtensions, " "), strings.Join(VideoExtensions, " "))
	}

	return out, nil
}
