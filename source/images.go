package source

import (
	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

// Images reads still images and video files in path order.  Videos are read
// frame by frame before moving to the next file
type Images struct {
	// files are the image and video paths to read
	files []string
	// pos is the index of the current file
	pos int
	// video is the open capture of the current file if it is a video
	video *gocv.VideoCapture
	// meta is the geometry of the open video
	meta Meta
	// frame is the number of frames read from the open video
	frame int
}

// OpenImages lists the files named by spec
func OpenImages(spec string) (*Images, error) {

	files, err := ListFiles(spec)

	if err != nil {
		return nil, err
	}

	return &Images{files: files}, nil
}

// Files returns the paths the source reads
func (s *Images) Files() []string {
	return s.files
}

// Mode returns ModeImage, individual frames carry ModeVideo when read from a
// video file
func (s *Images) Mode() Mode {
	return ModeImage
}

// Next returns the next image or video frame.  An unreadable file is
// skipped and reported as an error for that item
func (s *Images) Next() (*Frame, error) {

	for {
		if s.pos >= len(s.files) {
			return nil, ErrExhausted
		}

		path := s.files[s.pos]

		if !IsVideo(path) {
			s.pos++
			return s.readImage(path, s.pos-1)
		}

		if s.video == nil {
			if err := s.openVideo(path); err != nil {
				s.pos++
				return nil, err
			}
		}

		img := gocv.NewMat()

		if ok := s.video.Read(&img); !ok || img.Empty() {
			// end of this video, move to the next file
			img.Close()
			s.closeVideo()
			s.pos++
			continue
		}

		s.frame++

		return &Frame{
			Path:       path,
			Index:      s.pos,
			FrameIndex: s.frame,
			Mode:       ModeVideo,
			Image:      img,
			Meta:       s.meta,
		}, nil
	}
}

func (s *Images) readImage(path string, idx int) (*Frame, error) {

	img := gocv.IMRead(path, gocv.IMReadColor)

	if img.Empty() {
		img.Close()
		return nil, errors.Errorf("failed to read image %s", path)
	}

	return &Frame{
		Path:  path,
		Index: idx,
		Mode:  ModeImage,
		Image: img,
	}, nil
}

func (s *Images) openVideo(path string) error {

	video, err := gocv.VideoCaptureFile(path)

	if err != nil {
		return errors.Wrapf(err, "failed to open video %s", path)
	}

	if !video.IsOpened() {
		video.Close()
		return errors.Errorf("failed to open video %s", path)
	}

	s.video = video
	s.frame = 0
	s.meta = captureMeta(video)

	return nil
}

func (s *Images) closeVideo() {

	if s.video != nil {
		s.video.Close()
		s.video = nil
	}
}

// Close releases an open video capture
func (s *Images) Close() error {
	s.closeVideo()
	return nil
}

// captureMeta reads the frame rate and frame size of a capture
func captureMeta(vc *gocv.VideoCapture) Meta {
	return Meta{
		FPS:    vc.Get(gocv.VideoCaptureFPS),
		Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}
}
