package preprocess

import (
	"image"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	"gocv.io/x/gocv"
)

// ToTensor converts a letterboxed BGR image into an NCHW float32 RGB tensor
// scaled to the range [0,1]
func ToTensor(img gocv.Mat) (*detect.Tensor, error) {

	if img.Empty() {
		return nil, errors.New("cannot convert empty image to tensor")
	}

	if img.Channels() != 3 {
		return nil, errors.Errorf("expected 3 channel image, got %d", img.Channels())
	}

	h, w := img.Rows(), img.Cols()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(w, h),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()

	if err != nil {
		return nil, errors.Wrap(err, "reading blob data")
	}

	// the blob owns data, copy it out before the blob is closed
	buf := make([]float32, len(data))
	copy(buf, data)

	return detect.NewTensor([]int{1, 3, h, w}, buf)
}

// Frame letterboxes a frame with the resizer and converts it to a model input
// tensor
func Frame(r *Resizer, frame gocv.Mat) (*detect.Tensor, error) {

	if frame.Empty() {
		return nil, errors.New("empty frame")
	}

	if !r.Matches(frame.Cols(), frame.Rows()) {
		return nil, errors.Errorf("resizer built for %dx%d, frame is %dx%d",
			r.SrcWidth(), r.SrcHeight(), frame.Cols(), frame.Rows())
	}

	resized := gocv.NewMat()
	defer resized.Close()

	r.LetterBoxResize(frame, &resized, PadColor)

	return ToTensor(resized)
}
