package detect

import (
	"github.com/pkg/errors"
)

// Tensor is a dense float32 tensor in row major order.  Images are passed
// between the pipeline and backends as NCHW tensors
type Tensor struct {
	// Shape holds the size of each dimension
	Shape []int
	// Data is the flat backing array, len(Data) equals the product of Shape
	Data []float32
}

// NewTensor wraps data with the given shape, the data is not copied
func NewTensor(shape []int, data []float32) (*Tensor, error) {

	if n := volume(shape); n != len(data) {
		return nil, errors.Errorf("tensor shape %v needs %d elements, got %d",
			shape, n, len(data))
	}

	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// Zeros returns a tensor of the given shape filled with zeros
func Zeros(shape ...int) *Tensor {
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, volume(shape)),
	}
}

// Len returns the number of elements in the tensor
func (t *Tensor) Len() int {
	return len(t.Data)
}

// ImageSize returns the height and width of an NCHW tensor
func (t *Tensor) ImageSize() (h, w int) {

	if len(t.Shape) != 4 {
		return 0, 0
	}

	return t.Shape[2], t.Shape[3]
}

// ToNHWC returns a channel last copy of an NCHW tensor
func (t *Tensor) ToNHWC() (*Tensor, error) {

	out := &Tensor{}

	if err := t.ToNHWCInto(out); err != nil {
		return nil, err
	}

	return out, nil
}

// ToNHWCInto writes the channel last form of an NCHW tensor into dst, reusing
// the backing array of dst when it is large enough
func (t *Tensor) ToNHWCInto(dst *Tensor) error {

	if len(t.Shape) != 4 {
		return errors.Errorf("expected 4 dimensional tensor, got shape %v", t.Shape)
	}

	n, c, h, w := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	plane := h * w
	size := n * c * plane

	if len(t.Data) != size {
		return errors.Errorf("tensor shape %v needs %d elements, got %d", t.Shape, size, len(t.Data))
	}

	if cap(dst.Data) < size {
		dst.Data = make([]float32, size)
	}

	dst.Data = dst.Data[:size]
	dst.Shape = append(dst.Shape[:0], n, h, w, c)

	for b := 0; b < n; b++ {
		src := t.Data[b*c*plane : (b+1)*c*plane]
		out := dst.Data[b*c*plane : (b+1)*c*plane]

		for ch := 0; ch < c; ch++ {
			for i, v := range src[ch*plane : (ch+1)*plane] {
				out[i*c+ch] = v
			}
		}
	}

	return nil
}

// FlipHorizontal returns a copy of an NCHW tensor mirrored along its width
func (t *Tensor) FlipHorizontal() *Tensor {

	out := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}

	if len(t.Shape) != 4 {
		copy(out.Data, t.Data)
		return out
	}

	w := t.Shape[3]
	rows := len(t.Data) / w

	for r := 0; r < rows; r++ {
		src := t.Data[r*w : (r+1)*w]
		dst := out.Data[r*w : (r+1)*w]

		for x := 0; x < w; x++ {
			dst[w-1-x] = src[x]
		}
	}

	return out
}

// volume returns the number of elements a tensor of shape holds
func volume(shape []int) int {

	if len(shape) == 0 {
		return 0
	}

	n := 1

	for _, d := range shape {
		n *= d
	}

	return n
}
