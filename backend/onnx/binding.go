package onnx

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	"github.com/x448/float16"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
)

// binding is an input and output tensor pair allocated once and reused for
// every pass whose input has the shape it was created for
type binding struct {
	// shape is the NCHW input shape the tensors fit
	shape ort.Shape
	// inType is the model input element type
	inType ort.TensorElementDataType
	input  ort.Value
	// output is nil until the first run when the model output has dynamic
	// dimensions, the tensor onnxruntime allocated is then kept
	output ort.Value
}

// newBinding allocates the input tensor for shape and the output tensor when
// the output dimensions are all fixed
func newBinding(shape ort.Shape, in, out ort.InputOutputInfo) (*binding, error) {

	input, err := newEmptyTensor(in.DataType, shape)

	if err != nil {
		return nil, errors.Wrap(err, "failed to allocate input tensor")
	}

	b := &binding{
		shape:  shape,
		inType: in.DataType,
		input:  input,
	}

	if !staticShape(out.Dimensions) {
		return b, nil
	}

	if b.output, err = newEmptyTensor(out.DataType, out.Dimensions); err != nil {
		input.Destroy()
		return nil, errors.Wrap(err, "failed to allocate output tensor")
	}

	return b, nil
}

// fits reports whether an input of shape can use the bound tensors
func (b *binding) fits(shape []int) bool {

	if len(shape) != len(b.shape) {
		return false
	}

	for i, d := range shape {
		if int64(d) != b.shape[i] {
			return false
		}
	}

	return true
}

// load copies data into the bound input tensor
func (b *binding) load(data []float32) error {

	switch t := b.input.(type) {
	case *ort.Tensor[float32]:
		dst := t.GetData()

		if len(dst) != len(data) {
			return errors.Errorf("input has %d values, tensor holds %d", len(data), len(dst))
		}

		copy(dst, data)
		return nil

	case *ort.CustomDataTensor:
		return putHalf(t.GetData(), data)
	}

	return errors.Errorf("unsupported input value %T", b.input)
}

// destroy releases both tensors
func (b *binding) destroy() error {

	var err error

	if b.input != nil {
		err = multierr.Append(err, b.input.Destroy())
		b.input = nil
	}

	if b.output != nil {
		err = multierr.Append(err, b.output.Destroy())
		b.output = nil
	}

	return err
}

// newEmptyTensor allocates a zeroed tensor of the element type
func newEmptyTensor(dt ort.TensorElementDataType, shape ort.Shape) (ort.Value, error) {

	if dt == ort.TensorElementDataTypeFloat16 {
		return ort.NewCustomDataTensor(shape, make([]byte, shape.FlattenedSize()*2), dt)
	}

	return ort.NewEmptyTensor[float32](shape)
}

// staticShape reports whether every dimension is known
func staticShape(dims ort.Shape) bool {

	if len(dims) == 0 {
		return false
	}

	for _, d := range dims {
		if d <= 0 {
			return false
		}
	}

	return true
}

// putHalf encodes src into dst as little endian IEEE 754 half floats
func putHalf(dst []byte, src []float32) error {

	if len(dst) != len(src)*2 {
		return errors.Errorf("half float buffer of %d bytes cannot hold %d values", len(dst), len(src))
	}

	for i, v := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
	}

	return nil
}

// halfBytesToFloat32 decodes little endian IEEE 754 half floats
func halfBytesToFloat32(buf []byte) []float32 {

	bits := make([]uint16, len(buf)/2)

	for i := range bits {
		bits[i] = binary.LittleEndian.Uint16(buf[i*2:])
	}

	return detect.Float16ToFloat32(bits)
}
