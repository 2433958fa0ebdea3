// Package tflite executes TensorFlow Lite flatbuffer models.  Importing the
// package registers the detect.MobileInterpreter backend.
package tflite

import (
	"runtime"

	tflite "github.com/mattn/go-tflite"
	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	"go.uber.org/zap"
)

func init() {
	detect.Register(detect.MobileInterpreter, Open)
}

// Interpreter wraps a TensorFlow Lite interpreter.  The input and output
// tensors are bound by index once after allocation and reused for every frame,
// it is not safe for concurrent use
type Interpreter struct {
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter
	// input is the bound input tensor at index 0
	input *tflite.Tensor
	// output is the bound output tensor at index 0
	output *tflite.Tensor
	// inputShape is the compiled NHWC input shape
	inputShape []int
	// nhwc is the channel last input reused between frames
	nhwc detect.Tensor
	// u8, i8 and f16 stage integer and half precision tensor data
	u8  []uint8
	i8  []int8
	f16 []uint16
	log *zap.Logger
}

// Open loads the flatbuffer at path and allocates its tensors
func Open(path string, opts detect.Options) (detect.Backend, error) {

	log := opts.Logger

	if log == nil {
		log = zap.NewNop()
	}

	model := tflite.NewModelFromFile(path)

	if model == nil {
		return nil, errors.New("failed to create model")
	}

	numThreads := opts.NumThreads

	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	options := tflite.NewInterpreterOptions()

	if options == nil {
		model.Delete()
		return nil, errors.New("interpreter options failed to be created")
	}

	options.SetNumThread(numThreads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		log.Warn("tflite", zap.String("msg", msg))
	}, nil)

	interp := tflite.NewInterpreter(model, options)

	if interp == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to create interpreter")
	}

	r := &Interpreter{
		model:   model,
		options: options,
		interp:  interp,
		log:     log,
	}

	if status := interp.AllocateTensors(); status != tflite.OK {
		r.Close()
		return nil, errors.Errorf("failed to allocate tensors: %v", status)
	}

	if err := r.bind(opts.InputSize); err != nil {
		r.Close()
		return nil, err
	}

	log.Debug("tflite interpreter created",
		zap.Int("threads", numThreads),
		zap.Ints("input_shape", r.inputShape),
		zap.String("input_type", r.input.Type().String()),
		zap.Ints("output_shape", dims(r.output)),
		zap.String("output_type", r.output.Type().String()))

	return r, nil
}

// bind resolves the input and output tensors and checks the compiled input
// shape matches the configured input size
func (r *Interpreter) bind(size int) error {

	if r.interp.GetInputTensorCount() < 1 || r.interp.GetOutputTensorCount() < 1 {
		return errors.New("model has no input or output tensors")
	}

	r.input = r.interp.GetInputTensor(0)
	r.output = r.interp.GetOutputTensor(0)

	if r.input == nil || r.output == nil {
		return errors.New("failed to bind input and output tensors")
	}

	if err := checkElementType(r.input.Type()); err != nil {
		return errors.Wrap(err, "input")
	}

	if err := checkElementType(r.output.Type()); err != nil {
		return errors.Wrap(err, "output")
	}

	r.inputShape = dims(r.input)

	return checkInputShape(r.inputShape, size)
}

// Kind returns detect.MobileInterpreter
func (r *Interpreter) Kind() detect.Kind {
	return detect.MobileInterpreter
}

// Infer permutes the input to NHWC, copies it into the bound input tensor and
// invokes the interpreter
func (r *Interpreter) Infer(input *detect.Tensor) (*detect.RawPrediction, error) {

	if r.interp == nil || r.input == nil || r.output == nil {
		return nil, detect.NewBackendError(detect.MobileInterpreter, "bind",
			errors.New("interpreter tensors are not initialised"))
	}

	if err := input.ToNHWCInto(&r.nhwc); err != nil {
		return nil, detect.NewBackendError(detect.MobileInterpreter, "permute", err)
	}

	if !equalShape(r.nhwc.Shape, r.inputShape) {
		return nil, detect.NewBackendError(detect.MobileInterpreter, "input shape",
			errors.Errorf("input %v does not match compiled shape %v", r.nhwc.Shape, r.inputShape))
	}

	if err := r.setInput(r.nhwc.Data); err != nil {
		return nil, detect.NewBackendError(detect.MobileInterpreter, "set input", err)
	}

	if status := r.interp.Invoke(); status != tflite.OK {
		return nil, detect.NewBackendError(detect.MobileInterpreter, "invoke",
			errors.Errorf("invoke failed: %v", status))
	}

	data, err := r.outputData()

	if err != nil {
		return nil, detect.NewBackendError(detect.MobileInterpreter, "output", err)
	}

	pred, err := detect.NewRawPrediction(dims(r.output), data)

	if err != nil {
		return nil, detect.NewBackendError(detect.MobileInterpreter, "output shape", err)
	}

	return pred, nil
}

// setInput copies data into the input tensor, quantizing it for integer
// models
func (r *Interpreter) setInput(data []float32) error {

	var status tflite.Status

	switch r.input.Type() {
	case tflite.Float32:
		status = r.input.CopyFromBuffer(data)

	case tflite.UInt8:
		q := r.input.QuantizationParams()
		r.u8 = quantizeUint8(r.u8, data, float32(q.Scale), q.ZeroPoint)
		status = r.input.CopyFromBuffer(r.u8)

	case tflite.Int8:
		q := r.input.QuantizationParams()
		r.i8 = quantizeInt8(r.i8, data, float32(q.Scale), q.ZeroPoint)
		status = r.input.CopyFromBuffer(r.i8)

	default:
		return errors.Errorf("unsupported input type %v", r.input.Type())
	}

	if status != tflite.OK {
		return errors.Errorf("copy to input tensor failed: %v", status)
	}

	return nil
}

// outputData copies the output tensor to float32, dequantizing integer
// outputs and converting half precision ones
func (r *Interpreter) outputData() ([]float32, error) {

	n := volume(dims(r.output))
	out := r.output

	var status tflite.Status

	switch out.Type() {
	case tflite.Float32:
		buf := make([]float32, n)
		status = out.CopyToBuffer(buf)
		if status == tflite.OK {
			return buf, nil
		}

	case tflite.Float16:
		r.f16 = resize(r.f16, n)
		status = out.CopyToBuffer(r.f16)
		if status == tflite.OK {
			return detect.Float16ToFloat32(r.f16), nil
		}

	case tflite.UInt8:
		r.u8 = resize(r.u8, n)
		status = out.CopyToBuffer(r.u8)
		if status == tflite.OK {
			q := out.QuantizationParams()
			return detect.DequantizeUint8(r.u8, float32(q.Scale), q.ZeroPoint), nil
		}

	case tflite.Int8:
		r.i8 = resize(r.i8, n)
		status = out.CopyToBuffer(r.i8)
		if status == tflite.OK {
			q := out.QuantizationParams()
			return detect.DequantizeInt8(r.i8, float32(q.Scale), q.ZeroPoint), nil
		}

	default:
		return nil, errors.Errorf("unsupported output type %v", out.Type())
	}

	return nil, errors.Errorf("copy from output tensor failed: %v", status)
}

// Close deletes the interpreter and its model
func (r *Interpreter) Close() error {

	if r.interp != nil {
		r.interp.Delete()
		r.interp = nil
	}

	if r.options != nil {
		r.options.Delete()
		r.options = nil
	}

	if r.model != nil {
		r.model.Delete()
		r.model = nil
	}

	r.input = nil
	r.output = nil

	return nil
}

func checkElementType(t tflite.TensorType) error {

	switch t {
	case tflite.Float32, tflite.Float16, tflite.UInt8, tflite.Int8:
		return nil
	}

	return errors.Errorf("unsupported tensor type %v", t)
}

// checkInputShape verifies an NHWC input of three channels at the configured
// square size
func checkInputShape(shape []int, size int) error {

	if len(shape) != 4 || shape[3] != 3 {
		return errors.Errorf("model input must be NHWC with 3 channels, got %v", shape)
	}

	if shape[1] != size || shape[2] != size {
		return errors.Errorf("model was compiled for %dx%d input, configured size is %d",
			shape[2], shape[1], size)
	}

	return nil
}

func dims(t *tflite.Tensor) []int {

	out := make([]int, t.NumDims())

	for i := range out {
		out[i] = t.Dim(i)
	}

	return out
}

func volume(shape []int) int {

	n := 1

	for _, d := range shape {
		n *= d
	}

	return n
}

func equalShape(a, b []int) bool {

	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}

// resize returns buf with length n, reallocating only when it is too small
func resize[T any](buf []T, n int) []T {

	if cap(buf) < n {
		return make([]T, n)
	}

	return buf[:n]
}

// quantizeUint8 maps float values onto the uint8 range of a quantized input,
// writing into dst
func quantizeUint8(dst []uint8, data []float32, scale float32, zeroPoint int) []uint8 {

	out := resize(dst, len(data))

	for i, v := range data {
		out[i] = uint8(clampRound(v/scale+float32(zeroPoint), 0, 255))
	}

	return out
}

// quantizeInt8 maps float values onto the int8 range of a quantized input,
// writing into dst
func quantizeInt8(dst []int8, data []float32, scale float32, zeroPoint int) []int8 {

	out := resize(dst, len(data))

	for i, v := range data {
		out[i] = int8(clampRound(v/scale+float32(zeroPoint), -128, 127))
	}

	return out
}

func clampRound(v, lo, hi float32) float32 {

	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	if v < 0 {
		return float32(int(v - 0.5))
	}

	return float32(int(v + 0.5))
}
