// Package onnx executes ONNX exported models with ONNX Runtime.  Importing
// the package registers the detect.NativeGraph backend.
package onnx

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func init() {
	detect.Register(detect.NativeGraph, Open)
}

var (
	// envMu guards initialisation of the process wide ONNX Runtime environment
	envMu sync.Mutex
)

// Runtime is an ONNX Runtime session bound to a single model
type Runtime struct {
	// session executes the model with tensors supplied per call
	session *ort.DynamicAdvancedSession
	// bound are the tensors reused for model sized inputs
	bound *binding
	// input describes the model's first input
	input ort.InputOutputInfo
	// output describes the model's first output
	output ort.InputOutputInfo
	// inputSize is the square input resolution
	inputSize int
	log       *zap.Logger
}

// initEnvironment loads the ONNX Runtime shared library once per process
func initEnvironment(lib string) error {

	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	if lib != "" {
		ort.SetSharedLibraryPath(lib)
	}

	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "failed to initialise onnxruntime environment")
	}

	return nil
}

// Open creates an ONNX Runtime session for the model file at path
func Open(path string, opts detect.Options) (detect.Backend, error) {

	log := opts.Logger

	if log == nil {
		log = zap.NewNop()
	}

	if err := initEnvironment(opts.SharedLibrary); err != nil {
		return nil, err
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)

	if err != nil {
		return nil, errors.Wrap(err, "failed to read model inputs and outputs")
	}

	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.New("model has no inputs or outputs")
	}

	in, err := selectInfo(inputs, opts.InputName)

	if err != nil {
		return nil, errors.Wrap(err, "input")
	}

	out, err := selectInfo(outputs, opts.OutputName)

	if err != nil {
		return nil, errors.Wrap(err, "output")
	}

	if err := checkDataType(in.DataType); err != nil {
		return nil, errors.Wrapf(err, "input %s", in.Name)
	}

	if err := checkDataType(out.DataType); err != nil {
		return nil, errors.Wrapf(err, "output %s", out.Name)
	}

	if err := checkInputDims(in.Dimensions, opts.InputSize); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()

	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}

	defer options.Destroy()

	if opts.NumThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.NumThreads); err != nil {
			return nil, errors.Wrap(err, "failed to set intra op threads")
		}
	}

	session, err := ort.NewDynamicAdvancedSession(path,
		[]string{in.Name}, []string{out.Name}, options)

	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}

	bound, err := newBinding(ort.NewShape(1, 3, int64(opts.InputSize), int64(opts.InputSize)), in, out)

	if err != nil {
		session.Destroy()
		return nil, err
	}

	log.Debug("onnxruntime session created",
		zap.String("input", in.Name),
		zap.String("input_type", in.DataType.String()),
		zap.Int64s("input_dims", in.Dimensions),
		zap.String("output", out.Name),
		zap.Int64s("output_dims", out.Dimensions),
		zap.Bool("output_bound", bound.output != nil))

	return &Runtime{
		session:   session,
		bound:     bound,
		input:     in,
		output:    out,
		inputSize: opts.InputSize,
		log:       log,
	}, nil
}

// Kind returns detect.NativeGraph
func (r *Runtime) Kind() detect.Kind {
	return detect.NativeGraph
}

// Infer runs the model on an NCHW tensor.  Model sized inputs reuse the
// tensors bound at Open, other sizes such as augmented passes get tensors
// allocated for the call
func (r *Runtime) Infer(input *detect.Tensor) (*detect.RawPrediction, error) {

	if r.bound != nil && r.bound.fits(input.Shape) {
		return r.inferBound(input)
	}

	shape := make(ort.Shape, len(input.Shape))

	for i, d := range input.Shape {
		shape[i] = int64(d)
	}

	inTensor, err := newInputTensor(r.input.DataType, shape, input.Data)

	if err != nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "input tensor", err)
	}

	defer inTensor.Destroy()

	// a nil output lets onnxruntime allocate it with the shape the model
	// produces for this input
	outputs := []ort.Value{nil}

	if err := r.session.Run([]ort.Value{inTensor}, outputs); err != nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "run", err)
	}

	if outputs[0] == nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "output",
			errors.New("output tensor was not initialised"))
	}

	defer outputs[0].Destroy()

	return r.prediction(outputs[0])
}

// inferBound runs the model with the bound tensors
func (r *Runtime) inferBound(input *detect.Tensor) (*detect.RawPrediction, error) {

	if err := r.bound.load(input.Data); err != nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "input tensor", err)
	}

	outputs := []ort.Value{r.bound.output}

	if err := r.session.Run([]ort.Value{r.bound.input}, outputs); err != nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "run", err)
	}

	if outputs[0] == nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "output",
			errors.New("output tensor was not initialised"))
	}

	// keep the output onnxruntime allocated on the first run
	r.bound.output = outputs[0]

	return r.prediction(r.bound.output)
}

// prediction copies an output tensor into a RawPrediction
func (r *Runtime) prediction(out ort.Value) (*detect.RawPrediction, error) {

	data, err := outputData(out, r.output.DataType)

	if err != nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "output", err)
	}

	pred, err := detect.NewRawPrediction(toInts(out.GetShape()), data)

	if err != nil {
		return nil, detect.NewBackendError(detect.NativeGraph, "output shape", err)
	}

	return pred, nil
}

// Close destroys the bound tensors and the session
func (r *Runtime) Close() error {

	var err error

	if r.bound != nil {
		err = multierr.Append(err, r.bound.destroy())
	}

	return multierr.Append(err, r.session.Destroy())
}

// selectInfo returns the named tensor info or the first one when name is empty
func selectInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, error) {

	if name == "" {
		return infos[0], nil
	}

	for _, info := range infos {
		if info.Name == name {
			return info, nil
		}
	}

	return ort.InputOutputInfo{}, errors.Errorf("model has no tensor named %q", name)
}

// checkDataType accepts the element types exported YOLO models use
func checkDataType(dt ort.TensorElementDataType) error {

	switch dt {
	case ort.TensorElementDataTypeFloat, ort.TensorElementDataTypeFloat16:
		return nil
	}

	return errors.Errorf("unsupported tensor element type %s", dt)
}

// checkInputDims verifies a fixed size model input matches the configured
// input size.  Dynamic dimensions are reported as -1 and always match
func checkInputDims(dims ort.Shape, size int) error {

	if len(dims) != 4 {
		return errors.Errorf("model input must be 4 dimensional, got %v", dims)
	}

	if dims[1] > 0 && dims[1] != 3 {
		return errors.Errorf("model input must have 3 channels, got %v", dims)
	}

	for _, d := range dims[2:] {
		if d > 0 && d != int64(size) {
			return errors.Errorf("model input %v was exported for a different image size than %d",
				dims, size)
		}
	}

	return nil
}

// newInputTensor wraps data as a tensor of the model's input element type
func newInputTensor(dt ort.TensorElementDataType, shape ort.Shape,
	data []float32) (ort.Value, error) {

	if dt == ort.TensorElementDataTypeFloat16 {
		return ort.NewCustomDataTensor(shape, float32ToHalfBytes(data), dt)
	}

	return ort.NewTensor(shape, data)
}

// outputData copies the output values to float32
func outputData(v ort.Value, dt ort.TensorElementDataType) ([]float32, error) {

	switch t := v.(type) {
	case *ort.Tensor[float32]:
		src := t.GetData()
		out := make([]float32, len(src))
		copy(out, src)
		return out, nil

	case *ort.CustomDataTensor:
		if dt != ort.TensorElementDataTypeFloat16 {
			return nil, errors.Errorf("unsupported output element type %s", dt)
		}
		return halfBytesToFloat32(t.GetData()), nil
	}

	return nil, errors.Errorf("unsupported output value %T", v)
}

// float32ToHalfBytes encodes values as little endian IEEE 754 half floats
func float32ToHalfBytes(data []float32) []byte {

	buf := make([]byte, len(data)*2)
	putHalf(buf, data)

	return buf
}

func toInts(s ort.Shape) []int {

	out := make([]int, len(s))

	for i, d := range s {
		out[i] = int(d)
	}

	return out
}
