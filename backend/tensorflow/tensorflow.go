// Package tensorflow executes YOLO models exported as a frozen TensorFlow
// GraphDef or as a SavedModel directory.  Importing the package registers the
// detect.FrozenGraph and detect.SavedModel backends.
package tensorflow

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	tf "github.com/tensorflow/tensorflow/tensorflow/go"
	"go.uber.org/zap"
)

const (
	// FrozenInput is the input tensor name of frozen graph exports
	FrozenInput = "x:0"
	// FrozenOutput is the output tensor name of frozen graph exports
	FrozenOutput = "Identity:0"
	// SignatureKey is the SavedModel signature inference is run through
	SignatureKey = "serving_default"
	// SignatureInput is the input key of the serving signature
	SignatureInput = "input_1"
	// SignatureOutput is the output key of the serving signature
	SignatureOutput = "tf__detect"
)

// DefaultTags are the meta graph tags loaded from a SavedModel
var DefaultTags = []string{"serve"}

func init() {
	detect.Register(detect.FrozenGraph, OpenFrozenGraph)
	detect.Register(detect.SavedModel, OpenSavedModel)
}

// Runtime runs a TensorFlow session.  The graph takes NHWC input so the NCHW
// tensors supplied to Infer are permuted first
type Runtime struct {
	// kind is FrozenGraph or SavedModel
	kind detect.Kind
	// session executes the graph
	session *tf.Session
	// input is the graph input fed each frame
	input tf.Output
	// output is the graph output fetched each frame
	output tf.Output
	// stage holds the host buffers reused between frames
	stage staging
	log   *zap.Logger
}

// OpenFrozenGraph imports the GraphDef protobuf at path
func OpenFrozenGraph(path string, opts detect.Options) (detect.Backend, error) {

	log := logger(opts)

	def, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrap(err, "failed to read graph")
	}

	graph := tf.NewGraph()

	if err := graph.Import(def, ""); err != nil {
		return nil, errors.Wrap(err, "failed to import graph")
	}

	in, err := lookupOutput(graph, nameOr(opts.InputName, FrozenInput))

	if err != nil {
		return nil, errors.Wrap(err, "input")
	}

	out, err := lookupOutput(graph, nameOr(opts.OutputName, FrozenOutput))

	if err != nil {
		return nil, errors.Wrap(err, "output")
	}

	session, err := tf.NewSession(graph, nil)

	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}

	log.Debug("frozen graph imported",
		zap.String("input", in.Op.Name()),
		zap.String("output", out.Op.Name()))

	return &Runtime{
		kind:    detect.FrozenGraph,
		session: session,
		input:   in,
		output:  out,
		log:     log,
	}, nil
}

// OpenSavedModel loads the SavedModel directory at path.  Input and output
// tensors are resolved through the serving signature unless named explicitly
// in opts
func OpenSavedModel(path string, opts detect.Options) (detect.Backend, error) {

	log := logger(opts)

	tags := opts.Tags

	if len(tags) == 0 {
		tags = DefaultTags
	}

	model, err := tf.LoadSavedModel(path, tags, nil)

	if err != nil {
		return nil, errors.Wrap(err, "failed to load saved model")
	}

	inName, outName, err := signatureNames(model.Signatures, opts)

	if err != nil {
		model.Session.Close()
		return nil, err
	}

	in, err := lookupOutput(model.Graph, inName)

	if err != nil {
		model.Session.Close()
		return nil, errors.Wrap(err, "input")
	}

	out, err := lookupOutput(model.Graph, outName)

	if err != nil {
		model.Session.Close()
		return nil, errors.Wrap(err, "output")
	}

	log.Debug("saved model loaded",
		zap.Strings("tags", tags),
		zap.String("input", inName),
		zap.String("output", outName))

	return &Runtime{
		kind:    detect.SavedModel,
		session: model.Session,
		input:   in,
		output:  out,
		log:     log,
	}, nil
}

// Kind returns FrozenGraph or SavedModel
func (r *Runtime) Kind() detect.Kind {
	return r.kind
}

// Infer permutes the input to NHWC and runs the session
func (r *Runtime) Infer(input *detect.Tensor) (*detect.RawPrediction, error) {

	if err := input.ToNHWCInto(&r.stage.nhwc); err != nil {
		return nil, detect.NewBackendError(r.kind, "permute", err)
	}

	feed, err := r.stage.feed()

	if err != nil {
		return nil, detect.NewBackendError(r.kind, "input tensor", err)
	}

	res, err := r.session.Run(
		map[tf.Output]*tf.Tensor{r.input: feed},
		[]tf.Output{r.output},
		nil,
	)

	if err != nil {
		return nil, detect.NewBackendError(r.kind, "run", err)
	}

	if len(res) == 0 || res[0] == nil {
		return nil, detect.NewBackendError(r.kind, "output",
			errors.New("session returned no output tensor"))
	}

	shape, data, err := r.stage.fetch(res[0])

	if err != nil {
		return nil, detect.NewBackendError(r.kind, "output", err)
	}

	pred, err := detect.NewRawPrediction(shape, data)

	if err != nil {
		return nil, detect.NewBackendError(r.kind, "output shape", err)
	}

	return pred, nil
}

// Close closes the session
func (r *Runtime) Close() error {
	return r.session.Close()
}

func logger(opts detect.Options) *zap.Logger {
	if opts.Logger == nil {
		return zap.NewNop()
	}
	return opts.Logger
}

func nameOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

// signatureNames resolves the graph tensor names for the serving signature.
// Explicit names in opts take precedence
func signatureNames(sigs map[string]tf.Signature, opts detect.Options) (string, string, error) {

	if opts.InputName != "" && opts.OutputName != "" {
		return opts.InputName, opts.OutputName, nil
	}

	sig, ok := sigs[SignatureKey]

	if !ok {
		return "", "", errors.Errorf("saved model has no %q signature", SignatureKey)
	}

	inName := opts.InputName

	if inName == "" {
		info, err := signatureTensor(sig.Inputs, SignatureInput)
		if err != nil {
			return "", "", errors.Wrap(err, "signature input")
		}
		inName = info.Name
	}

	outName := opts.OutputName

	if outName == "" {
		info, err := signatureTensor(sig.Outputs, SignatureOutput)
		if err != nil {
			return "", "", errors.Wrap(err, "signature output")
		}
		outName = info.Name
	}

	return inName, outName, nil
}

// signatureTensor returns the tensor under key, or the only tensor of the
// signature when key is missing
func signatureTensor(infos map[string]tf.TensorInfo, key string) (tf.TensorInfo, error) {

	if info, ok := infos[key]; ok {
		return info, nil
	}

	if len(infos) == 1 {
		for _, info := range infos {
			return info, nil
		}
	}

	return tf.TensorInfo{}, errors.Errorf("no tensor %q among %d signature tensors", key, len(infos))
}

// parseTensorName splits a tensor name such as "Identity:0" into its
// operation name and output index
func parseTensorName(name string) (string, int, error) {

	idx := strings.LastIndex(name, ":")

	if idx < 0 {
		return name, 0, nil
	}

	n, err := strconv.Atoi(name[idx+1:])

	if err != nil {
		return "", 0, errors.Errorf("invalid tensor name %q", name)
	}

	return name[:idx], n, nil
}

func lookupOutput(graph *tf.Graph, name string) (tf.Output, error) {

	opName, idx, err := parseTensorName(name)

	if err != nil {
		return tf.Output{}, err
	}

	op := graph.Operation(opName)

	if op == nil {
		return tf.Output{}, errors.Errorf("graph has no operation %q", opName)
	}

	if idx >= op.NumOutputs() {
		return tf.Output{}, errors.Errorf("operation %q has %d outputs, wanted output %d",
			opName, op.NumOutputs(), idx)
	}

	return op.Output(idx), nil
}

// staging holds the host side buffers a frame passes through.  The session
// takes a new tensor per feed, the buffers it is filled from and read into
// are kept
type staging struct {
	// nhwc is the channel last input
	nhwc detect.Tensor
	// dims is the input shape
	dims []int64
	// raw is the little endian encoding of nhwc
	raw []byte
	in  bytes.Reader
	out bytes.Buffer
}

// feed builds the input tensor from nhwc
func (s *staging) feed() (*tf.Tensor, error) {

	s.dims = s.dims[:0]

	for _, d := range s.nhwc.Shape {
		s.dims = append(s.dims, int64(d))
	}

	size := len(s.nhwc.Data) * 4

	if cap(s.raw) < size {
		s.raw = make([]byte, size)
	}

	s.raw = s.raw[:size]

	for i, v := range s.nhwc.Data {
		binary.LittleEndian.PutUint32(s.raw[i*4:], math.Float32bits(v))
	}

	s.in.Reset(s.raw)

	return tf.ReadTensor(tf.Float, s.dims, &s.in)
}

// fetch copies a float tensor's contents and shape
func (s *staging) fetch(t *tf.Tensor) ([]int, []float32, error) {

	if t.DataType() != tf.Float {
		return nil, nil, errors.Errorf("unsupported output data type %v", t.DataType())
	}

	dims := t.Shape()
	shape := make([]int, len(dims))
	n := 1

	for i, d := range dims {
		shape[i] = int(d)
		n *= int(d)
	}

	s.out.Reset()

	if _, err := t.WriteContentsTo(&s.out); err != nil {
		return nil, nil, errors.Wrap(err, "failed to read output tensor")
	}

	raw := s.out.Bytes()

	if len(raw) != n*4 {
		return nil, nil, errors.Errorf("output tensor %v holds %d bytes, expected %d", shape, len(raw), n*4)
	}

	data := make([]float32, n)

	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	return shape, data, nil
}
