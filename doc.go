/*
go-detect runs YOLO style object detection models over images, video files
and live streams using one of several interchangeable inference runtimes.

A model is loaded once with LoadModel, which selects the runtime from the
model file extension:

	.onnx    native graph executed by ONNX Runtime
	.pb      frozen TensorFlow graph
	.tflite  TensorFlow Lite interpreter
	<dir>    TensorFlow SavedModel

Every runtime takes an NCHW float32 tensor and returns a RawPrediction shaped
[batch, anchors, 5+classes], so the postprocess, render and sink packages
behave identically regardless of which runtime produced the prediction.

Runtimes register themselves from their own packages under backend/, import
the ones you need for side effects:

	import _ "github.com/swdee/go-detect/backend/onnx"

See cmd/detect for a complete command line program.
*/
package detect
