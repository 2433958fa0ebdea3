// Package pipeline drives frames from a source through preprocessing,
// inference and suppression to the output sinks.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect"
	"github.com/swdee/go-detect/postprocess"
	"github.com/swdee/go-detect/preprocess"
	"github.com/swdee/go-detect/source"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

// Router receives the detections of each frame, *sink.Multiplexer is the
// implementation used by the detect command
type Router interface {
	// Route outputs the frame and its detections, returning
	// detect.ErrCancelledByUser to stop the run
	Route(frame *source.Frame, dets []postprocess.Detection) error
	// Close flushes outputs at the end of the run
	Close() error
}

// Options configure a Controller
type Options struct {
	// RunID identifies the run in logs
	RunID string
	// Metrics are updated per frame when set
	Metrics *Metrics
	Logger  *zap.Logger
}

// Controller runs the frame loop.  It processes one frame at a time and
// routes a frame's detections before fetching the next one
type Controller struct {
	runID   string
	metrics *Metrics
	log     *zap.Logger
	// resizers are cached per source input index
	resizers map[int]*preprocess.Resizer
}

// Summary describes a finished run
type Summary struct {
	// RunID identifies the run
	RunID string
	// FramesProcessed counts frames routed to the sinks
	FramesProcessed int
	// FramesFailed counts frames skipped after an error
	FramesFailed int
	// Detections is the total number of detections routed
	Detections int
	// Cancelled is set when the run was stopped before the source ended
	Cancelled bool
	// TotalTime is the wall time of the run
	TotalTime time.Duration
	// MeanInference is the mean per frame inference and suppression time
	MeanInference time.Duration
	// StdInference is the standard deviation of the inference time
	StdInference time.Duration
}

// NewController returns a Controller
func NewController(opts Options) *Controller {

	log := opts.Logger

	if log == nil {
		log = zap.NewNop()
	}

	if opts.RunID != "" {
		log = log.With(zap.String("run_id", opts.RunID))
	}

	return &Controller{
		runID:    opts.RunID,
		metrics:  opts.Metrics,
		log:      log,
		resizers: make(map[int]*preprocess.Resizer),
	}
}

// frameError marks a failure that only affects the current frame
type frameError struct {
	stage string
	err   error
}

func (e *frameError) Error() string {
	return fmt.Sprintf("%s: %v", e.stage, e.err)
}

func (e *frameError) Unwrap() error {
	return e.err
}

// Run processes every frame of src until it is exhausted, the context is
// cancelled or the router requests a stop.  Frame level failures are logged
// and skipped.  The router is always closed before Run returns so video
// output is flushed.  A stop requested by the user returns
// detect.ErrCancelledByUser alongside the summary
func (c *Controller) Run(ctx context.Context, src source.Source, model *detect.ModelHandle,
	p postprocess.NMSParams, router Router) (sum Summary, err error) {

	start := time.Now()
	sum.RunID = c.runID

	var latencies []float64

	defer func() {
		c.closeResizers()

		if cerr := router.Close(); cerr != nil {
			err = multierr.Append(err, errors.Wrap(cerr, "failed to close outputs"))
		}

		sum.TotalTime = time.Since(start)
		sum.MeanInference, sum.StdInference = latencyStats(latencies)
	}()

	meta := model.Metadata()

	for {
		if ctx.Err() != nil {
			sum.Cancelled = true
			return sum, detect.ErrCancelledByUser
		}

		frame, ferr := src.Next()

		if errors.Is(ferr, source.ErrExhausted) {
			return sum, nil
		}

		if ferr != nil {
			sum.FramesFailed++
			c.metrics.failed(StageFetch)
			c.log.Warn("failed to read frame", zap.Error(ferr))
			continue
		}

		dets, elapsed, perr := c.process(frame, model, meta, p)

		if perr != nil {
			frame.Close()

			var fe *frameError
			stage := StageInfer

			if errors.As(perr, &fe) {
				stage = fe.stage
			}

			sum.FramesFailed++
			c.metrics.failed(stage)
			c.log.Warn("frame skipped",
				zap.String("source", frame.Path),
				zap.Int("frame", frame.FrameIndex),
				zap.String("stage", stage),
				zap.Error(perr))
			continue
		}

		latencies = append(latencies, elapsed.Seconds())
		c.metrics.inference(elapsed.Seconds())

		c.log.Info(summaryLine(frame, meta, dets, elapsed),
			zap.String("source", frame.Path),
			zap.Int("frame", frame.FrameIndex),
			zap.Int("detections", len(dets)),
			zap.Duration("inference", elapsed))

		rerr := router.Route(frame, dets)
		frame.Close()

		if errors.Is(rerr, detect.ErrCancelledByUser) {
			sum.FramesProcessed++
			sum.Detections += len(dets)
			c.metrics.processed()
			sum.Cancelled = true
			c.log.Info("stopped from live view")
			return sum, detect.ErrCancelledByUser
		}

		if rerr != nil {
			sum.FramesFailed++
			c.metrics.failed(StageRoute)
			c.log.Warn("failed to route frame", zap.String("source", frame.Path), zap.Error(rerr))
			continue
		}

		sum.FramesProcessed++
		sum.Detections += len(dets)
		c.metrics.processed()

		for class, n := range postprocess.CountByClass(dets) {
			c.metrics.detected(className(meta.Names, class), n)
		}
	}
}

// process takes a frame through preprocess, inference and suppression and
// returns the detections in frame coordinates
func (c *Controller) process(frame *source.Frame, model *detect.ModelHandle,
	meta detect.Metadata, p postprocess.NMSParams) ([]postprocess.Detection, time.Duration, error) {

	resizer, err := c.resizer(frame, meta.InputSize)

	if err != nil {
		return nil, 0, &frameError{stage: StagePreprocess, err: err}
	}

	input, err := preprocess.Frame(resizer, frame.Image)

	if err != nil {
		return nil, 0, &frameError{stage: StagePreprocess, err: err}
	}

	t1 := time.Now()

	pred, err := model.Infer(input)

	if err != nil {
		return nil, 0, &frameError{stage: StageInfer, err: err}
	}

	dets := postprocess.Suppress(pred, p)[0]

	elapsed := time.Since(t1)

	size := image.Pt(frame.Image.Cols(), frame.Image.Rows())
	dets = postprocess.ScaleBoxesWith(dets, resizer.Letterbox())
	dets = postprocess.ClipAndRound(dets, size)

	return dets, elapsed, nil
}

// resizer returns the letterbox resizer for the frame's input.  Still images
// and videos get a new resizer whenever the frame size changes, a stream keeps
// the geometry it started with
func (c *Controller) resizer(frame *source.Frame, size int) (*preprocess.Resizer, error) {

	w, h := frame.Image.Cols(), frame.Image.Rows()

	if w == 0 || h == 0 {
		return nil, errors.New("empty frame")
	}

	r, ok := c.resizers[frame.Index]

	if ok && r.Matches(w, h) {
		return r, nil
	}

	if ok && frame.Mode == source.ModeStream {
		return nil, errors.Errorf("stream %d changed size from %dx%d to %dx%d",
			frame.Index, r.SrcWidth(), r.SrcHeight(), w, h)
	}

	if ok {
		r.Close()
		delete(c.resizers, frame.Index)
	}

	// still images are read once, only keep one resizer for them
	if frame.Mode == source.ModeImage {
		c.closeResizers()
	}

	r = preprocess.NewResizer(w, h, size, size)
	c.resizers[frame.Index] = r

	return r, nil
}

func (c *Controller) closeResizers() {
	for idx, r := range c.resizers {
		r.Close()
		delete(c.resizers, idx)
	}
}

// summaryLine formats the per frame log message, eg:
// "640x640 2 persons, 1 bus, Done. (0.031s)".  Stream frames are prefixed
// with their stream index, eg: "1: 640x640 Done. (0.031s)"
func summaryLine(frame *source.Frame, meta detect.Metadata, dets []postprocess.Detection,
	elapsed time.Duration) string {

	var sb strings.Builder

	if frame.Mode == source.ModeStream {
		fmt.Fprintf(&sb, "%d: ", frame.Index)
	}

	fmt.Fprintf(&sb, "%dx%d ", meta.InputSize, meta.InputSize)

	counts := postprocess.CountByClass(dets)
	classes := make([]int, 0, len(counts))

	for class := range counts {
		classes = append(classes, class)
	}

	sort.Ints(classes)

	for _, class := range classes {
		fmt.Fprintf(&sb, "%d %ss, ", counts[class], className(meta.Names, class))
	}

	fmt.Fprintf(&sb, "Done. (%.3fs)", elapsed.Seconds())

	return sb.String()
}

func className(names []string, class int) string {

	if class >= 0 && class < len(names) {
		return names[class]
	}

	return fmt.Sprintf("class%d", class)
}

// latencyStats returns the mean and standard deviation of the latencies in
// seconds
func latencyStats(latencies []float64) (time.Duration, time.Duration) {

	if len(latencies) == 0 {
		return 0, 0
	}

	if len(latencies) == 1 {
		return seconds(latencies[0]), 0
	}

	mean, std := stat.MeanStdDev(latencies, nil)

	return seconds(mean), seconds(std)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
