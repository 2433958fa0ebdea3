// Command detect runs a YOLOv5 detection model over images, videos or live
// streams and writes label files, annotated media and an optional live view.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/swdee/go-detect/config"
	"github.com/urfave/cli/v2"

	// backends register themselves with the detect package
	_ "github.com/swdee/go-detect/backend/onnx"
	_ "github.com/swdee/go-detect/backend/opencv"
	_ "github.com/swdee/go-detect/backend/tensorflow"
	_ "github.com/swdee/go-detect/backend/tflite"
)

const (
	flagConfig      = "config"
	flagWeights     = "weights"
	flagSource      = "source"
	flagImgSize     = "img-size"
	flagConfThres   = "conf-thres"
	flagIOUThres    = "iou-thres"
	flagDevice      = "device"
	flagViewImg     = "view-img"
	flagSaveTxt     = "save-txt"
	flagSaveConf    = "save-conf"
	flagSaveDir     = "save-dir"
	flagClasses     = "classes"
	flagAgnostic    = "agnostic-nms"
	flagAugment     = "augment"
	flagMultiLabel  = "multi-label"
	flagMaxDet      = "max-det"
	flagBackend     = "backend"
	flagLabels      = "labels"
	flagFont        = "font"
	flagThreads     = "threads"
	flagOrtLib      = "onnxruntime-lib"
	flagNormalized  = "normalized-boxes"
	flagMetricsAddr = "metrics-addr"
	flagStreamAddr  = "stream-addr"
	flagLogFile     = "log-file"
	flagDebug       = "debug"
)

// init locks the main goroutine to the main OS thread, the frame loop and
// its live view window run on it and CPU pinning applies to it
func init() {
	runtime.LockOSThread()
}

func main() {

	app := newApp(run)

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "detect:", err)
		os.Exit(1)
	}
}

// newApp builds the command line app running action
func newApp(action cli.ActionFunc) *cli.App {

	def := config.Default()

	return &cli.App{
		Name:  "detect",
		Usage: "run YOLOv5 object detection on images, videos and streams",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagConfig,
				Usage: "YAML config file, flags override its values",
			},
			&cli.StringFlag{
				Name:  flagWeights,
				Value: def.Weights,
				Usage: "model file (.onnx, .pb, .tflite) or SavedModel directory",
			},
			&cli.StringFlag{
				Name:  flagSource,
				Value: def.Source,
				Usage: "file, directory, glob, webcam index, stream URL or .txt list of streams",
			},
			&cli.IntFlag{
				Name:  flagImgSize,
				Value: def.ImgSize,
				Usage: "inference size in pixels",
			},
			&cli.Float64Flag{
				Name:  flagConfThres,
				Value: float64(def.ConfThres),
				Usage: "object confidence threshold",
			},
			&cli.Float64Flag{
				Name:  flagIOUThres,
				Value: float64(def.IOUThres),
				Usage: "IOU threshold for NMS",
			},
			&cli.StringFlag{
				Name:  flagDevice,
				Value: def.Device,
				Usage: "cpu or a cpu core list to pin to, eg: cpu:4-7",
			},
			&cli.BoolFlag{
				Name:  flagViewImg,
				Usage: "display results",
			},
			&cli.BoolFlag{
				Name:  flagSaveTxt,
				Usage: "save results to *.txt",
			},
			&cli.BoolFlag{
				Name:  flagSaveConf,
				Usage: "save confidences in --save-txt labels",
			},
			&cli.StringFlag{
				Name:  flagSaveDir,
				Value: def.SaveDir,
				Usage: "directory to save results to, it is emptied on start",
			},
			&cli.IntSliceFlag{
				Name:  flagClasses,
				Usage: "filter by class, eg: --classes 0 --classes 2",
			},
			&cli.BoolFlag{
				Name:  flagAgnostic,
				Usage: "class-agnostic NMS",
			},
			&cli.BoolFlag{
				Name:  flagAugment,
				Usage: "augmented inference",
			},
			&cli.BoolFlag{
				Name:  flagMultiLabel,
				Usage: "keep every class above the threshold per box",
			},
			&cli.IntFlag{
				Name:  flagMaxDet,
				Value: def.MaxDet,
				Usage: "maximum detections per image",
			},
			&cli.StringFlag{
				Name:  flagBackend,
				Usage: "force a backend: native-graph, frozen-graph, saved-model, mobile-interpreter, reference",
			},
			&cli.StringFlag{
				Name:  flagLabels,
				Usage: "text file of class names, one per line, defaults to COCO",
			},
			&cli.StringFlag{
				Name:  flagFont,
				Usage: "TTF font file for box labels",
			},
			&cli.IntFlag{
				Name:  flagThreads,
				Usage: "runtime threads, zero lets the runtime decide",
			},
			&cli.StringFlag{
				Name:    flagOrtLib,
				Usage:   "path to the onnxruntime shared library",
				EnvVars: []string{"ONNXRUNTIME_LIB"},
			},
			&cli.BoolFlag{
				Name:  flagNormalized,
				Usage: "model emits boxes in [0,1] instead of input pixels",
			},
			&cli.StringFlag{
				Name:  flagMetricsAddr,
				Usage: "serve Prometheus metrics on this address, eg: :9090",
			},
			&cli.StringFlag{
				Name:  flagStreamAddr,
				Usage: "serve annotated frames as MJPEG at /stream on this address",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write JSON logs to this rotated file",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "debug level console logging",
			},
		},
		Action: action,
	}
}

// loadConfig reads the config file if one is given and applies the flags set
// on the command line over it
func loadConfig(c *cli.Context) (*config.Config, error) {

	cfg := config.Default()

	if path := c.String(flagConfig); path != "" {
		var err error

		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}

	applyFlags(c, cfg)

	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {

	if c.IsSet(flagWeights) {
		cfg.Weights = c.String(flagWeights)
	}
	if c.IsSet(flagSource) {
		cfg.Source = c.String(flagSource)
	}
	if c.IsSet(flagImgSize) {
		cfg.ImgSize = c.Int(flagImgSize)
	}
	if c.IsSet(flagConfThres) {
		cfg.ConfThres = float32(c.Float64(flagConfThres))
	}
	if c.IsSet(flagIOUThres) {
		cfg.IOUThres = float32(c.Float64(flagIOUThres))
	}
	if c.IsSet(flagDevice) {
		cfg.Device = c.String(flagDevice)
	}
	if c.IsSet(flagViewImg) {
		cfg.ViewImg = c.Bool(flagViewImg)
	}
	if c.IsSet(flagSaveTxt) {
		cfg.SaveTxt = c.Bool(flagSaveTxt)
	}
	if c.IsSet(flagSaveConf) {
		cfg.SaveConf = c.Bool(flagSaveConf)
	}
	if c.IsSet(flagSaveDir) {
		cfg.SaveDir = c.String(flagSaveDir)
	}
	if c.IsSet(flagClasses) {
		cfg.Classes = c.IntSlice(flagClasses)
	}
	if c.IsSet(flagAgnostic) {
		cfg.AgnosticNMS = c.Bool(flagAgnostic)
	}
	if c.IsSet(flagAugment) {
		cfg.Augment = c.Bool(flagAugment)
	}
	if c.IsSet(flagMultiLabel) {
		cfg.MultiLabel = c.Bool(flagMultiLabel)
	}
	if c.IsSet(flagMaxDet) {
		cfg.MaxDet = c.Int(flagMaxDet)
	}
	if c.IsSet(flagBackend) {
		cfg.Backend = c.String(flagBackend)
	}
	if c.IsSet(flagLabels) {
		cfg.Labels = c.String(flagLabels)
	}
	if c.IsSet(flagFont) {
		cfg.Font = c.String(flagFont)
	}
	if c.IsSet(flagThreads) {
		cfg.NumThreads = c.Int(flagThreads)
	}
	if c.IsSet(flagOrtLib) {
		cfg.OnnxRuntimeLib = c.String(flagOrtLib)
	}
	if c.IsSet(flagNormalized) {
		cfg.NormalizedBoxes = c.Bool(flagNormalized)
	}
	if c.IsSet(flagMetricsAddr) {
		cfg.MetricsAddr = c.String(flagMetricsAddr)
	}
	if c.IsSet(flagStreamAddr) {
		cfg.StreamAddr = c.String(flagStreamAddr)
	}
	if c.IsSet(flagLogFile) {
		cfg.Log.File = c.String(flagLogFile)
	}
	if c.Bool(flagDebug) {
		cfg.Log.Level = "debug"
		cfg.Log.Development = true
	}
}
