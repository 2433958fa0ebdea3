package render

import (
	"image"
	"image/color"
	"image/draw"
	"os"

	"github.com/pkg/errors"
	"github.com/swdee/go-detect/postprocess"
	"gocv.io/x/gocv"
	"golang.org/x/image/font"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// TTFFontSize is the point size labels are rendered at with a TrueType font
const TTFFontSize = 16

// TTFLabeler renders detection labels with a TrueType font.  It supports
// class names outside the Latin character set that the Hershey fonts cannot
// draw, at the cost of slower rendering
type TTFLabeler struct {
	// face is the parsed font face
	face font.Face
	// font supplies padding and alignment
	font Font
}

// NewTTFLabeler loads the TTF or OTF font file at path
func NewTTFLabeler(path string, f Font) (*TTFLabeler, error) {

	fontBytes, err := os.ReadFile(path)

	if err != nil {
		return nil, errors.Wrap(err, "failed to load font")
	}

	parsed, err := opentype.Parse(fontBytes)

	if err != nil {
		return nil, errors.Wrap(err, "failed to parse font")
	}

	face, err := opentype.NewFace(parsed, &opentype.FaceOptions{
		Size:    TTFFontSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})

	if err != nil {
		return nil, errors.Wrap(err, "failed to create type face")
	}

	return &TTFLabeler{face: face, font: f}, nil
}

// Close releases the font face
func (t *TTFLabeler) Close() error {
	return t.face.Close()
}

// DetectionBoxes draws the detection rectangles with gocv and their labels
// with the TrueType font
func (t *TTFLabeler) DetectionBoxes(img *gocv.Mat, dets []postprocess.Detection,
	classNames []string, lineThickness int) error {

	if len(dets) == 0 {
		return nil
	}

	// text is drawn onto a transparent overlay then blended over the image
	overlay := image.NewRGBA(image.Rect(0, 0, img.Cols(), img.Rows()))
	draw.Draw(overlay, overlay.Bounds(), image.NewUniform(color.RGBA{}), image.Point{}, draw.Src)

	metrics := t.face.Metrics()
	textH := (metrics.Ascent + metrics.Descent).Ceil()

	for _, det := range dets {

		useClr := BGR(ClassColor(det.Class))
		rect := det.Box.Rect()

		gocv.Rectangle(img, rect, useClr, lineThickness)

		text := Label(det, classNames)
		textW := font.MeasureString(t.face, text).Ceil()

		top := rect.Min.Y - textH - t.font.TopPad - t.font.BottomPad

		if top < 0 {
			top = 0
		}

		bg := image.Rect(rect.Min.X, top,
			rect.Min.X+textW+t.font.LeftPad+t.font.RightPad,
			top+textH+t.font.TopPad+t.font.BottomPad)

		gocv.Rectangle(img, bg, useClr, -1)

		dr := &font.Drawer{
			Dst:  overlay,
			Src:  image.NewUniform(t.font.Color),
			Face: t.face,
			Dot: fixed.Point26_6{
				X: fixed.I(bg.Min.X + t.font.LeftPad),
				Y: fixed.I(bg.Min.Y+t.font.TopPad) + metrics.Ascent,
			},
		}
		dr.DrawString(text)
	}

	textMat, err := gocv.NewMatFromBytes(overlay.Bounds().Dy(), overlay.Bounds().Dx(),
		gocv.MatTypeCV8UC4, overlay.Pix)

	if err != nil {
		return errors.Wrap(err, "error creating Mat from RGBA")
	}

	defer textMat.Close()

	gocv.CvtColor(textMat, &textMat, gocv.ColorRGBAToBGR)
	gocv.AddWeighted(*img, 1.0, textMat, 1.0, 0, img)

	return nil
}
