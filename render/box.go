package render

import (
	"fmt"
	"image"
	"image/color"

	"github.com/swdee/go-detect/postprocess"
	"gocv.io/x/gocv"
)

// boxLabel defines where a detection label is rendered
type boxLabel struct {
	// rect is the filled background behind the text
	rect image.Rectangle
	// clr is the background color
	clr color.RGBA
	// text is the label content
	text string
	// textPos is the baseline origin of the text
	textPos image.Point
}

// Label returns the text drawn above a detection, the class name and its
// confidence with two decimals
func Label(det postprocess.Detection, classNames []string) string {

	name := fmt.Sprintf("class%d", det.Class)

	if det.Class >= 0 && det.Class < len(classNames) {
		name = classNames[det.Class]
	}

	return fmt.Sprintf("%s %.2f", name, det.Confidence)
}

// DetectionBoxes renders the bounding boxes and labels of the detections onto
// img.  Detections must already be in frame coordinates
func DetectionBoxes(img *gocv.Mat, dets []postprocess.Detection,
	classNames []string, font Font, lineThickness int) {

	labels := layoutLabels(img, dets, classNames, font, lineThickness)

	// draw labels after all boxes so they are the top most layer on the image
	for _, lbl := range labels {
		gocv.Rectangle(img, lbl.rect, lbl.clr, -1)

		gocv.PutTextWithParams(img, lbl.text, lbl.textPos,
			font.Face, font.Scale, font.Color, font.Thickness,
			font.LineType, false)
	}
}

// layoutLabels draws each detection's rectangle and calculates where its label
// goes
func layoutLabels(img *gocv.Mat, dets []postprocess.Detection,
	classNames []string, font Font, lineThickness int) []boxLabel {

	labels := make([]boxLabel, 0, len(dets))

	for _, det := range dets {

		useClr := BGR(ClassColor(det.Class))
		rect := det.Box.Rect()

		gocv.Rectangle(img, rect, useClr, lineThickness)

		text := Label(det, classNames)
		textSize := gocv.GetTextSize(text, font.Face, font.Scale, font.Thickness)

		// calculate the alignment of text label
		var centerX int

		switch font.Alignment {
		case Center:
			centerX = (rect.Min.X + rect.Max.X) / 2

		case Right:
			centerX = rect.Max.X - (textSize.X / 2) - font.RightPad + (lineThickness / 2)

		case Left:
			fallthrough
		default:
			centerX = rect.Min.X + (textSize.X / 2) + font.LeftPad - (lineThickness / 2)
		}

		top := rect.Min.Y

		// keep the label inside the image when the box touches the top edge
		if top-textSize.Y-font.TopPad-font.BottomPad < 0 {
			top = textSize.Y + font.TopPad + font.BottomPad
		}

		labels = append(labels, boxLabel{
			rect: image.Rect(centerX-textSize.X/2-font.LeftPad,
				top-textSize.Y-font.TopPad-font.BottomPad,
				centerX+textSize.X/2+font.RightPad, top),
			clr:     useClr,
			text:    text,
			textPos: image.Pt(centerX-textSize.X/2, top-font.BottomPad),
		})
	}

	return labels
}
