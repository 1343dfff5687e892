// Package annotate renders detections onto a processed image: a
// class-colored rectangle and label strip per detection, plus a fixed
// summary panel in the top-right corner.
package annotate

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/ekaraca/defect-analyzer/pkg/convert"
	"github.com/ekaraca/defect-analyzer/pkg/types"
)

// ErrEncode is returned when the annotated image cannot be encoded.
var ErrEncode = errors.New("annotate: encode failed")

// Panel geometry. Height grows with the number of non-empty classes; width
// stays constant.
const (
	panelWidth   = 250
	panelRowH    = 25
	panelMargin  = 10
	boxStroke    = 2
	labelPadding = 4
)

var defaultColors = []color.NRGBA{
	{255, 0, 0, 255},   // Krater
	{0, 255, 0, 255},   // Tanecik
	{0, 0, 255, 255},   // Pinhol
}

var fallbackColor = color.NRGBA{128, 128, 128, 255}

// Annotator draws detection overlays and writes JPEG output.
type Annotator struct {
	classNames map[int]string
	quality    int
}

// New creates an annotator. classNames drives panel ordering and per-class
// colors; quality is the JPEG output quality.
func New(classNames map[int]string, quality int) *Annotator {
	return &Annotator{classNames: classNames, quality: quality}
}

// ClassColor returns the drawing color for a class id.
func ClassColor(id int) color.NRGBA {
	if id >= 0 && id < len(defaultColors) {
		return defaultColors[id]
	}
	return fallbackColor
}

// Annotate reads the image at imagePath, draws all detections and the
// summary panel, and writes the result to outputPath. Encoding happens fully
// in memory; the output file is written in a single call so the write is
// atomic from the caller's perspective.
func (a *Annotator) Annotate(imagePath string, dets []types.Detection, outputPath string) (string, error) {
	img, err := convert.DecodeFile(imagePath)
	if err != nil {
		return "", err
	}

	canvas := imaging.Clone(img)

	for _, d := range dets {
		c := ClassColor(d.ClassID)
		drawRect(canvas, d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3], c, boxStroke)
		drawLabel(canvas, d, c)
	}

	a.drawSummaryPanel(canvas, dets)

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: a.quality}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := os.WriteFile(outputPath, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return outputPath, nil
}

// SummaryLines builds the panel text: the total count first, then one line
// per class with at least one detection, with its count and mean confidence
// rounded to the nearest percent.
func SummaryLines(classNames map[int]string, dets []types.Detection) []string {
	counts := make(map[string]int)
	confSums := make(map[string]float64)
	for _, d := range dets {
		counts[d.ClassName]++
		confSums[d.ClassName] += d.Confidence
	}

	lines := []string{fmt.Sprintf("Toplam Kusur: %d", len(dets))}

	ids := make([]int, 0, len(classNames))
	for id := range classNames {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		name := classNames[id]
		n := counts[name]
		if n == 0 {
			continue
		}
		mean := confSums[name] / float64(n)
		lines = append(lines, fmt.Sprintf("%s: %d (Ort: %.0f%%)", name, n, math.Round(mean*100)))
	}
	return lines
}

func (a *Annotator) drawSummaryPanel(canvas *image.NRGBA, dets []types.Detection) {
	lines := SummaryLines(a.classNames, dets)

	width := canvas.Bounds().Dx()
	boxH := len(lines)*panelRowH + 20
	x0 := width - panelWidth - panelMargin
	y0 := panelMargin

	fillRect(canvas, x0, y0, x0+panelWidth, y0+boxH, color.NRGBA{0, 0, 0, 255})
	drawRect(canvas, x0, y0, x0+panelWidth, y0+boxH, color.NRGBA{255, 255, 255, 255}, boxStroke)

	for i, line := range lines {
		drawText(canvas, x0+panelMargin, y0+panelRowH+(i*panelRowH)-6, line)
	}
}

func drawLabel(canvas *image.NRGBA, d types.Detection, c color.NRGBA) {
	label := fmt.Sprintf("%s: %.2f", d.ClassName, d.Confidence)
	face := basicfont.Face7x13
	textW := face.Advance * len(label)
	textH := face.Height

	x1, y1 := d.BBox[0], d.BBox[1]
	top := y1 - textH - labelPadding*2
	if top < 0 {
		top = 0
	}
	fillRect(canvas, x1, top, x1+textW+labelPadding*2, y1, c)
	drawText(canvas, x1+labelPadding, y1-labelPadding-1, label)
}

// drawText renders a line of white text with its baseline at (x, y).
func drawText(canvas *image.NRGBA, x, y int, text string) {
	d := font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 255}),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// drawRect strokes a rectangle outline, stroke pixels thick, growing inward.
func drawRect(canvas *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA, stroke int) {
	for s := 0; s < stroke; s++ {
		drawHLine(canvas, y0+s, x0, x1, c)
		drawHLine(canvas, y1-1-s, x0, x1, c)
		drawVLine(canvas, x0+s, y0, y1, c)
		drawVLine(canvas, x1-1-s, y0, y1, c)
	}
}

func fillRect(canvas *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	for y := y0; y < y1; y++ {
		drawHLine(canvas, y, x0, x1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	if x0 > x1 {
		x0, x1 = x1, x0
	}
	if x1 <= 0 || x0 >= img.Bounds().Dx() {
		return
	}
	if x0 < 0 {
		x0 = 0
	}
	if x1 > img.Bounds().Dx() {
		x1 = img.Bounds().Dx()
	}
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	if y0 > y1 {
		y0, y1 = y1, y0
	}
	if y1 <= 0 || y0 >= img.Bounds().Dy() {
		return
	}
	if y0 < 0 {
		y0 = 0
	}
	if y1 > img.Bounds().Dy() {
		y1 = img.Bounds().Dy()
	}
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
}
