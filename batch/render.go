package batch

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"

	"github.com/paulmach/orb"
	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kwv/batchfit/fit"
)

// pathRenderer is implemented by both the svg and rasterizer renderers.
type pathRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

var (
	groupBarColor = color.RGBA{R: 70, G: 130, B: 180, A: 255}
	totalBarColor = color.RGBA{R: 220, G: 90, B: 60, A: 255}
	palette       = []color.RGBA{
		{R: 31, G: 119, B: 180, A: 255},
		{R: 255, G: 127, B: 14, A: 255},
		{R: 44, G: 160, B: 44, A: 255},
		{R: 214, G: 39, B: 40, A: 255},
		{R: 148, G: 103, B: 189, A: 255},
		{R: 140, G: 86, B: 75, A: 255},
	}
)

// RMSChart draws one report as a bar chart: one bar per group, then the
// total. Dimensions are in millimetres.
type RMSChart struct {
	Title      string
	Report     fit.Report
	BarWidth   float64
	BarGap     float64
	PlotHeight float64
	Padding    float64
	LabelSpace float64
	Resolution canvas.Resolution // PNG only
}

// NewRMSChart returns a chart with default layout.
func NewRMSChart(title string, report fit.Report) *RMSChart {
	return &RMSChart{
		Title:      title,
		Report:     report,
		BarWidth:   12,
		BarGap:     6,
		PlotHeight: 60,
		Padding:    8,
		LabelSpace: 10,
		Resolution: canvas.DPI(96),
	}
}

type bar struct {
	label string
	value float64
	color color.RGBA
}

func (c *RMSChart) bars() []bar {
	var bars []bar
	for _, g := range c.Report.GroupNames() {
		bars = append(bars, bar{label: g, value: c.Report.Groups[g], color: groupBarColor})
	}
	return append(bars, bar{label: fit.TotalKey, value: c.Report.TotalRMS, color: totalBarColor})
}

func (c *RMSChart) size() (width, height float64) {
	n := float64(len(c.bars()))
	width = 2*c.Padding + n*c.BarWidth + (n-1)*c.BarGap
	height = 2*c.Padding + c.PlotHeight + c.LabelSpace
	return width, height
}

// RenderSVG writes the chart as SVG.
func (c *RMSChart) RenderSVG(w io.Writer) error {
	width, height := c.size()
	r := svg.New(w, width, height, nil)
	c.draw(r, width, height)
	return r.Close()
}

// RenderPNG writes the chart as PNG with group labels under the bars.
func (c *RMSChart) RenderPNG(w io.Writer) error {
	width, height := c.size()
	rast := rasterizer.New(width, height, c.Resolution, canvas.DefaultColorSpace)
	c.draw(rast, width, height)
	c.drawLabels(rast)
	return png.Encode(w, rast)
}

func (c *RMSChart) draw(r pathRenderer, width, height float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	r.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	bars := c.bars()
	peak := 0.0
	for _, b := range bars {
		peak = math.Max(peak, b.value)
	}
	baseline := c.Padding + c.LabelSpace

	axis := canvas.DefaultStyle
	axis.Fill = canvas.Paint{Color: canvas.Transparent}
	axis.Stroke = canvas.Paint{Color: canvas.Gray}
	axis.StrokeWidth = 0.3
	line := &canvas.Path{}
	line.MoveTo(c.Padding/2, baseline)
	line.LineTo(width-c.Padding/2, baseline)
	r.RenderPath(line, axis, canvas.Identity)

	for i, b := range bars {
		h := 0.0
		if peak > 0 {
			h = b.value / peak * c.PlotHeight
		}
		if h <= 0 {
			continue
		}
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: b.color}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		x := c.Padding + float64(i)*(c.BarWidth+c.BarGap)
		r.RenderPath(canvas.Rectangle(c.BarWidth, h).Translate(x, baseline), style, canvas.Identity)
	}
}

func (c *RMSChart) drawLabels(img draw.Image) {
	dpmm := c.Resolution.DPMM()
	bottom := img.Bounds().Max.Y
	slot := (c.BarWidth + c.BarGap) * dpmm
	maxChars := int(slot / 7)
	for i, b := range c.bars() {
		label := b.label
		if runes := []rune(label); maxChars > 0 && len(runes) > maxChars {
			label = string(runes[:maxChars])
		}
		x := int((c.Padding + float64(i)*(c.BarWidth+c.BarGap)) * dpmm)
		y := bottom - int((c.Padding+c.LabelSpace/3)*dpmm)
		drawText(img, x, y, label, color.Black)
	}
	if c.Title != "" {
		drawText(img, int(c.Padding*dpmm), int(c.Padding*dpmm)+13, c.Title, color.Black)
	}
}

func drawText(img draw.Image, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}

// PreviewBounds returns the XY bounds of every coordinate in sets.
func PreviewBounds(sets []*PointSet) (orb.Bound, bool) {
	var mp orb.MultiPoint
	for _, s := range sets {
		for _, p := range s.Coordinates() {
			mp = append(mp, orb.Point{p.X, p.Y})
		}
	}
	if len(mp) == 0 {
		return orb.Bound{}, false
	}
	return mp.Bound(), true
}

// RenderPreview writes an SVG of the XY projection of sets, one colour per
// set, scaled to width millimetres.
func RenderPreview(w io.Writer, sets []*PointSet, width float64) error {
	bound, ok := PreviewBounds(sets)
	if !ok {
		return fmt.Errorf("no coordinates to preview")
	}
	const pad = 5.0
	spanX := bound.Max[0] - bound.Min[0]
	spanY := bound.Max[1] - bound.Min[1]
	extent := math.Max(spanX, spanY)
	if extent == 0 {
		extent = 1
	}
	scale := (width - 2*pad) / extent
	height := spanY*scale + 2*pad

	r := svg.New(w, width, height, nil)
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	r.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	for i, s := range sets {
		style := canvas.DefaultStyle
		style.Fill = canvas.Paint{Color: palette[i%len(palette)]}
		style.Stroke = canvas.Paint{Color: canvas.Transparent}
		for _, p := range s.Coordinates() {
			x := pad + (p.X-bound.Min[0])*scale
			y := pad + (p.Y-bound.Min[1])*scale
			r.RenderPath(canvas.Circle(0.8).Translate(x, y), style, canvas.Identity)
		}
	}
	return r.Close()
}
