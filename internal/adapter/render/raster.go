package render

import (
	"image"
	"image/color"
	"math"
	"sort"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/segforge/segcore/internal/domain"
)

// drawOverlay fills and strokes every polygon onto img, then draws a
// 1-based number label at each external polygon's centroid when
// opts.ShowNumbers is set.
func (e *Engine) drawOverlay(img *image.RGBA, polygons []domain.Polygon, opts domain.VisualizationOptions) {
	extR, extG, extB := parseHexColor(opts.ExternalColor)
	intR, intG, intB := parseHexColor(opts.InternalColor)
	alpha := opts.Transparency
	if alpha <= 0 {
		alpha = 0.4
	}
	stroke := opts.StrokeWidth
	if stroke <= 0 {
		stroke = 2
	}

	label := 0
	for _, poly := range polygons {
		r, g, b := extR, extG, extB
		if poly.Internal {
			r, g, b = intR, intG, intB
		}
		fillPolygon(img, poly.Points, color.RGBA{R: r, G: g, B: b, A: uint8(alpha * 255)})
		strokePolygon(img, poly.Points, color.RGBA{R: r, G: g, B: b, A: 255}, stroke)

		if opts.ShowNumbers && !poly.Internal {
			label++
			cx, cy := centroid(poly.Points)
			size := opts.FontSize
			if size <= 0 {
				size = 14
			}
			e.drawLabel(img, strconv.Itoa(label), int(cx), int(cy), size)
		}
	}
}

// fillPolygon performs a scanline fill of poly onto img using straight
// alpha blending at c.A/255.
func fillPolygon(img *image.RGBA, points []domain.Point, c color.RGBA) {
	if len(points) < 3 {
		return
	}
	bounds := img.Bounds()
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, p := range points {
		minY = math.Min(minY, p.Y)
		maxY = math.Max(maxY, p.Y)
	}
	startY := int(math.Max(float64(bounds.Min.Y), math.Floor(minY)))
	endY := int(math.Min(float64(bounds.Max.Y-1), math.Ceil(maxY)))

	for y := startY; y <= endY; y++ {
		xs := scanlineIntersections(points, float64(y)+0.5)
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			x0 := int(math.Max(float64(bounds.Min.X), math.Round(xs[i])))
			x1 := int(math.Min(float64(bounds.Max.X-1), math.Round(xs[i+1])))
			for x := x0; x <= x1; x++ {
				blendPixel(img, x, y, c)
			}
		}
	}
}

func scanlineIntersections(points []domain.Point, y float64) []float64 {
	var xs []float64
	n := len(points)
	for i := 0; i < n; i++ {
		p1 := points[i]
		p2 := points[(i+1)%n]
		if (p1.Y <= y && p2.Y > y) || (p2.Y <= y && p1.Y > y) {
			t := (y - p1.Y) / (p2.Y - p1.Y)
			xs = append(xs, p1.X+t*(p2.X-p1.X))
		}
	}
	return xs
}

// strokePolygon draws the polygon's edges at full opacity, width pixels wide.
func strokePolygon(img *image.RGBA, points []domain.Point, c color.RGBA, width int) {
	n := len(points)
	for i := 0; i < n; i++ {
		p1 := points[i]
		p2 := points[(i+1)%n]
		drawLine(img, p1.X, p1.Y, p2.X, p2.Y, c, width)
	}
}

func drawLine(img *image.RGBA, x0, y0, x1, y1 float64, c color.RGBA, width int) {
	dx := x1 - x0
	dy := y1 - y0
	steps := int(math.Max(math.Abs(dx), math.Abs(dy)))
	if steps == 0 {
		steps = 1
	}
	half := width / 2
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := int(math.Round(x0 + dx*t))
		y := int(math.Round(y0 + dy*t))
		for ox := -half; ox <= half; ox++ {
			for oy := -half; oy <= half; oy++ {
				blendPixel(img, x+ox, y+oy, c)
			}
		}
	}
}

func blendPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if !image.Pt(x, y).In(img.Bounds()) {
		return
	}
	if c.A == 255 {
		img.SetRGBA(x, y, c)
		return
	}
	dst := img.RGBAAt(x, y)
	a := float64(c.A) / 255.0
	blend := func(s, d uint8) uint8 {
		return uint8(float64(s)*a + float64(d)*(1-a))
	}
	img.SetRGBA(x, y, color.RGBA{
		R: blend(c.R, dst.R),
		G: blend(c.G, dst.G),
		B: blend(c.B, dst.B),
		A: 255,
	})
}

func centroid(points []domain.Point) (float64, float64) {
	var sx, sy float64
	for _, p := range points {
		sx += p.X
		sy += p.Y
	}
	n := float64(len(points))
	if n == 0 {
		return 0, 0
	}
	return sx / n, sy / n
}

// drawLabel rasterizes text at (x,y), caching each digit glyph mask by
// (digit,size) in the engine's LRU (spec.md §4.6).
func (e *Engine) drawLabel(img *image.RGBA, text string, x, y, size int) {
	cursor := x
	for _, r := range text {
		mask := e.glyphMask(r, size)
		b := mask.Bounds()
		dst := image.Rect(cursor, y-b.Dy()/2, cursor+b.Dx(), y+b.Dy()/2)
		drawMask(img, dst, mask, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		cursor += b.Dx()
	}
}

func (e *Engine) glyphMask(digit rune, size int) *image.Alpha {
	key := glyphKey{digit: digit, size: size}
	if m, ok := e.glyphCache.Get(key); ok {
		return m
	}
	mask := rasterizeGlyph(digit, size)
	e.glyphCache.Add(key, mask)
	return mask
}

func rasterizeGlyph(r rune, size int) *image.Alpha {
	face := basicfont.Face7x13
	scale := size / face.Height
	if scale < 1 {
		scale = 1
	}
	w := face.Width * scale
	h := face.Height * scale
	mask := image.NewAlpha(image.Rect(0, 0, w, h))

	d := font.Drawer{
		Dst:  &alphaOverDrawer{img: mask},
		Src:  image.NewUniform(color.Alpha{A: 255}),
		Face: face,
		Dot:  fixed.P(0, h-3*scale),
	}
	d.DrawString(string(r))
	return mask
}

// alphaOverDrawer adapts *image.Alpha to draw.Image so font.Drawer can
// write glyph coverage directly into the mask.
type alphaOverDrawer struct {
	img *image.Alpha
}

func (a *alphaOverDrawer) ColorModel() color.Model { return a.img.ColorModel() }
func (a *alphaOverDrawer) Bounds() image.Rectangle { return a.img.Bounds() }
func (a *alphaOverDrawer) At(x, y int) color.Color { return a.img.At(x, y) }
func (a *alphaOverDrawer) Set(x, y int, c color.Color) {
	_, _, _, alpha := c.RGBA()
	if alpha > 0 {
		a.img.SetAlpha(x, y, color.Alpha{A: uint8(alpha >> 8)})
	}
}

func drawMask(dst *image.RGBA, r image.Rectangle, mask *image.Alpha, c color.RGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			mx, my := x-r.Min.X, y-r.Min.Y
			a := mask.AlphaAt(mx, my).A
			if a == 0 {
				continue
			}
			blendPixel(dst, x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: a})
		}
	}
}
