// Package render implements domain.RenderEngine: polygon overlay
// compositing and thumbnail generation for segmentation results.
package render

import (
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	xdraw "golang.org/x/image/draw"

	"github.com/segforge/segcore/internal/domain"
)

// glyphKey identifies a cached digit-glyph mask by the digit it renders and
// the font size used to rasterize it (spec.md §4.6).
type glyphKey struct {
	digit rune
	size  int
}

// Engine implements domain.RenderEngine using the standard image packages
// plus golang.org/x/image for high-quality downsampling and font
// rasterization.
type Engine struct {
	glyphCache *lru.Cache[glyphKey, *image.Alpha]
}

// New constructs an Engine with a 100-entry digit-glyph cache.
func New() *Engine {
	cache, err := lru.New[glyphKey, *image.Alpha](100)
	if err != nil {
		// Only fails for a non-positive size, which is a programmer error.
		panic(fmt.Sprintf("render: glyph cache: %v", err))
	}
	return &Engine{glyphCache: cache}
}

// RenderOverlay composites polygons onto the image at sourcePath and writes
// the result to destPath at original resolution.
func (e *Engine) RenderOverlay(ctx domain.Context, sourcePath, destPath string, polygons []domain.Polygon, opts domain.VisualizationOptions) error {
	src, err := loadImage(sourcePath)
	if err != nil {
		return fmt.Errorf("op=render.overlay.load: %w", err)
	}
	out := cloneToRGBA(src)
	e.drawOverlay(out, polygons, opts)
	return saveImage(destPath, out)
}

// RenderThumbnail composites the overlay at original resolution then
// downsamples to maxDim on its longest side using a CatmullRom filter.
func (e *Engine) RenderThumbnail(ctx domain.Context, sourcePath, destPath string, polygons []domain.Polygon, opts domain.VisualizationOptions, maxDim int) error {
	src, err := loadImage(sourcePath)
	if err != nil {
		return fmt.Errorf("op=render.thumbnail.load: %w", err)
	}
	full := cloneToRGBA(src)
	e.drawOverlay(full, polygons, opts)

	thumb := downsample(full, maxDim)
	return saveImage(destPath, thumb)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func cloneToRGBA(src image.Image) *image.RGBA {
	b := src.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, src, b.Min, draw.Src)
	return out
}

func downsample(src *image.RGBA, maxDim int) *image.RGBA {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return src
	}
	scale := float64(maxDim) / float64(w)
	if h > w {
		scale = float64(maxDim) / float64(h)
	}
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	if newW < 1 {
		newW = 1
	}
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, newW, newH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}

func saveImage(path string, img *image.RGBA) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".png":
		return png.Encode(f, img)
	default:
		return jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	}
}

// parseHexColor accepts "#RRGGBB" and returns its components; malformed
// input falls back to opaque black.
func parseHexColor(s string) (r, g, b uint8) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return 0, 0, 0
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0
	}
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}
