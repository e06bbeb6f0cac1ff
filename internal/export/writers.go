package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/segforge/segcore/internal/domain"
)

var metricsHeader = []string{"imageId", "polygonIndex", "area", "perimeter", "circularity", "feretMin", "feretMax", "equivalentDiameter"}

func metricsRow(m domain.PolygonMetrics) []string {
	return []string{
		m.ImageID,
		strconv.Itoa(m.PolygonIndex),
		strconv.FormatFloat(m.Area, 'f', 4, 64),
		strconv.FormatFloat(m.Perimeter, 'f', 4, 64),
		strconv.FormatFloat(m.Circularity, 'f', 4, 64),
		strconv.FormatFloat(m.FeretMin, 'f', 4, 64),
		strconv.FormatFloat(m.FeretMax, 'f', 4, 64),
		strconv.FormatFloat(m.EquivalentDiameter, 'f', 4, 64),
	}
}

// writeExcelMetrics writes one "Metrics" sheet via excelize, one row per
// polygon (spec.md §4.3 metrics phase, xlsx output).
func writeExcelMetrics(path string, metrics []domain.PolygonMetrics) error {
	f := excelize.NewFile()
	defer f.Close()
	const sheet = "Metrics"
	f.SetSheetName(f.GetSheetName(0), sheet)
	for col, h := range metricsHeader {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}
	for row, m := range metrics {
		vals := []interface{}{m.ImageID, m.PolygonIndex, m.Area, m.Perimeter, m.Circularity, m.FeretMin, m.FeretMax, m.EquivalentDiameter}
		for col, v := range vals {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			_ = f.SetCellValue(sheet, cell, v)
		}
	}
	return f.SaveAs(path)
}

func writeCSVMetrics(path string, metrics []domain.PolygonMetrics) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(metricsHeader); err != nil {
		return err
	}
	for _, m := range metrics {
		if err := w.Write(metricsRow(m)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSONMetrics(path string, metrics []domain.PolygonMetrics) error {
	return writeJSONFile(path, metrics)
}

func writeJSONFile(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- annotation formats ---

type cocoImage struct {
	ID       int    `json:"id"`
	FileName string `json:"file_name"`
}

type cocoCategory struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type cocoAnnotation struct {
	ID          int         `json:"id"`
	ImageID     int         `json:"image_id"`
	CategoryID  int         `json:"category_id"`
	Segmentation [][]float64 `json:"segmentation"`
	BBox        [4]float64  `json:"bbox"`
	Area        float64     `json:"area"`
	IsCrowd     int         `json:"iscrowd"`
}

type cocoDocument struct {
	Images      []cocoImage      `json:"images"`
	Annotations []cocoAnnotation `json:"annotations"`
	Categories  []cocoCategory   `json:"categories"`
}

// writeCOCOAnnotations writes a single COCO-format document covering every
// segmented image, external rings only — holes (internal rings) are not a
// COCO concept and are intentionally dropped from this format, unlike the
// native JSON dump which keeps them.
func writeCOCOAnnotations(path string, images []domain.Image, segs map[string]domain.Segmentation) error {
	doc := cocoDocument{Categories: []cocoCategory{{ID: 1, Name: "object"}}}
	annID := 1
	for imgIdx, img := range images {
		imgID := imgIdx + 1
		doc.Images = append(doc.Images, cocoImage{ID: imgID, FileName: img.ID})
		seg := segs[img.ID]
		for _, poly := range seg.Polygons {
			if poly.Internal {
				continue
			}
			flat := make([]float64, 0, len(poly.Points)*2)
			minX, minY := math.Inf(1), math.Inf(1)
			maxX, maxY := math.Inf(-1), math.Inf(-1)
			for _, pt := range poly.Points {
				flat = append(flat, pt.X, pt.Y)
				minX, maxX = minF(minX, pt.X), maxF(maxX, pt.X)
				minY, maxY = minF(minY, pt.Y), maxF(maxY, pt.Y)
			}
			doc.Annotations = append(doc.Annotations, cocoAnnotation{
				ID:           annID,
				ImageID:      imgID,
				CategoryID:   1,
				Segmentation: [][]float64{flat},
				BBox:         [4]float64{minX, minY, maxX - minX, maxY - minY},
				Area:         math.Abs(shoelaceArea(poly.Points)),
			})
			annID++
		}
	}
	return writeJSONFile(path, doc)
}

// writeYOLOAnnotations writes one "<imageID>.txt" per image with one
// "class cx cy w h" line per external ring: the centre and size of the
// ring's bounding box in original-image pixel units (spec.md §4.3, YOLO
// format). The values are not normalized to [0,1], and the polygon vertices
// themselves are not written.
func writeYOLOAnnotations(dir string, images []domain.Image, segs map[string]domain.Segmentation) error {
	for _, img := range images {
		seg := segs[img.ID]
		path := dir + "/" + img.ID + ".txt"
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		for _, poly := range seg.Polygons {
			if poly.Internal || len(poly.Points) == 0 {
				continue
			}
			minX, minY := math.Inf(1), math.Inf(1)
			maxX, maxY := math.Inf(-1), math.Inf(-1)
			for _, pt := range poly.Points {
				minX, maxX = minF(minX, pt.X), maxF(maxX, pt.X)
				minY, maxY = minF(minY, pt.Y), maxF(maxY, pt.Y)
			}
			w := maxX - minX
			h := maxY - minY
			cx := minX + w/2
			cy := minY + h/2
			// The source image's pixel dimensions are not available here,
			// so cx, cy, w and h are written in absolute pixel units.
			fmt.Fprintf(f, "0 %.6f %.6f %.6f %.6f\n", cx, cy, w, h)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONAnnotations(path string, images []domain.Image, segs map[string]domain.Segmentation) error {
	type imgPolygons struct {
		ImageID  string          `json:"imageId"`
		Polygons []domain.Polygon `json:"polygons"`
	}
	out := make([]imgPolygons, 0, len(images))
	for _, img := range images {
		out = append(out, imgPolygons{ImageID: img.ID, Polygons: segs[img.ID].Polygons})
	}
	return writeJSONFile(path, out)
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
