package export

import (
	"math"

	"github.com/segforge/segcore/internal/domain"
)

// computePolygonMetrics measures every polygon of an image's segmentation
// via the shoelace formula for area and a simple perimeter sum,
// deriving circularity and an equivalent-diameter figure from those. When
// scale is non-nil, pixel measurements are converted to micrometers.
func computePolygonMetrics(imageID string, polygons []domain.Polygon, scale *float64) []domain.PolygonMetrics {
	out := make([]domain.PolygonMetrics, 0, len(polygons))
	for i, poly := range polygons {
		area := math.Abs(shoelaceArea(poly.Points))
		perimeter := polygonPerimeter(poly.Points)
		feretMin, feretMax := feretDiameters(poly.Points)

		unit := 1.0
		if scale != nil && *scale > 0 {
			unit = *scale
		}
		area *= unit * unit
		perimeter *= unit
		feretMin *= unit
		feretMax *= unit

		var circularity float64
		if perimeter > 0 {
			circularity = 4 * math.Pi * area / (perimeter * perimeter)
		}
		equivDiameter := 2 * math.Sqrt(area/math.Pi)

		out = append(out, domain.PolygonMetrics{
			ImageID:            imageID,
			PolygonIndex:       i,
			Area:               area,
			Perimeter:          perimeter,
			Circularity:        circularity,
			FeretMin:           feretMin,
			FeretMax:           feretMax,
			EquivalentDiameter: equivDiameter,
		})
	}
	return out
}

// shoelaceArea computes the signed polygon area via the shoelace formula.
func shoelaceArea(pts []domain.Point) float64 {
	n := len(pts)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += pts[i].X*pts[j].Y - pts[j].X*pts[i].Y
	}
	return sum / 2
}

func polygonPerimeter(pts []domain.Point) float64 {
	n := len(pts)
	if n < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		dx := pts[j].X - pts[i].X
		dy := pts[j].Y - pts[i].Y
		sum += math.Hypot(dx, dy)
	}
	return sum
}

// feretDiameters returns the minimum and maximum caliper distance between
// any two points on the polygon's boundary — an O(n^2) brute force, fine
// for the polygon sizes segmentation masks produce.
func feretDiameters(pts []domain.Point) (min, max float64) {
	if len(pts) < 2 {
		return 0, 0
	}
	min = math.MaxFloat64
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			d := math.Hypot(pts[j].X-pts[i].X, pts[j].Y-pts[i].Y)
			if d > max {
				max = d
			}
			if d < min {
				min = d
			}
		}
	}
	if min == math.MaxFloat64 {
		min = 0
	}
	return min, max
}
