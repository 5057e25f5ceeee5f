// Package geometry holds the stateless box and polygon helpers shared by the
// tracker and the zone evaluator.
package geometry

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"anpr-edge/internal/domain/anpr"
)

func Centroid(b anpr.BBox) anpr.Point {
	return anpr.Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Distance is the euclidean distance between two points.
func Distance(a, b anpr.Point) float64 {
	return floats.Distance([]float64{a.X, a.Y}, []float64{b.X, b.Y}, 2)
}

// IoU returns the intersection over union of two boxes, 0 when they do not
// overlap or when either box is degenerate.
func IoU(a, b anpr.BBox) float64 {
	inter := anpr.BBox{
		X1: math.Max(a.X1, b.X1),
		Y1: math.Max(a.Y1, b.Y1),
		X2: math.Min(a.X2, b.X2),
		Y2: math.Min(a.Y2, b.Y2),
	}
	interArea := inter.Area()
	if interArea == 0 {
		return 0
	}
	union := a.Area() + b.Area() - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// PointInPolygon reports whether p lies inside poly using ray casting. Each
// edge is treated as half-open in y, so a ray passing exactly through a vertex
// is counted once.
func PointInPolygon(p anpr.Point, poly anpr.Polygon) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := range poly {
		pi, pj := poly[i], poly[j]
		if (pi.Y > p.Y) != (pj.Y > p.Y) {
			xCross := (pj.X-pi.X)*(p.Y-pi.Y)/(pj.Y-pi.Y) + pi.X
			if p.X < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Clip restricts b to a width x height frame.
func Clip(b anpr.BBox, width, height int) anpr.BBox {
	w, h := float64(width), float64(height)
	return anpr.BBox{
		X1: clamp(b.X1, 0, w),
		Y1: clamp(b.Y1, 0, h),
		X2: clamp(b.X2, 0, w),
		Y2: clamp(b.Y2, 0, h),
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
