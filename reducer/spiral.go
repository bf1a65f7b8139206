package reducer

import "math"

// goldenAngle is the golden-ratio increment, in radians, that spreads
// successive points evenly around the sphere.
var goldenAngle = math.Pi * (3 - math.Sqrt(5))

// SpiralCoordinates generates n deterministic placeholder coordinates on a
// golden-ratio spiral over a sphere, sized to the batch. Used when the
// dimension-reduction service is unreachable so the cosmos never stalls:
// the points are evenly spread, finite, and stable for a given n.
func SpiralCoordinates(n int) []Coordinate {
	if n <= 0 {
		return nil
	}

	// Radius grows with population so dense graphs do not collapse into
	// a tight ball.
	radius := 10 * math.Cbrt(float64(n))

	coords := make([]Coordinate, n)
	for i := 0; i < n; i++ {
		// y runs from 1 to -1; r is the ring radius at that height.
		y := 1 - 2*float64(i)/math.Max(float64(n-1), 1)
		r := math.Sqrt(math.Max(0, 1-y*y))
		theta := goldenAngle * float64(i)

		coords[i] = Coordinate{
			radius * r * math.Cos(theta),
			radius * y,
			radius * r * math.Sin(theta),
		}
	}
	return coords
}
