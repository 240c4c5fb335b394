package compose

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/andresmejia3/veil/internal/landmarks"
)

// MinAffineDeterminant rejects transforms whose anchor triangles are (near)
// collinear; warping through one would explode numerically.
const MinAffineDeterminant = 1e-6

// affine is a 2-D affine map: x' = a*x + b*y + c, y' = d*x + e*y + f.
type affine struct {
	a, b, c float64
	d, e, f float64
}

// solveAffine computes the exact affine transform sending the source anchor
// triangle onto the destination. It fails when either triangle is (near)
// degenerate.
func solveAffine(src, dst landmarks.Triangle) (affine, bool) {
	lhs := mat.NewDense(3, 3, []float64{
		src.LeftEye.X, src.LeftEye.Y, 1,
		src.RightEye.X, src.RightEye.Y, 1,
		src.Nose.X, src.Nose.Y, 1,
	})
	rhs := mat.NewDense(3, 2, []float64{
		dst.LeftEye.X, dst.LeftEye.Y,
		dst.RightEye.X, dst.RightEye.Y,
		dst.Nose.X, dst.Nose.Y,
	})

	// Collinear source anchors make the system singular.
	if math.Abs(mat.Det(lhs)) < MinAffineDeterminant {
		return affine{}, false
	}

	var x mat.Dense
	if err := x.Solve(lhs, rhs); err != nil {
		return affine{}, false
	}

	t := affine{
		a: x.At(0, 0), b: x.At(1, 0), c: x.At(2, 0),
		d: x.At(0, 1), e: x.At(1, 1), f: x.At(2, 1),
	}
	// A collapsed destination triangle yields a solvable but singular map.
	if math.Abs(t.det()) < MinAffineDeterminant {
		return affine{}, false
	}
	return t, true
}

func (t affine) det() float64 {
	return t.a*t.e - t.b*t.d
}

// invert returns the inverse map for destination-to-source lookups.
func (t affine) invert() (affine, bool) {
	det := t.det()
	if math.Abs(det) < MinAffineDeterminant {
		return affine{}, false
	}
	inv := affine{
		a: t.e / det, b: -t.b / det,
		d: -t.d / det, e: t.a / det,
	}
	inv.c = -(inv.a*t.c + inv.b*t.f)
	inv.f = -(inv.d*t.c + inv.e*t.f)
	return inv, true
}

func (t affine) apply(x, y float64) (float64, float64) {
	return t.a*x + t.b*y + t.c, t.d*x + t.e*y + t.f
}
