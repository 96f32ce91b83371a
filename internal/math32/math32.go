// Package math32 provides scalar float32 kernels used by the distance package.
package math32

import "math"

// Dot returns the dot product of a and b.
// Assumes len(a) == len(b) (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	// Unrolled by 4 to help the compiler vectorize.
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		sum += a[i]*b[i] + a[i+1]*b[i+1] + a[i+2]*b[i+2] + a[i+3]*b[i+3]
	}
	for i := n; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 returns the squared Euclidean distance between a and b.
// Assumes len(a) == len(b) (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	n := len(a) &^ 3
	for i := 0; i < n; i += 4 {
		d0 := a[i] - b[i]
		d1 := a[i+1] - b[i+1]
		d2 := a[i+2] - b[i+2]
		d3 := a[i+3] - b[i+3]
		sum += d0*d0 + d1*d1 + d2*d2 + d3*d3
	}
	for i := n; i < len(a); i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Sqrt returns the square root of x.
func Sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

// ScaleInPlace multiplies every element of v by s.
func ScaleInPlace(v []float32, s float32) {
	for i := range v {
		v[i] *= s
	}
}
