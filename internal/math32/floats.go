// Package math32 provides float32 vector kernels used by the host-side
// clustering code. This is an internal package.
package math32

// Dot calculates the dot product of two vectors.
func Dot(a, b []float32) float32 {
	var ret float32
	for i := range a {
		ret += a[i] * b[i]
	}

	return ret
}

// SquaredL2 calculates the squared L2 distance.
func SquaredL2(a, b []float32) float32 {
	var distance float32
	for i := range a {
		distance += (a[i] - b[i]) * (a[i] - b[i])
	}

	return distance
}

// ScaleInPlace multiplies all elements of a by scalar.
func ScaleInPlace(a []float32, scalar float32) {
	for i := range a {
		a[i] *= scalar
	}
}

// Sum accumulates a in float64 to keep long reductions stable.
func Sum(a []float32) float64 {
	var ret float64
	for _, v := range a {
		ret += float64(v)
	}

	return ret
}

// PrefixSum accumulates a[:n] in float64. n is clamped to len(a).
func PrefixSum(a []float32, n int) float64 {
	if n > len(a) {
		n = len(a)
	}

	var ret float64
	for _, v := range a[:n] {
		ret += float64(v)
	}

	return ret
}
