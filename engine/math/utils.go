package math

import (
	"github.com/chewxy/math32"
	"golang.org/x/exp/constraints"
)

const (
	K_PI            float32 = 3.14159265358979323846
	K_DEG2RAD       float32 = K_PI / 180.0
	K_FLOAT_EPSILON float32 = 1.192092896e-07
)

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// AlignUp rounds v up to the next multiple of alignment, which must be a power of two.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	return (v + alignment - 1) &^ (alignment - 1)
}

func DegToRad(degrees float32) float32 {
	return degrees * K_DEG2RAD
}

func RadToDeg(radians float32) float32 {
	return radians / K_DEG2RAD
}

// SnapDown floors v to a multiple of step. A non-positive step returns v.
func SnapDown(v, step float32) float32 {
	if step <= 0 {
		return v
	}
	return math32.Floor(v/step) * step
}
