package math

import "github.com/chewxy/math32"

/**
 * @brief A half-space: points p with Normal.Dot(p) + Distance >= 0 are inside.
 */
type Plane struct {
	Normal   Vec3
	Distance float32
}

func NewPlaneFromVec4(v Vec4) Plane {
	return Plane{Normal: Vec3{v.X, v.Y, v.Z}, Distance: v.W}
}

func (p Plane) SignedDistance(point Vec3) float32 {
	return p.Normal.Dot(point) + p.Distance
}

// Normalized scales normal and distance by the inverse normal length.
func (p Plane) Normalized() Plane {
	l := p.Normal.Length()
	if l == 0 {
		return p
	}
	inv := 1 / l
	return Plane{Normal: p.Normal.MulScalar(inv), Distance: p.Distance * inv}
}

// Offset moves the plane along its normal; a positive amount shrinks the half-space.
func (p Plane) Offset(amount float32) Plane {
	return Plane{Normal: p.Normal, Distance: p.Distance - amount}
}

// IntersectPlanes returns the single point lying on all three planes.
// ok is false when two of the planes are parallel.
func IntersectPlanes(p1, p2, p3 Plane) (Vec3, bool) {
	n23 := p2.Normal.Cross(p3.Normal)
	denom := p1.Normal.Dot(n23)
	if math32.Abs(denom) < K_FLOAT_EPSILON {
		return Vec3{}, false
	}
	n31 := p3.Normal.Cross(p1.Normal)
	n12 := p1.Normal.Cross(p2.Normal)

	// Planes are stored as n.p + d = 0 so the distances enter negated.
	sum := n23.MulScalar(p1.Distance).
		Add(n31.MulScalar(p2.Distance)).
		Add(n12.MulScalar(p3.Distance))
	return sum.MulScalar(-1 / denom), true
}
