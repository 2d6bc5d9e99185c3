package math

import "github.com/chewxy/math32"

const (
	FrustumLeft = iota
	FrustumRight
	FrustumBottom
	FrustumTop
	FrustumNear
	FrustumFar
	FrustumPlaneCount
)

const (
	// Lights closer than this to the world up axis get their direction nudged.
	degenerateLightEpsilon float32 = 1e-3
	// Boundary tolerance so points lying exactly on a plane stay visible.
	frustumEpsilon float32 = 1e-4
)

/**
 * @brief Six world-space half-spaces extracted from a view-projection matrix.
 */
type Frustum struct {
	planes [FrustumPlaneCount]Plane
	frozen bool
}

func NewFrustum(viewProj Mat4) *Frustum {
	f := &Frustum{}
	f.UpdateValues(viewProj)
	return f
}

/**
 * @brief Gribb/Hartmann extraction for row vectors (clip = v * M) and a [0, 1] depth range.
 * Side planes combine column 3 with columns 0 and 1; the near plane is column 2 alone and
 * the far plane is column 3 minus column 2. Every plane is normalized afterwards.
 * Does nothing while the frustum is frozen.
 */
func (f *Frustum) UpdateValues(viewProj Mat4) {
	if f.frozen {
		return
	}
	c0 := viewProj.Column(0)
	c1 := viewProj.Column(1)
	c2 := viewProj.Column(2)
	c3 := viewProj.Column(3)

	f.planes[FrustumLeft] = NewPlaneFromVec4(c3.Add(c0)).Normalized()
	f.planes[FrustumRight] = NewPlaneFromVec4(c3.Sub(c0)).Normalized()
	f.planes[FrustumBottom] = NewPlaneFromVec4(c3.Add(c1)).Normalized()
	f.planes[FrustumTop] = NewPlaneFromVec4(c3.Sub(c1)).Normalized()
	f.planes[FrustumNear] = NewPlaneFromVec4(c2).Normalized()
	f.planes[FrustumFar] = NewPlaneFromVec4(c3.Sub(c2)).Normalized()
}

func (f *Frustum) SetFrozen(frozen bool) {
	f.frozen = frozen
}

func (f *Frustum) Frozen() bool {
	return f.frozen
}

func (f *Frustum) Plane(index int) Plane {
	return f.planes[index]
}

func (f *Frustum) Planes() [FrustumPlaneCount]Plane {
	return f.planes
}

// Depth is the distance between the near and far planes.
func (f *Frustum) Depth() float32 {
	near := f.planes[FrustumNear]
	onNear := near.Normal.MulScalar(-near.Distance)
	return f.planes[FrustumFar].SignedDistance(onNear)
}

// slicePlanes returns the near and far planes moved to the [nearPercent, farPercent) slab.
func (f *Frustum) slicePlanes(nearPercent, farPercent float32) (Plane, Plane) {
	depth := f.Depth()
	near := f.planes[FrustumNear].Offset(nearPercent * depth)
	far := f.planes[FrustumFar].Offset((1 - farPercent) * depth)
	return near, far
}

func (f *Frustum) CheckPoint(point Vec3) bool {
	return f.CheckSphere(point, 0, 0, 1)
}

/**
 * @brief Reports whether the sphere touches the [nearPercent, farPercent) depth slab.
 * The side planes are used as-is; near and far are offset by the slab percentages.
 */
func (f *Frustum) CheckSphere(position Vec3, radius, nearPercent, farPercent float32) bool {
	near, far := f.slicePlanes(nearPercent, farPercent)
	for i := 0; i < FrustumPlaneCount; i++ {
		plane := f.planes[i]
		switch i {
		case FrustumNear:
			plane = near
		case FrustumFar:
			plane = far
		}
		if plane.SignedDistance(position) < -radius-frustumEpsilon {
			return false
		}
	}
	return true
}

// Corners returns the eight slab corners: near face first (lb, lt, rb, rt), then far.
func (f *Frustum) Corners(nearPercent, farPercent float32) [8]Vec3 {
	near, far := f.slicePlanes(nearPercent, farPercent)
	left := f.planes[FrustumLeft]
	right := f.planes[FrustumRight]
	bottom := f.planes[FrustumBottom]
	top := f.planes[FrustumTop]

	var corners [8]Vec3
	i := 0
	for _, depth := range [2]Plane{near, far} {
		for _, side := range [2]Plane{left, right} {
			for _, vertical := range [2]Plane{bottom, top} {
				corners[i], _ = IntersectPlanes(depth, side, vertical)
				i++
			}
		}
	}
	return corners
}

/**
 * @brief Orthonormal basis looking along a light direction.
 */
type LightBasis struct {
	Right   Vec3
	Up      Vec3
	Forward Vec3
}

// NewLightBasis orthogonalizes against world up. A direction within epsilon of
// straight up or down is nudged along +Z first so the cross product stays defined.
func NewLightBasis(direction Vec3) LightBasis {
	worldUp := NewVec3Up()
	forward := direction.Normalized()
	if 1-math32.Abs(forward.Dot(worldUp)) < degenerateLightEpsilon {
		forward = forward.Add(Vec3{0, 0, 10 * degenerateLightEpsilon}).Normalized()
	}
	right := worldUp.Cross(forward).Normalized()
	up := forward.Cross(right)
	return LightBasis{Right: right, Up: up, Forward: forward}
}

// ToLight expresses a world-space point in basis coordinates.
func (b LightBasis) ToLight(p Vec3) Vec3 {
	return Vec3{p.Dot(b.Right), p.Dot(b.Up), p.Dot(b.Forward)}
}

// FromLight maps basis coordinates back to world space.
func (b LightBasis) FromLight(p Vec3) Vec3 {
	return b.Right.MulScalar(p.X).Add(b.Up.MulScalar(p.Y)).Add(b.Forward.MulScalar(p.Z))
}

func (b LightBasis) ViewMatrix(eye Vec3) Mat4 {
	return NewMat4FromBasis(b.Right, b.Up, b.Forward, eye)
}

/**
 * @brief Axis-aligned extents in light-basis coordinates. X and Y span the
 * shadow map, Z is depth along the light direction.
 */
type LightBounds struct {
	Min Vec3
	Max Vec3
}

func EmptyLightBounds() LightBounds {
	inf := math32.Inf(1)
	return LightBounds{Min: Vec3{inf, inf, inf}, Max: Vec3{-inf, -inf, -inf}}
}

func (lb LightBounds) Width() float32  { return lb.Max.X - lb.Min.X }
func (lb LightBounds) Height() float32 { return lb.Max.Y - lb.Min.Y }
func (lb LightBounds) Near() float32   { return lb.Min.Z }
func (lb LightBounds) Far() float32    { return lb.Max.Z }

func (lb LightBounds) Center() Vec3 {
	return lb.Min.Add(lb.Max).MulScalar(0.5)
}

func (lb LightBounds) IsEmpty() bool {
	return lb.Min.X > lb.Max.X || lb.Min.Y > lb.Max.Y || lb.Min.Z > lb.Max.Z
}

func (lb LightBounds) ExtendPoint(p Vec3) LightBounds {
	return LightBounds{Min: lb.Min.Min(p), Max: lb.Max.Max(p)}
}

func (lb LightBounds) ExtendSphere(center Vec3, radius float32) LightBounds {
	r := Vec3{radius, radius, radius}
	return LightBounds{Min: lb.Min.Min(center.Sub(r)), Max: lb.Max.Max(center.Add(r))}
}

func (lb LightBounds) Union(other LightBounds) LightBounds {
	if other.IsEmpty() {
		return lb
	}
	return LightBounds{Min: lb.Min.Min(other.Min), Max: lb.Max.Max(other.Max)}
}

// Grow pads every side by margin.
func (lb LightBounds) Grow(margin float32) LightBounds {
	m := Vec3{margin, margin, margin}
	return LightBounds{Min: lb.Min.Sub(m), Max: lb.Max.Add(m)}
}

// GetBoundingBoxFromDir returns the tight light-space box around the slab corners.
func (f *Frustum) GetBoundingBoxFromDir(lightDir Vec3, nearPercent, farPercent float32) LightBounds {
	basis := NewLightBasis(lightDir)
	bounds := EmptyLightBounds()
	for _, c := range f.Corners(nearPercent, farPercent) {
		bounds = bounds.ExtendPoint(basis.ToLight(c))
	}
	return bounds
}

// GetBoundingSphereFromDir returns light-space bounds of the sphere enclosing the slab
// corners. Its extent does not change as the camera rotates.
func (f *Frustum) GetBoundingSphereFromDir(lightDir Vec3, nearPercent, farPercent float32) (LightBounds, Sphere) {
	corners := f.Corners(nearPercent, farPercent)
	center := Vec3{}
	for _, c := range corners {
		center = center.Add(c)
	}
	center = center.MulScalar(1.0 / float32(len(corners)))

	var radius float32
	for _, c := range corners {
		radius = math32.Max(radius, c.Distance(center))
	}

	basis := NewLightBasis(lightDir)
	bounds := EmptyLightBounds().ExtendSphere(basis.ToLight(center), radius)
	return bounds, Sphere{Center: center, Radius: radius}
}
