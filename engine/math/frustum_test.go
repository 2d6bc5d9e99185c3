package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Camera at the origin looking down +Z, 90 degree square view, depth [1, 101].
func testFrustum() *Frustum {
	view := NewMat4LookToLH(NewVec3Zero(), NewVec3Forward(), NewVec3Up())
	proj := NewMat4PerspectiveLH(DegToRad(90), 1, 1, 101)
	return NewFrustum(view.Mul(proj))
}

func TestFrustumPlanesAreNormalized(t *testing.T) {
	matrices := map[string]Mat4{
		"perspective": NewMat4LookAtLH(NewVec3(4, 3, -8), NewVec3(0, 1, 0), NewVec3Up()).
			Mul(NewMat4PerspectiveLH(DegToRad(70), 1.6, 0.1, 500)),
		"orthographic": NewMat4LookToLH(NewVec3(0, 50, 0), NewVec3(0.3, -1, 0.2), NewVec3Up()).
			Mul(NewMat4OrthographicOffCenterLH(-30, 10, -5, 25, 1, 90)),
		"rotated": NewMat4RotationY(2.1).Mul(NewMat4RotationX(0.4)).
			Mul(NewMat4PerspectiveLH(DegToRad(45), 0.75, 2, 40)),
	}
	for name, m := range matrices {
		t.Run(name, func(t *testing.T) {
			f := NewFrustum(m)
			for i, p := range f.Planes() {
				assert.InDelta(t, 1, p.Normal.Length(), 1e-5, "plane %d", i)
			}
		})
	}
}

func TestFrustumDepth(t *testing.T) {
	assert.InDelta(t, 100, testFrustum().Depth(), 1e-3)
}

func TestCheckSphereApexAndOutside(t *testing.T) {
	f := testFrustum()

	// the apex of the truncated pyramid, the center of the near face
	assert.True(t, f.CheckSphere(NewVec3(0, 0, 1), 0, 0, 1))
	assert.True(t, f.CheckPoint(NewVec3(0, 0, 50)))

	// one unit of clearance beyond a single plane
	assert.False(t, f.CheckSphere(NewVec3(0, 0, -2), 0.5, 0, 1), "behind near")
	assert.False(t, f.CheckSphere(NewVec3(0, 0, 103), 1, 0, 1), "past far")
	assert.False(t, f.CheckSphere(NewVec3(-60, 0, 50), 1, 0, 1), "left")
	assert.False(t, f.CheckSphere(NewVec3(0, 60, 50), 1, 0, 1), "top")

	// touching the plane counts as visible
	assert.True(t, f.CheckSphere(NewVec3(0, 0, -1), 2.5, 0, 1))
}

func TestCheckSphereShrinksWithNearPercent(t *testing.T) {
	f := testFrustum()

	var spheres []Vec3
	for z := float32(-10); z <= 110; z += 2.5 {
		for x := float32(-100); x <= 100; x += 10 {
			spheres = append(spheres, NewVec3(x, x*0.25, z))
		}
	}

	previous := map[int]bool{}
	for i := range spheres {
		previous[i] = true
	}
	for _, nearPercent := range []float32{0, 0.1, 0.25, 0.5, 0.75, 0.99} {
		visible := map[int]bool{}
		for i, s := range spheres {
			if f.CheckSphere(s, 1.5, nearPercent, 1) {
				visible[i] = true
				assert.True(t, previous[i], "sphere %v appeared at nearPercent %v", s, nearPercent)
			}
		}
		assert.LessOrEqual(t, len(visible), len(previous))
		previous = visible
	}
}

func TestCheckSphereSlab(t *testing.T) {
	f := testFrustum()
	p := NewVec3(0, 0, 80)
	assert.False(t, f.CheckSphere(p, 1, 0, 0.5))
	assert.True(t, f.CheckSphere(p, 1, 0.5, 1))
}

func TestFrustumCorners(t *testing.T) {
	corners := testFrustum().Corners(0, 1)

	// near face at z=1 with half extent 1, far face at z=101 with half extent 101
	assert.True(t, corners[0].Compare(NewVec3(-1, -1, 1), 1e-3), "%v", corners[0])
	assert.True(t, corners[3].Compare(NewVec3(1, 1, 1), 1e-3), "%v", corners[3])
	assert.True(t, corners[4].Compare(NewVec3(-101, -101, 101), 1e-2), "%v", corners[4])
	assert.True(t, corners[7].Compare(NewVec3(101, 101, 101), 1e-2), "%v", corners[7])

	half := testFrustum().Corners(0, 0.5)
	assert.InDelta(t, 51, half[7].Z, 1e-2)
}

func TestIntersectPlanes(t *testing.T) {
	x := Plane{Normal: NewVec3(1, 0, 0), Distance: -2}
	y := Plane{Normal: NewVec3(0, 1, 0), Distance: 3}
	z := Plane{Normal: NewVec3(0, 0, 1), Distance: -4}

	p, ok := IntersectPlanes(x, y, z)
	require.True(t, ok)
	assert.True(t, p.Compare(NewVec3(2, -3, 4), 1e-6))

	_, ok = IntersectPlanes(x, x, z)
	assert.False(t, ok)
}

func TestLightBasisIsOrthonormal(t *testing.T) {
	for _, dir := range []Vec3{
		NewVec3(0, -1, 0),
		NewVec3(0, 1, 0),
		NewVec3(0.2, -1, 0.4),
		NewVec3(1, 0, 0),
	} {
		b := NewLightBasis(dir)
		assert.InDelta(t, 1, b.Right.Length(), 1e-5)
		assert.InDelta(t, 1, b.Up.Length(), 1e-5)
		assert.InDelta(t, 1, b.Forward.Length(), 1e-5)
		assert.InDelta(t, 0, b.Right.Dot(b.Up), 1e-5)
		assert.InDelta(t, 0, b.Right.Dot(b.Forward), 1e-5)
		assert.InDelta(t, 0, b.Up.Dot(b.Forward), 1e-5)
		assert.Greater(t, b.Forward.Dot(dir.Normalized()), float32(0.99))

		p := NewVec3(3, -7, 11)
		assert.True(t, b.FromLight(b.ToLight(p)).Compare(p, 1e-4))
	}
}

func TestBoundingBoxFromDir(t *testing.T) {
	f := testFrustum()

	// light along the view direction: depth spans the whole frustum
	box := f.GetBoundingBoxFromDir(NewVec3Forward(), 0, 1)
	assert.InDelta(t, 1, box.Near(), 1e-2)
	assert.InDelta(t, 101, box.Far(), 1e-2)
	assert.InDelta(t, 202, box.Width(), 1e-1)
	assert.InDelta(t, 202, box.Height(), 1e-1)

	slab := f.GetBoundingBoxFromDir(NewVec3Forward(), 0.5, 1)
	assert.InDelta(t, 51, slab.Near(), 1e-2)

	bounds, sphere := f.GetBoundingSphereFromDir(NewVec3(0, -1, 0), 0, 0.5)
	assert.InDelta(t, 2*sphere.Radius, bounds.Width(), 1e-3)
	assert.InDelta(t, bounds.Width(), bounds.Height(), 1e-3)
	for _, c := range f.Corners(0, 0.5) {
		assert.LessOrEqual(t, c.Distance(sphere.Center), sphere.Radius+1e-3)
	}
}

func TestFrozenFrustumIgnoresUpdates(t *testing.T) {
	f := testFrustum()
	before := f.Planes()
	f.SetFrozen(true)
	f.UpdateValues(NewMat4Identity())
	assert.Equal(t, before, f.Planes())
}
