package scene

import (
	"github.com/chewxy/math32"

	"github.com/spaghettifunk/prism/engine/math"
)

// 89 degrees, keeps the view basis away from world up
const pitchLimit float32 = 1.55334306

/**
 * @brief A perspective camera. Rotation is kept as Euler angles (pitch, yaw, roll)
 * with yaw 0 looking down +Z.
 */
type Camera struct {
	/**
	 * @brief The position of this camera.
	 * NOTE: Do not set this directly, use SetPosition() instead
	 * so the view matrix is recalculated when needed.
	 */
	Position math.Vec3
	/**
	 * @brief The rotation of this camera using Euler angles (pitch, yaw, roll).
	 * NOTE: Do not set this directly, use SetEulerRotation() instead
	 * so the view matrix is recalculated when needed.
	 */
	EulerRotation math.Vec3
	/** @brief Internal flag used to determine when the view matrix needs to be rebuilt. */
	IsDirty bool
	/**
	 * @brief The view matrix of this camera.
	 * NOTE: IMPORTANT: Do not get this directly, use GetView() instead
	 * so the view matrix is recalculated when needed.
	 */
	ViewMatrix math.Mat4

	fov    float32
	aspect float32
	near   float32
	far    float32

	frustum *math.Frustum
}

func NewCamera(fovRadians, aspect, near, far float32) *Camera {
	c := &Camera{
		fov:    fovRadians,
		aspect: aspect,
		near:   near,
		far:    far,
	}
	c.Reset()
	c.frustum = math.NewFrustum(c.ViewProjection())
	return c
}

func (c *Camera) Reset() {
	c.EulerRotation = math.NewVec3Zero()
	c.Position = math.NewVec3Zero()
	c.IsDirty = true
	c.ViewMatrix = math.NewMat4Identity()
}

func (c *Camera) GetPosition() math.Vec3 {
	return c.Position
}

func (c *Camera) SetPosition(position math.Vec3) {
	c.Position = position
	c.IsDirty = true
}

func (c *Camera) GetEulerRotation() math.Vec3 {
	return c.EulerRotation
}

func (c *Camera) SetEulerRotation(rotation math.Vec3) {
	c.EulerRotation = rotation
	c.EulerRotation.X = math.Clamp(c.EulerRotation.X, -pitchLimit, pitchLimit)
	c.IsDirty = true
}

// LookAt turns the camera toward target without moving it.
func (c *Camera) LookAt(target math.Vec3) {
	dir := target.Sub(c.Position)
	if dir.LengthSquared() == 0 {
		return
	}
	dir = dir.Normalized()
	c.SetEulerRotation(math.NewVec3(math32.Asin(dir.Y), math32.Atan2(dir.X, dir.Z), 0))
}

func (c *Camera) GetView() math.Mat4 {
	if c.IsDirty {
		c.ViewMatrix = math.NewMat4LookToLH(c.Position, c.Forward(), math.NewVec3Up())
		c.IsDirty = false
	}
	return c.ViewMatrix
}

func (c *Camera) Projection() math.Mat4 {
	return math.NewMat4PerspectiveLH(c.fov, c.aspect, c.near, c.far)
}

func (c *Camera) ViewProjection() math.Mat4 {
	return c.GetView().Mul(c.Projection())
}

func (c *Camera) SetAspect(aspect float32) {
	c.aspect = aspect
}

func (c *Camera) Near() float32 {
	return c.near
}

func (c *Camera) Far() float32 {
	return c.far
}

// Frustum refreshes the culling planes from the current view and projection. A
// frozen frustum keeps its planes.
func (c *Camera) Frustum() *math.Frustum {
	c.frustum.UpdateValues(c.ViewProjection())
	return c.frustum
}

func (c *Camera) Forward() math.Vec3 {
	pitch, yaw := c.EulerRotation.X, c.EulerRotation.Y
	cp := math32.Cos(pitch)
	return math.NewVec3(math32.Sin(yaw)*cp, math32.Sin(pitch), math32.Cos(yaw)*cp)
}

func (c *Camera) Backward() math.Vec3 {
	return c.Forward().MulScalar(-1)
}

func (c *Camera) Right() math.Vec3 {
	return math.NewVec3Up().Cross(c.Forward()).Normalized()
}

func (c *Camera) Left() math.Vec3 {
	return c.Right().MulScalar(-1)
}

func (c *Camera) move(direction math.Vec3, amount float32) {
	c.Position = c.Position.Add(direction.MulScalar(amount))
	c.IsDirty = true
}

func (c *Camera) MoveForward(amount float32) {
	c.move(c.Forward(), amount)
}

func (c *Camera) MoveBackward(amount float32) {
	c.move(c.Backward(), amount)
}

func (c *Camera) MoveLeft(amount float32) {
	c.move(c.Left(), amount)
}

func (c *Camera) MoveRight(amount float32) {
	c.move(c.Right(), amount)
}

func (c *Camera) MoveUp(amount float32) {
	c.move(math.NewVec3Up(), amount)
}

func (c *Camera) MoveDown(amount float32) {
	c.move(math.NewVec3Down(), amount)
}

func (c *Camera) Yaw(amount float32) {
	c.EulerRotation.Y += amount
	c.IsDirty = true
}

func (c *Camera) Pitch(amount float32) {
	c.EulerRotation.X += amount

	// Clamp to avoid Gimbal lock.
	c.EulerRotation.X = math.Clamp(c.EulerRotation.X, -pitchLimit, pitchLimit)

	c.IsDirty = true
}
