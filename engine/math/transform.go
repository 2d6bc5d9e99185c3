package math

func NewTransform() *Transform {
	return &Transform{
		scale:   NewVec3One(),
		isDirty: true,
	}
}

func NewTransformFromPosition(position Vec3) *Transform {
	t := NewTransform()
	t.position = position
	return t
}

func (t *Transform) Position() Vec3 {
	return t.position
}

func (t *Transform) Rotation() Vec3 {
	return t.rotation
}

func (t *Transform) Scale() Vec3 {
	return t.scale
}

func (t *Transform) SetPosition(position Vec3) {
	t.position = position
	t.isDirty = true
}

func (t *Transform) Translate(translation Vec3) {
	t.position = t.position.Add(translation)
	t.isDirty = true
}

// SetRotation takes Euler angles in radians.
func (t *Transform) SetRotation(rotation Vec3) {
	t.rotation = rotation
	t.isDirty = true
}

func (t *Transform) Rotate(delta Vec3) {
	t.rotation = t.rotation.Add(delta)
	t.isDirty = true
}

func (t *Transform) SetScale(scale Vec3) {
	t.scale = scale
	t.isDirty = true
}

// Local returns scale, then rotation, then translation.
func (t *Transform) Local() Mat4 {
	if t.isDirty {
		rot := NewMat4RotationZ(t.rotation.Z).
			Mul(NewMat4RotationX(t.rotation.X)).
			Mul(NewMat4RotationY(t.rotation.Y))
		t.local = NewMat4Scale(t.scale).Mul(rot).Mul(NewMat4Translation(t.position))
		t.isDirty = false
	}
	return t.local
}

// MaxScale is used to grow bounding radii under non-uniform scale.
func (t *Transform) MaxScale() float32 {
	s := t.scale
	m := s.X
	if s.Y > m {
		m = s.Y
	}
	if s.Z > m {
		m = s.Z
	}
	return m
}
