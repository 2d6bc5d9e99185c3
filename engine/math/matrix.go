package math

import "github.com/chewxy/math32"

func NewMat4Identity() Mat4 {
	return Mat4{Data: [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}}
}

// Mul returns mt * other; with row vectors mt is applied first.
func (mt Mat4) Mul(other Mat4) Mat4 {
	var out Mat4
	a := &mt.Data
	b := &other.Data
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out.Data[row*4+col] = a[row*4+0]*b[0*4+col] +
				a[row*4+1]*b[1*4+col] +
				a[row*4+2]*b[2*4+col] +
				a[row*4+3]*b[3*4+col]
		}
	}
	return out
}

func (mt Mat4) At(row, col int) float32 {
	return mt.Data[row*4+col]
}

// Column returns the given column as a Vec4.
func (mt Mat4) Column(col int) Vec4 {
	return Vec4{mt.Data[col], mt.Data[4+col], mt.Data[8+col], mt.Data[12+col]}
}

func (mt Mat4) Transposed() Mat4 {
	var out Mat4
	for row := 0; row < 4; row++ {
		for col := 0; col < 4; col++ {
			out.Data[col*4+row] = mt.Data[row*4+col]
		}
	}
	return out
}

// cofactors returns the adjugate (unscaled inverse) and the determinant.
func (mt Mat4) cofactors() ([16]float32, float32) {
	m := &mt.Data
	var inv [16]float32

	inv[0] = m[5]*m[10]*m[15] - m[5]*m[11]*m[14] - m[9]*m[6]*m[15] + m[9]*m[7]*m[14] + m[13]*m[6]*m[11] - m[13]*m[7]*m[10]
	inv[4] = -m[4]*m[10]*m[15] + m[4]*m[11]*m[14] + m[8]*m[6]*m[15] - m[8]*m[7]*m[14] - m[12]*m[6]*m[11] + m[12]*m[7]*m[10]
	inv[8] = m[4]*m[9]*m[15] - m[4]*m[11]*m[13] - m[8]*m[5]*m[15] + m[8]*m[7]*m[13] + m[12]*m[5]*m[11] - m[12]*m[7]*m[9]
	inv[12] = -m[4]*m[9]*m[14] + m[4]*m[10]*m[13] + m[8]*m[5]*m[14] - m[8]*m[6]*m[13] - m[12]*m[5]*m[10] + m[12]*m[6]*m[9]
	inv[1] = -m[1]*m[10]*m[15] + m[1]*m[11]*m[14] + m[9]*m[2]*m[15] - m[9]*m[3]*m[14] - m[13]*m[2]*m[11] + m[13]*m[3]*m[10]
	inv[5] = m[0]*m[10]*m[15] - m[0]*m[11]*m[14] - m[8]*m[2]*m[15] + m[8]*m[3]*m[14] + m[12]*m[2]*m[11] - m[12]*m[3]*m[10]
	inv[9] = -m[0]*m[9]*m[15] + m[0]*m[11]*m[13] + m[8]*m[1]*m[15] - m[8]*m[3]*m[13] - m[12]*m[1]*m[11] + m[12]*m[3]*m[9]
	inv[13] = m[0]*m[9]*m[14] - m[0]*m[10]*m[13] - m[8]*m[1]*m[14] + m[8]*m[2]*m[13] + m[12]*m[1]*m[10] - m[12]*m[2]*m[9]
	inv[2] = m[1]*m[6]*m[15] - m[1]*m[7]*m[14] - m[5]*m[2]*m[15] + m[5]*m[3]*m[14] + m[13]*m[2]*m[7] - m[13]*m[3]*m[6]
	inv[6] = -m[0]*m[6]*m[15] + m[0]*m[7]*m[14] + m[4]*m[2]*m[15] - m[4]*m[3]*m[14] - m[12]*m[2]*m[7] + m[12]*m[3]*m[6]
	inv[10] = m[0]*m[5]*m[15] - m[0]*m[7]*m[13] - m[4]*m[1]*m[15] + m[4]*m[3]*m[13] + m[12]*m[1]*m[7] - m[12]*m[3]*m[5]
	inv[14] = -m[0]*m[5]*m[14] + m[0]*m[6]*m[13] + m[4]*m[1]*m[14] - m[4]*m[2]*m[13] - m[12]*m[1]*m[6] + m[12]*m[2]*m[5]
	inv[3] = -m[1]*m[6]*m[11] + m[1]*m[7]*m[10] + m[5]*m[2]*m[11] - m[5]*m[3]*m[10] - m[9]*m[2]*m[7] + m[9]*m[3]*m[6]
	inv[7] = m[0]*m[6]*m[11] - m[0]*m[7]*m[10] - m[4]*m[2]*m[11] + m[4]*m[3]*m[10] + m[8]*m[2]*m[7] - m[8]*m[3]*m[6]
	inv[11] = -m[0]*m[5]*m[11] + m[0]*m[7]*m[9] + m[4]*m[1]*m[11] - m[4]*m[3]*m[9] - m[8]*m[1]*m[7] + m[8]*m[3]*m[5]
	inv[15] = m[0]*m[5]*m[10] - m[0]*m[6]*m[9] - m[4]*m[1]*m[10] + m[4]*m[2]*m[9] + m[8]*m[1]*m[6] - m[8]*m[2]*m[5]

	det := m[0]*inv[0] + m[1]*inv[4] + m[2]*inv[8] + m[3]*inv[12]
	return inv, det
}

func (mt Mat4) Determinant() float32 {
	_, det := mt.cofactors()
	return det
}

// Inverse returns false when the matrix is singular.
func (mt Mat4) Inverse() (Mat4, bool) {
	inv, det := mt.cofactors()
	if det == 0 {
		return NewMat4Identity(), false
	}
	invDet := 1 / det
	var out Mat4
	for i := range inv {
		out.Data[i] = inv[i] * invDet
	}
	return out, true
}

func NewMat4Translation(position Vec3) Mat4 {
	out := NewMat4Identity()
	out.Data[12] = position.X
	out.Data[13] = position.Y
	out.Data[14] = position.Z
	return out
}

func NewMat4Scale(scale Vec3) Mat4 {
	out := NewMat4Identity()
	out.Data[0] = scale.X
	out.Data[5] = scale.Y
	out.Data[10] = scale.Z
	return out
}

func NewMat4RotationX(angleRadians float32) Mat4 {
	out := NewMat4Identity()
	c := math32.Cos(angleRadians)
	s := math32.Sin(angleRadians)
	out.Data[5] = c
	out.Data[6] = s
	out.Data[9] = -s
	out.Data[10] = c
	return out
}

func NewMat4RotationY(angleRadians float32) Mat4 {
	out := NewMat4Identity()
	c := math32.Cos(angleRadians)
	s := math32.Sin(angleRadians)
	out.Data[0] = c
	out.Data[2] = -s
	out.Data[8] = s
	out.Data[10] = c
	return out
}

func NewMat4RotationZ(angleRadians float32) Mat4 {
	out := NewMat4Identity()
	c := math32.Cos(angleRadians)
	s := math32.Sin(angleRadians)
	out.Data[0] = c
	out.Data[1] = s
	out.Data[4] = -s
	out.Data[5] = c
	return out
}

/**
 * @brief Left-handed perspective projection mapping view depth [near, far] to [0, 1].
 * @param fovRadians The vertical field of view in radians.
 */
func NewMat4PerspectiveLH(fovRadians, aspectRatio, nearClip, farClip float32) Mat4 {
	h := 1 / math32.Tan(fovRadians*0.5)
	w := h / aspectRatio
	q := farClip / (farClip - nearClip)

	var out Mat4
	out.Data[0] = w
	out.Data[5] = h
	out.Data[10] = q
	out.Data[11] = 1
	out.Data[14] = -q * nearClip
	return out
}

/**
 * @brief Left-handed off-center orthographic projection, depth in [0, 1].
 */
func NewMat4OrthographicOffCenterLH(left, right, bottom, top, nearClip, farClip float32) Mat4 {
	out := NewMat4Identity()
	out.Data[0] = 2 / (right - left)
	out.Data[5] = 2 / (top - bottom)
	out.Data[10] = 1 / (farClip - nearClip)
	out.Data[12] = (left + right) / (left - right)
	out.Data[13] = (top + bottom) / (bottom - top)
	out.Data[14] = nearClip / (nearClip - farClip)
	return out
}

func NewMat4OrthographicLH(width, height, nearClip, farClip float32) Mat4 {
	return NewMat4OrthographicOffCenterLH(-width*0.5, width*0.5, -height*0.5, height*0.5, nearClip, farClip)
}

// NewMat4FromBasis builds a view matrix whose axes are right, up and forward, placed at eye.
func NewMat4FromBasis(right, up, forward, eye Vec3) Mat4 {
	return Mat4{Data: [16]float32{
		right.X, up.X, forward.X, 0,
		right.Y, up.Y, forward.Y, 0,
		right.Z, up.Z, forward.Z, 0,
		-right.Dot(eye), -up.Dot(eye), -forward.Dot(eye), 1,
	}}
}

// NewMat4LookToLH looks from eye along direction. direction must not be parallel to up.
func NewMat4LookToLH(eye, direction, up Vec3) Mat4 {
	forward := direction.Normalized()
	right := up.Cross(forward).Normalized()
	newUp := forward.Cross(right)
	return NewMat4FromBasis(right, newUp, forward, eye)
}

func NewMat4LookAtLH(eye, target, up Vec3) Mat4 {
	return NewMat4LookToLH(eye, target.Sub(eye), up)
}
