package math

// Vec2 represents a 2D vector
type Vec2 struct {
	X, Y float32
}

// Vec3 represents a 3D vector
type Vec3 struct {
	X, Y, Z float32
}

// Vec4 represents a 4D vector
type Vec4 struct {
	X, Y, Z, W float32
}

/**
 * @brief a 4x4 matrix stored row-major. Vectors are rows and multiply on the
 * left (v * M), so translation lives in Data[12..14].
 */
type Mat4 struct {
	/** @brief The matrix elements */
	Data [16]float32
}

/**
 * @brief Represents the extents of a 3d object.
 */
type Extents3D struct {
	/** @brief The minimum extents of the object. */
	Min Vec3
	/** @brief The maximum extents of the object. */
	Max Vec3
}

/**
 * @brief A bounding sphere in world space.
 */
type Sphere struct {
	Center Vec3
	Radius float32
}

/**
 * @brief Represents the transform of an object in the world.
 * NOTE: The properties of this should not be edited directly, but done via
 * the setters to ensure proper matrix generation.
 */
type Transform struct {
	/** @brief The position in the world. */
	position Vec3
	/** @brief Euler rotation in radians, applied Z then X then Y. */
	rotation Vec3
	/** @brief The scale in the world. */
	scale Vec3
	/** @brief Indicates that the local matrix needs to be recalculated. */
	isDirty bool
	/** @brief The cached local transformation matrix. */
	local Mat4
}
