package scene

import (
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/prism/engine/core"
	"github.com/spaghettifunk/prism/engine/math"
)

var (
	ErrInvalidScene     = errors.New("invalid scene descriptor")
	ErrUnknownSceneKind = errors.New("unknown scene kind")
	ErrUnknownBatch     = errors.New("unknown batch")
)

type CameraDescriptor struct {
	Position [3]float32 `toml:"position"`
	Target   [3]float32 `toml:"target"`
	/** @brief Vertical field of view in degrees. */
	Fov  float32 `toml:"fov"`
	Near float32 `toml:"near"`
	Far  float32 `toml:"far"`
}

type LightDescriptor struct {
	Direction [3]float32 `toml:"direction"`
}

type ShadersDescriptor struct {
	Vertex       string `toml:"vertex"`
	Pixel        string `toml:"pixel"`
	ShadowVertex string `toml:"shadow_vertex"`
}

type OrbitDescriptor struct {
	/** @brief Radians per second around the camera target. */
	Speed float32 `toml:"speed"`
}

type BatchDescriptor struct {
	Name string `toml:"name"`
	Kind string `toml:"kind"`
	/** @brief Number of textures every object of the batch binds. */
	Textures uint32 `toml:"textures"`
	/** @brief Optional override of the scene pixel shader. */
	Pixel string `toml:"pixel"`
}

type ObjectDescriptor struct {
	Name     string     `toml:"name"`
	Batch    string     `toml:"batch"`
	Model    string     `toml:"model"`
	Textures []string   `toml:"textures"`
	Position [3]float32 `toml:"position"`
	/** @brief Euler angles in degrees. */
	Rotation [3]float32 `toml:"rotation"`
	Scale    [3]float32 `toml:"scale"`
}

/**
 * @brief Declarative description of a scene as read from its TOML file. Kind picks
 * the load and update hooks the scene runs with.
 */
type Descriptor struct {
	Name    string             `toml:"name"`
	Kind    string             `toml:"kind"`
	Camera  CameraDescriptor   `toml:"camera"`
	Light   LightDescriptor    `toml:"light"`
	Shaders ShadersDescriptor  `toml:"shaders"`
	Orbit   OrbitDescriptor    `toml:"orbit"`
	Batches []BatchDescriptor  `toml:"batches"`
	Objects []ObjectDescriptor `toml:"objects"`
}

func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	desc, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	core.LogDebug("scene descriptor `%s` read from %s", desc.Name, path)
	return desc, nil
}

func ParseDescriptor(data []byte) (*Descriptor, error) {
	desc := &Descriptor{}
	if err := toml.Unmarshal(data, desc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScene, err)
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

// Validate fills defaults in place and rejects descriptors a scene cannot be built from.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidScene)
	}
	if d.Kind == "" {
		d.Kind = KindStatic.String()
	}
	if _, err := ParseKind(d.Kind); err != nil {
		return err
	}

	if d.Camera.Fov == 0 {
		d.Camera.Fov = 60
	}
	if d.Camera.Near == 0 {
		d.Camera.Near = 0.1
	}
	if d.Camera.Far == 0 {
		d.Camera.Far = 100
	}
	if d.Camera.Far <= d.Camera.Near {
		return fmt.Errorf("%w: camera far %g must exceed near %g", ErrInvalidScene, d.Camera.Far, d.Camera.Near)
	}
	if d.Camera.Position == d.Camera.Target {
		return fmt.Errorf("%w: camera position equals its target", ErrInvalidScene)
	}
	if toVec3(d.Light.Direction).LengthSquared() == 0 {
		return fmt.Errorf("%w: light direction is zero", ErrInvalidScene)
	}
	if d.Shaders.Vertex == "" || d.Shaders.Pixel == "" || d.Shaders.ShadowVertex == "" {
		return fmt.Errorf("%w: vertex, pixel and shadow_vertex shaders are required", ErrInvalidScene)
	}
	if d.Orbit.Speed == 0 {
		d.Orbit.Speed = 0.25
	}

	batches := make(map[string]*BatchDescriptor, len(d.Batches))
	for i := range d.Batches {
		b := &d.Batches[i]
		if b.Name == "" {
			return fmt.Errorf("%w: batch %d has no name", ErrInvalidScene, i)
		}
		if _, ok := batches[b.Name]; ok {
			return fmt.Errorf("%w: duplicate batch `%s`", ErrInvalidScene, b.Name)
		}
		if _, err := ParseBatchKind(b.Kind); err != nil {
			return err
		}
		batches[b.Name] = b
	}

	for i := range d.Objects {
		o := &d.Objects[i]
		if o.Name == "" {
			o.Name = fmt.Sprintf("object-%d", i)
		}
		b, ok := batches[o.Batch]
		if !ok {
			return fmt.Errorf("%w: `%s` of object `%s`", ErrUnknownBatch, o.Batch, o.Name)
		}
		if o.Model == "" {
			return fmt.Errorf("%w: object `%s` has no model", ErrInvalidScene, o.Name)
		}
		if uint32(len(o.Textures)) != b.Textures {
			return fmt.Errorf("%w: object `%s` has %d textures, batch `%s` expects %d",
				ErrInvalidScene, o.Name, len(o.Textures), b.Name, b.Textures)
		}
		if o.Scale == [3]float32{} {
			o.Scale = [3]float32{1, 1, 1}
		}
	}
	return nil
}

func toVec3(v [3]float32) math.Vec3 {
	return math.NewVec3(v[0], v[1], v[2])
}
