package scene

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/spaghettifunk/prism/engine/math"
)

type Kind uint8

const (
	// Nothing moves after load.
	KindStatic Kind = iota
	// The camera circles its target at a constant height.
	KindOrbit
)

func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindOrbit:
		return "orbit"
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "static":
		return KindStatic, nil
	case "orbit":
		return KindOrbit, nil
	}
	return 0, fmt.Errorf("%w: `%s`", ErrUnknownSceneKind, s)
}

type (
	fnLoad   func(s *Scene) error
	fnUpdate func(s *Scene, deltaTime float64)
)

type kindHooks struct {
	load   fnLoad
	update fnUpdate
}

var sceneKinds = map[Kind]kindHooks{
	KindStatic: {load: loadStatic, update: updateStatic},
	KindOrbit:  {load: loadOrbit, update: updateOrbit},
}

func loadStatic(s *Scene) error {
	return nil
}

func updateStatic(s *Scene, deltaTime float64) {}

type orbitState struct {
	angle  float32
	radius float32
	height float32
	speed  float32
	target math.Vec3
}

func loadOrbit(s *Scene) error {
	target := toVec3(s.desc.Camera.Target)
	offset := s.Camera.GetPosition().Sub(target)
	radius := math32.Sqrt(offset.X*offset.X + offset.Z*offset.Z)
	if radius == 0 {
		return fmt.Errorf("%w: orbit camera sits on the vertical through its target", ErrInvalidScene)
	}
	s.orbit = orbitState{
		angle:  math32.Atan2(offset.X, offset.Z),
		radius: radius,
		height: offset.Y,
		speed:  s.desc.Orbit.Speed,
		target: target,
	}
	return nil
}

func updateOrbit(s *Scene, deltaTime float64) {
	o := &s.orbit
	o.angle += o.speed * float32(deltaTime)
	if o.angle > 2*math.K_PI {
		o.angle -= 2 * math.K_PI
	}
	x := math32.Sin(o.angle) * o.radius
	z := math32.Cos(o.angle) * o.radius
	s.Camera.SetPosition(o.target.Add(math.NewVec3(x, o.height, z)))
	s.Camera.LookAt(o.target)
}
