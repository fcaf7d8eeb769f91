package scene

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/hybridrt/rt/core"
)

const DefaultMeshFile = "cow.obj"

var (
	white = mgl32.Vec3{0.8, 0.8, 0.8}
	green = mgl32.Vec3{0.05, 0.8, 0.05}
	red   = mgl32.Vec3{0.9, 0.1, 0.1}
)

// DefaultLights are the two sphere emitters of the stock scene: a large
// white key light above the sphere and a small red one near the camera.
func DefaultLights() []core.LightParameter {
	return []core.LightParameter{
		{Type: core.LightSphere, Position: mgl32.Vec3{50, 310, 50}, Radius: 10, Emission: mgl32.Vec3{1, 1, 1}},
		{Type: core.LightSphere, Position: mgl32.Vec3{0.01, 166.787, 190}, Radius: 2, Emission: mgl32.Vec3{10, 0.01, 0.01}},
	}
}

// DefaultScene fills b and lights with the stock scene. The mesh is only
// added when the builder has an importer.
func DefaultScene(b *Builder, lights *LightRegistry) error {
	if _, err := b.AddVolume(mgl32.Vec3{}, mgl32.Vec3{300, 300, 300}, mgl32.Vec3{4.3, 4.3, 4.3}, white); err != nil {
		return err
	}
	if _, err := b.AddSphere(mgl32.Vec3{0, 310, 50}, 10, green); err != nil {
		return err
	}
	if b.opts.Importer != nil {
		if _, err := b.AddMesh(DefaultMeshFile, mgl32.Vec3{0, 300, 0}, mgl32.Vec3{500, 500, 500}, red); err != nil {
			return err
		}
	}
	for _, l := range DefaultLights() {
		if _, err := lights.Register(l); err != nil {
			return err
		}
	}
	return nil
}
