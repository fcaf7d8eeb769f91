package core

import (
	"encoding/binary"
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

type ShapeKind uint32

const (
	ShapeVolume ShapeKind = iota
	ShapeSphere
	ShapeMesh
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeVolume:
		return "volume"
	case ShapeSphere:
		return "sphere"
	case ShapeMesh:
		return "mesh"
	}
	return fmt.Sprintf("shape(%d)", uint32(k))
}

// ProgramNone marks an unbound program slot.
const ProgramNone = ^uint32(0)

// Shape supplies host-side bounds and names the GPU intersection program.
type Shape interface {
	Kind() ShapeKind
	Bounds() [2]mgl32.Vec3
	Intersection() string
}

// Volume is a raymarched procedural volume. Bounds are world space;
// LocalScale maps world to the kernel's normalized object space.
type Volume struct {
	Center     mgl32.Vec3
	WorldScale mgl32.Vec3
	LocalScale mgl32.Vec3
}

func (v *Volume) Kind() ShapeKind      { return ShapeVolume }
func (v *Volume) Intersection() string { return "raymarch_intersect" }
func (v *Volume) Bounds() [2]mgl32.Vec3 {
	return [2]mgl32.Vec3{v.Center.Sub(v.WorldScale), v.Center.Add(v.WorldScale)}
}

type Sphere struct {
	Center mgl32.Vec3
	Radius float32
}

func (s *Sphere) Kind() ShapeKind      { return ShapeSphere }
func (s *Sphere) Intersection() string { return "sphere_intersect" }
func (s *Sphere) Bounds() [2]mgl32.Vec3 {
	r := mgl32.Vec3{s.Radius, s.Radius, s.Radius}
	return [2]mgl32.Vec3{s.Center.Sub(r), s.Center.Add(r)}
}

// Mesh references triangles already uploaded to the mesh buffers.
type Mesh struct {
	Name          string
	WorldBounds   [2]mgl32.Vec3
	FirstTriangle uint32
	TriangleCount uint32
	FirstNode     uint32
}

func (m *Mesh) Kind() ShapeKind       { return ShapeMesh }
func (m *Mesh) Intersection() string  { return "mesh_intersect" }
func (m *Mesh) Bounds() [2]mgl32.Vec3 { return m.WorldBounds }

// Material is a closest-hit/any-hit program pair. Materials without an
// any-hit program never occlude shadow rays.
type Material struct {
	Name       string
	ClosestHit string
	AnyHit     string
}

var (
	DiffuseMaterial = Material{Name: "diffuse", ClosestHit: "closest_hit", AnyHit: "shadow"}
	LightMaterial   = Material{Name: "diffuse_light", ClosestHit: "light_closest_hit"}
)

func (m Material) Emissive() bool { return m.AnyHit == "" }

type GeometryInstance struct {
	Shape    Shape
	Material Material
	// Color is the albedo for diffuse instances and the emission for lights.
	Color           mgl32.Vec3
	LightMaterialID int32
}

func (gi *GeometryInstance) IsLight() bool { return gi.LightMaterialID >= 0 }

// Instance record
//
//	struct Instance {
//	    aabb_min    : vec4<f32>, // xyz, shape kind (u32 bits)
//	    aabb_max    : vec4<f32>, // xyz, light_material_id (i32 bits)
//	    center      : vec4<f32>, // xyz, radius
//	    local_scale : vec4<f32>,
//	    color       : vec4<f32>,
//	    programs    : vec4<u32>, // intersection, closest_hit, any_hit, mesh first node
//	    mesh        : vec4<u32>, // first triangle, triangle count
//	}; -> 112 bytes
const InstanceRecordSize = 112

// ProgramLookup resolves a GPU program name to its kernel id.
type ProgramLookup func(name string) (uint32, error)

func (gi *GeometryInstance) Put(buf []byte, lookup ProgramLookup) error {
	isect, err := lookup(gi.Shape.Intersection())
	if err != nil {
		return err
	}
	ch, err := lookup(gi.Material.ClosestHit)
	if err != nil {
		return err
	}
	ah := ProgramNone
	if gi.Material.AnyHit != "" {
		if ah, err = lookup(gi.Material.AnyHit); err != nil {
			return err
		}
	}

	b := gi.Shape.Bounds()
	PutVec3Bits(buf[0:16], b[0], uint32(gi.Shape.Kind()))
	PutVec3Bits(buf[16:32], b[1], uint32(gi.LightMaterialID))

	var center, scale mgl32.Vec3
	var radius float32
	var mesh [4]uint32
	firstNode := uint32(0)
	switch s := gi.Shape.(type) {
	case *Volume:
		center, scale = s.Center, s.LocalScale
	case *Sphere:
		center, radius = s.Center, s.Radius
	case *Mesh:
		mesh = [4]uint32{s.FirstTriangle, s.TriangleCount, 0, 0}
		firstNode = s.FirstNode
	}
	PutVec3(buf[32:48], center, radius)
	PutVec3(buf[48:64], scale, 0)
	PutVec3(buf[64:80], gi.Color, 0)
	PutUint4(buf[80:96], [4]uint32{isect, ch, ah, firstNode})
	PutUint4(buf[96:112], mesh)
	return nil
}

// ColorOffset is the byte offset of the color row inside an instance record.
const ColorOffset = 64

func InstanceLightID(record []byte) int32 {
	return int32(binary.LittleEndian.Uint32(record[28:32]))
}
