package scene

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/bvh"
	"github.com/gekko3d/hybridrt/rt/core"
	"github.com/gekko3d/hybridrt/rt/gpu"
)

var ErrAlreadyBuilt = errors.New("scene: builder already built")

// GroupPurpose tags an acceleration group with the rays it serves.
type GroupPurpose int

const (
	// PurposeShadow groups answer shadow rays and never contain lights.
	PurposeShadow GroupPurpose = iota
	PurposeRenderable
)

func (p GroupPurpose) String() string {
	if p == PurposeShadow {
		return "top_shadower"
	}
	return "top_object"
}

func (p GroupPurpose) variables() (nodes, instances string) {
	if p == PurposeShadow {
		return gpu.VarShadowerNodes, gpu.VarShadowerInstances
	}
	return gpu.VarObjectNodes, gpu.VarObjectInstances
}

// AccelerationGroup is a top-level BVH over geometry instances. Instances
// are stored in leaf order.
type AccelerationGroup struct {
	Purpose   GroupPurpose
	Instances []*core.GeometryInstance
	Tree      *bvh.Tree

	nodes   gpu.Buffer
	records gpu.Buffer
	built   bool
}

func newAccelerationGroup(purpose GroupPurpose, opaque, lights []*core.GeometryInstance) *AccelerationGroup {
	g := &AccelerationGroup{Purpose: purpose}
	g.Instances = append(g.Instances, opaque...)
	if purpose != PurposeShadow {
		g.Instances = append(g.Instances, lights...)
	}
	return g
}

func (g *AccelerationGroup) Built() bool { return g.built }

func (g *AccelerationGroup) Contains(inst *core.GeometryInstance) bool {
	return g.indexOf(inst) >= 0
}

func (g *AccelerationGroup) indexOf(inst *core.GeometryInstance) int {
	for i, gi := range g.Instances {
		if gi == inst {
			return i
		}
	}
	return -1
}

func (g *AccelerationGroup) build(builder *bvh.Builder) {
	aabbs := make([][2]mgl32.Vec3, len(g.Instances))
	for i, gi := range g.Instances {
		aabbs[i] = gi.Shape.Bounds()
	}
	g.Tree = builder.Build(aabbs)

	ordered := make([]*core.GeometryInstance, 0, len(g.Instances))
	for _, idx := range g.Tree.Order {
		ordered = append(ordered, g.Instances[idx])
	}
	g.Instances = ordered
}

func (g *AccelerationGroup) recordBytes() ([]byte, error) {
	out := make([]byte, max(len(g.Instances), 1)*core.InstanceRecordSize)
	for i, gi := range g.Instances {
		if err := gi.Put(out[i*core.InstanceRecordSize:], gpu.ProgramID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (g *AccelerationGroup) upload(dev gpu.Device) error {
	records, err := g.recordBytes()
	if err != nil {
		return err
	}
	nodesVar, instVar := g.Purpose.variables()
	if _, err := gpu.EnsureBuffer(dev, nodesVar, gpu.BufferStorage, &g.nodes, g.Tree.Bytes(), 0); err != nil {
		return hybridrt.ContextFailure("upload "+nodesVar, err)
	}
	if _, err := gpu.EnsureBuffer(dev, instVar, gpu.BufferStorage, &g.records, records, 0); err != nil {
		return hybridrt.ContextFailure("upload "+instVar, err)
	}
	if err := dev.Bind(nodesVar, g.nodes); err != nil {
		return hybridrt.ContextFailure("bind "+nodesVar, err)
	}
	if err := dev.Bind(instVar, g.records); err != nil {
		return hybridrt.ContextFailure("bind "+instVar, err)
	}
	g.built = true
	return nil
}

func (g *AccelerationGroup) release(dev gpu.Device) {
	for _, b := range []gpu.Buffer{g.nodes, g.records} {
		if b != nil {
			dev.Release(b)
		}
	}
	g.nodes, g.records, g.built = nil, nil, false
}

// Resolver finds asset files by name.
type Resolver interface {
	Resolve(filename string) (string, error)
}

type BuilderOptions struct {
	Assets   Resolver
	Importer MeshImporter
	Logger   hybridrt.Logger
}

// Builder collects opaque geometry and turns it, together with the lights of
// a LightRegistry, into the two top-level groups the kernel traces against.
type Builder struct {
	opts   BuilderOptions
	log    hybridrt.Logger
	policy bvh.Builder
	opaque []*core.GeometryInstance
	meshes meshPool
	built  bool
}

func NewBuilder(opts BuilderOptions) *Builder {
	return &Builder{opts: opts, log: hybridrt.OrNop(opts.Logger)}
}

func finite(v mgl32.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return false
		}
	}
	return true
}

func positive(v mgl32.Vec3) bool {
	return finite(v) && v[0] > 0 && v[1] > 0 && v[2] > 0
}

func (b *Builder) add(shape core.Shape, albedo mgl32.Vec3) (*core.GeometryInstance, error) {
	if b.built {
		return nil, ErrAlreadyBuilt
	}
	gi := &core.GeometryInstance{
		Shape:           shape,
		Material:        core.DiffuseMaterial,
		Color:           albedo,
		LightMaterialID: -1,
	}
	b.opaque = append(b.opaque, gi)
	return gi, nil
}

// AddVolume adds a raymarched volume spanning center ± worldScale. The
// kernel's distance estimator sees it in units where worldScale maps to
// unitScale.
func (b *Builder) AddVolume(center, worldScale, unitScale, albedo mgl32.Vec3) (*core.GeometryInstance, error) {
	if !finite(center) {
		return nil, hybridrt.Configf("volume.center", "must be finite, got %v", center)
	}
	if !positive(worldScale) {
		return nil, hybridrt.Configf("volume.world_scale", "must be positive and finite, got %v", worldScale)
	}
	if !positive(unitScale) {
		return nil, hybridrt.Configf("volume.unit_scale", "must be positive and finite, got %v", unitScale)
	}
	local := mgl32.Vec3{worldScale[0] / unitScale[0], worldScale[1] / unitScale[1], worldScale[2] / unitScale[2]}
	return b.add(&core.Volume{Center: center, WorldScale: worldScale, LocalScale: local}, albedo)
}

func (b *Builder) AddSphere(center mgl32.Vec3, radius float32, albedo mgl32.Vec3) (*core.GeometryInstance, error) {
	if !finite(center) {
		return nil, hybridrt.Configf("sphere.center", "must be finite, got %v", center)
	}
	if !(radius > 0) || math.IsInf(float64(radius), 0) {
		return nil, hybridrt.Configf("sphere.radius", "must be positive and finite, got %v", radius)
	}
	return b.add(&core.Sphere{Center: center, Radius: radius}, albedo)
}

// AddMesh imports the mesh file, placing it with Translate(center)·Scale(scale).
func (b *Builder) AddMesh(path string, center, scale, albedo mgl32.Vec3) (*core.GeometryInstance, error) {
	if b.built {
		return nil, ErrAlreadyBuilt
	}
	if b.opts.Importer == nil {
		return nil, hybridrt.Configf("mesh.importer", "no mesh importer configured for %q", path)
	}
	if !finite(center) || !finite(scale) {
		return nil, hybridrt.Configf("mesh.transform", "center %v and scale %v must be finite", center, scale)
	}

	resolved := path
	if b.opts.Assets != nil {
		var err error
		if resolved, err = b.opts.Assets.Resolve(path); err != nil {
			return nil, err
		}
	}

	xf := mgl32.Translate3D(center[0], center[1], center[2]).Mul4(mgl32.Scale3D(scale[0], scale[1], scale[2]))
	tris, err := b.opts.Importer.Import(resolved, xf)
	if err != nil {
		return nil, fmt.Errorf("import mesh %s: %w", resolved, err)
	}
	if len(tris) == 0 {
		return nil, hybridrt.Configf("mesh.triangles", "%s contains no triangles", resolved)
	}
	mesh := b.meshes.add(path, tris)
	b.log.Debugf("mesh %s: %d triangles, bounds %v", resolved, len(tris), mesh.WorldBounds)
	return b.add(mesh, albedo)
}

// Build finalizes lights, creates one emissive sphere per sphere light and
// uploads both acceleration groups. Quad lights are sampled by the kernel
// but have no visible geometry. The scene owns lights from here on and
// releases its buffer, also when Build fails.
func (b *Builder) Build(dev gpu.Device, lights *LightRegistry) (*Scene, error) {
	if b.built {
		return nil, ErrAlreadyBuilt
	}
	if lights == nil {
		lights = NewLightRegistry(b.log)
	}
	if !lights.Finalized() {
		if err := lights.Finalize(dev); err != nil {
			return nil, err
		}
	}

	emitters := emitterInstances(lights.Lights())

	s := &Scene{
		Shadow:     newAccelerationGroup(PurposeShadow, b.opaque, emitters),
		Renderable: newAccelerationGroup(PurposeRenderable, b.opaque, emitters),
		Lights:     lights,
		dev:        dev,
		policy:     b.policy,
		opaque:     append([]*core.GeometryInstance(nil), b.opaque...),
	}
	for _, g := range s.groups() {
		g.build(&s.policy)
		if err := g.upload(dev); err != nil {
			s.Release()
			return nil, err
		}
	}
	if err := s.uploadMeshes(&b.meshes); err != nil {
		s.Release()
		return nil, err
	}

	b.built = true
	b.log.Infof("scene built: %d opaque instances, %d lights (%d emissive spheres)",
		len(b.opaque), lights.Count(), len(emitters))
	return s, nil
}

// emitterInstances returns one emissive sphere per sphere light. Its
// LightMaterialID is the light's index in lights.
func emitterInstances(lights []core.LightParameter) []*core.GeometryInstance {
	var out []*core.GeometryInstance
	for i, l := range lights {
		if l.Type != core.LightSphere {
			continue
		}
		out = append(out, &core.GeometryInstance{
			Shape:           &core.Sphere{Center: l.Position, Radius: l.Radius},
			Material:        core.LightMaterial,
			Color:           l.Emission,
			LightMaterialID: int32(i),
		})
	}
	return out
}

// Scene is the built, GPU-resident scene.
type Scene struct {
	Shadow     *AccelerationGroup
	Renderable *AccelerationGroup
	Lights     *LightRegistry

	dev           gpu.Device
	policy        bvh.Builder
	opaque        []*core.GeometryInstance
	meshNodes     gpu.Buffer
	meshTriangles gpu.Buffer
}

func (s *Scene) groups() []*AccelerationGroup {
	return []*AccelerationGroup{s.Shadow, s.Renderable}
}

func (s *Scene) uploadMeshes(pool *meshPool) error {
	if _, err := gpu.EnsureBuffer(s.dev, gpu.VarMeshNodes, gpu.BufferStorage, &s.meshNodes, pool.nodeBytes(), 0); err != nil {
		return hybridrt.ContextFailure("upload mesh nodes", err)
	}
	if _, err := gpu.EnsureBuffer(s.dev, gpu.VarMeshTriangles, gpu.BufferStorage, &s.meshTriangles, pool.triangleBytes(), 0); err != nil {
		return hybridrt.ContextFailure("upload mesh triangles", err)
	}
	if err := s.dev.Bind(gpu.VarMeshNodes, s.meshNodes); err != nil {
		return hybridrt.ContextFailure("bind mesh nodes", err)
	}
	if err := s.dev.Bind(gpu.VarMeshTriangles, s.meshTriangles); err != nil {
		return hybridrt.ContextFailure("bind mesh triangles", err)
	}
	return nil
}

// Ready reports an error unless both groups are built.
func (s *Scene) Ready() error {
	if s == nil {
		return errors.New("no scene attached")
	}
	for i, g := range s.groups() {
		if g == nil || !g.Built() {
			return fmt.Errorf("%s group not built", GroupPurpose(i))
		}
	}
	return nil
}

func (s *Scene) NumLights() uint32 { return uint32(s.Lights.Count()) }

// PatchColor changes the albedo (or emission, for lights) of inst and
// re-uploads the records of every group holding it. Patching an emitter
// also rewrites its light record so sampling and the visible sphere agree.
func (s *Scene) PatchColor(inst *core.GeometryInstance, color mgl32.Vec3) error {
	found := false
	for _, g := range s.groups() {
		if g.Contains(inst) {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("scene: instance %v is not part of this scene", inst.Shape.Kind())
	}
	if inst.Material == core.LightMaterial {
		if err := s.Lights.setEmission(s.dev, int(inst.LightMaterialID), color); err != nil {
			return err
		}
	}
	inst.Color = color
	for _, g := range s.groups() {
		if !g.Contains(inst) {
			continue
		}
		records, err := g.recordBytes()
		if err != nil {
			return err
		}
		if err := gpu.Write(s.dev, g.records, records); err != nil {
			return hybridrt.ContextFailure("patch "+g.Purpose.String(), err)
		}
	}
	return nil
}

// RebuildLights replaces the light set of a built scene. The emissive
// spheres are regenerated so every LightMaterialID indexes the new buffer,
// and both groups are rebuilt and uploaded again. Callers publishing the
// light count must refresh it afterwards.
func (s *Scene) RebuildLights(lights []core.LightParameter) error {
	if err := s.Lights.rebuild(s.dev, lights); err != nil {
		return err
	}
	emitters := emitterInstances(s.Lights.Lights())
	for _, g := range s.groups() {
		next := newAccelerationGroup(g.Purpose, s.opaque, emitters)
		next.nodes, next.records = g.nodes, g.records
		next.build(&s.policy)
		err := next.upload(s.dev)
		// upload may have replaced the buffers even when it failed.
		g.nodes, g.records = next.nodes, next.records
		if err != nil {
			g.built = false
			return err
		}
		*g = *next
	}
	s.Lights.log.Infof("lights rebuilt: %d lights (%d emissive spheres)", s.Lights.Count(), len(emitters))
	return nil
}

// Instances returns the renderable instances in upload order.
func (s *Scene) Instances() []*core.GeometryInstance {
	return append([]*core.GeometryInstance(nil), s.Renderable.Instances...)
}

// Release frees the group, light and mesh buffers.
func (s *Scene) Release() {
	for _, g := range s.groups() {
		if g != nil {
			g.release(s.dev)
		}
	}
	if s.Lights != nil {
		s.Lights.release(s.dev)
	}
	for _, b := range []gpu.Buffer{s.meshNodes, s.meshTriangles} {
		if b != nil {
			s.dev.Release(b)
		}
	}
	s.meshNodes, s.meshTriangles = nil, nil
}
