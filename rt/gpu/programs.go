package gpu

import "fmt"

type Stage int

const (
	StageRayGen Stage = iota
	StageMiss
	StageException
	StageIntersection
	StageClosestHit
	StageAnyHit
)

func (s Stage) String() string {
	switch s {
	case StageRayGen:
		return "ray_generation"
	case StageMiss:
		return "miss"
	case StageException:
		return "exception"
	case StageIntersection:
		return "intersection"
	case StageClosestHit:
		return "closest_hit"
	case StageAnyHit:
		return "any_hit"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Program is one entry of the path tracing kernel's program table. The ray
// generation program is a compute entry point; every other program is
// selected inside the kernel by ID.
type Program struct {
	Name  string
	Stage Stage
	ID    uint32
}

// Program IDs mirror the PROG_* constants in shaders/pathtrace.wgsl.
var programs = []Program{
	{"pathtrace_camera", StageRayGen, 0},
	{"envmap_miss", StageMiss, 1},
	{"exception", StageException, 2},
	{"raymarch_intersect", StageIntersection, 3},
	{"sphere_intersect", StageIntersection, 4},
	{"mesh_intersect", StageIntersection, 5},
	{"closest_hit", StageClosestHit, 6},
	{"shadow", StageAnyHit, 7},
	{"light_closest_hit", StageClosestHit, 8},
}

func LookupProgram(name string) (Program, error) {
	for _, p := range programs {
		if p.Name == name {
			return p, nil
		}
	}
	return Program{}, fmt.Errorf("%w: %q", ErrUnknownProgram, name)
}

// ProgramID resolves any program name regardless of stage.
func ProgramID(name string) (uint32, error) {
	p, err := LookupProgram(name)
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

// CheckStage validates that name is a known program of the given stage.
func CheckStage(stage Stage, name string) (Program, error) {
	p, err := LookupProgram(name)
	if err != nil {
		return Program{}, err
	}
	if p.Stage != stage {
		return Program{}, fmt.Errorf("gpu: program %q is a %s program, not %s", name, p.Stage, stage)
	}
	return p, nil
}

// Kernel variables. Each maps to a binding slot in group 0 of the kernel.
const (
	VarParams            = "params"
	VarOutput            = "output_buffer"
	VarEnvMap            = "envmap"
	VarLights            = "sysLightParameters"
	VarObjectNodes       = "top_object_nodes"
	VarObjectInstances   = "top_object_instances"
	VarShadowerNodes     = "top_shadower_nodes"
	VarShadowerInstances = "top_shadower_instances"
	VarMeshNodes         = "mesh_nodes"
	VarMeshTriangles     = "mesh_triangles"
)

var bindings = map[string]uint32{
	VarParams:            0,
	VarOutput:            1,
	VarEnvMap:            2,
	VarLights:            3,
	VarObjectNodes:       4,
	VarObjectInstances:   5,
	VarShadowerNodes:     6,
	VarShadowerInstances: 7,
	VarMeshNodes:         8,
	VarMeshTriangles:     9,
}

func BindingSlot(variable string) (uint32, error) {
	slot, ok := bindings[variable]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownVariable, variable)
	}
	return slot, nil
}

// MissingBindings lists the kernel variables not present in bound.
func MissingBindings[B any](bound map[string]B) []string {
	var missing []string
	for _, v := range Variables() {
		if _, ok := bound[v]; !ok {
			missing = append(missing, v)
		}
	}
	return missing
}

// Variables returns every kernel variable in binding order.
func Variables() []string {
	out := make([]string, len(bindings))
	for v, slot := range bindings {
		out[slot] = v
	}
	return out
}
