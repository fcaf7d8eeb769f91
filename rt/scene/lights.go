package scene

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/core"
	"github.com/gekko3d/hybridrt/rt/gpu"
)

var ErrRegistryFinalized = errors.New("scene: light registry already finalized")

// LightRegistry owns the emitter list and its mirror in sysLightParameters.
// The GPU buffer always holds exactly one record per light, in registration
// order, so a light's index is also the lightMaterialId of its instance.
type LightRegistry struct {
	log       hybridrt.Logger
	lights    []core.LightParameter
	finalized bool
	buf       gpu.Buffer
}

func NewLightRegistry(logger hybridrt.Logger) *LightRegistry {
	return &LightRegistry{log: hybridrt.OrNop(logger)}
}

// Register appends l and returns its index.
func (r *LightRegistry) Register(l core.LightParameter) (int, error) {
	if r.finalized {
		return -1, ErrRegistryFinalized
	}
	if err := validateLight(l); err != nil {
		return -1, err
	}
	r.lights = append(r.lights, l)
	return len(r.lights) - 1, nil
}

func validateLight(l core.LightParameter) error {
	switch l.Type {
	case core.LightSphere:
		if !(l.Radius > 0) || math.IsInf(float64(l.Radius), 0) {
			return hybridrt.Configf("light.radius", "must be positive and finite, got %v", l.Radius)
		}
	case core.LightQuad:
		if l.U.Cross(l.V).Len() == 0 {
			return hybridrt.Configf("light.uv", "quad edges %v and %v span no area", l.U, l.V)
		}
	default:
		return hybridrt.Configf("light.type", "unknown light type %d", l.Type)
	}
	for i := 0; i < 3; i++ {
		if l.Emission[i] < 0 {
			return hybridrt.Configf("light.emission", "must be non-negative, got %v", l.Emission)
		}
	}
	return nil
}

// Finalize derives area and normal for every light, uploads them and binds
// the buffer. No lights may be registered afterwards.
func (r *LightRegistry) Finalize(dev gpu.Device) error {
	if r.finalized {
		return ErrRegistryFinalized
	}
	if err := r.upload(dev); err != nil {
		return err
	}
	r.finalized = true
	return nil
}

// rebuild replaces the whole light set. The buffer is reallocated and
// rewritten in full. Instances referring to the lights must be regenerated
// by the caller, see Scene.RebuildLights.
func (r *LightRegistry) rebuild(dev gpu.Device, lights []core.LightParameter) error {
	for _, l := range lights {
		if err := validateLight(l); err != nil {
			return err
		}
	}
	r.lights = append([]core.LightParameter(nil), lights...)
	if err := r.upload(dev); err != nil {
		return err
	}
	r.finalized = true
	return nil
}

func (r *LightRegistry) upload(dev gpu.Device) error {
	for i := range r.lights {
		r.lights[i].Prepare()
	}

	// A zero-sized storage buffer cannot be bound, so an empty registry
	// still gets one (unused) record.
	records := max(len(r.lights), 1)
	r.release(dev)
	buf, err := dev.CreateBuffer(gpu.VarLights, gpu.BufferStorage, uint64(records*core.LightParameterSize))
	if err != nil {
		return hybridrt.ContextFailure("create light buffer", err)
	}
	r.buf = buf

	if err := r.write(dev); err != nil {
		r.release(dev)
		return err
	}
	if err := dev.Bind(gpu.VarLights, buf); err != nil {
		r.release(dev)
		return hybridrt.ContextFailure("bind light buffer", err)
	}
	r.log.Debugf("uploaded %d lights (%d bytes)", len(r.lights), buf.Size())
	return nil
}

// write rewrites every record of the existing buffer in one
// write-discard map.
func (r *LightRegistry) write(dev gpu.Device) error {
	dst, err := dev.Map(r.buf, gpu.MapWriteDiscard)
	if err != nil {
		return hybridrt.ContextFailure("map light buffer", err)
	}
	for i := range r.lights {
		r.lights[i].Put(dst[i*core.LightParameterSize:])
	}
	if err := dev.Unmap(r.buf); err != nil {
		return hybridrt.ContextFailure("unmap light buffer", err)
	}
	return nil
}

func (r *LightRegistry) setEmission(dev gpu.Device, index int, emission mgl32.Vec3) error {
	if index < 0 || index >= len(r.lights) {
		return fmt.Errorf("scene: light %d out of range (%d lights)", index, len(r.lights))
	}
	if r.buf == nil {
		return hybridrt.ContextFailure("patch light", errors.New("light buffer not uploaded"))
	}
	r.lights[index].Emission = emission
	return r.write(dev)
}

func (r *LightRegistry) release(dev gpu.Device) {
	if r.buf != nil {
		dev.Release(r.buf)
		r.buf = nil
	}
}

func (r *LightRegistry) Lights() []core.LightParameter {
	return append([]core.LightParameter(nil), r.lights...)
}

func (r *LightRegistry) Count() int         { return len(r.lights) }
func (r *LightRegistry) Finalized() bool    { return r.finalized }
func (r *LightRegistry) Buffer() gpu.Buffer { return r.buf }

func (r *LightRegistry) String() string {
	return fmt.Sprintf("LightRegistry{%d lights, finalized=%t}", len(r.lights), r.finalized)
}
