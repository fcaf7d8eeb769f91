package scene

import (
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/core"
	"github.com/gekko3d/hybridrt/rt/gpu"
	"github.com/gekko3d/hybridrt/rt/gpu/gputest"
)

func TestFinalizeTwoSphereLights(t *testing.T) {
	dev := gputest.NewDevice()
	reg := NewLightRegistry(nil)

	for _, l := range DefaultLights() {
		_, err := reg.Register(l)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Finalize(dev))

	buf := dev.Bound(gpu.VarLights)
	require.NotNil(t, buf)
	require.Equal(t, uint64(2*core.LightParameterSize), buf.Size())

	first := core.LightParameterFromBytes(buf.Data[:core.LightParameterSize])
	assert.Equal(t, core.LightSphere, first.Type)
	assert.Equal(t, mgl32.Vec3{50, 310, 50}, first.Position)
	assert.Equal(t, float32(10), first.Radius)
	assert.Equal(t, mgl32.Vec3{1, 1, 1}, first.Emission)
	assert.InDelta(t, 4*math.Pi*100, first.Area, 1e-2)

	second := core.LightParameterFromBytes(buf.Data[core.LightParameterSize:])
	assert.Equal(t, float32(2), second.Radius)
	assert.InDelta(t, 4*math.Pi*4, second.Area, 1e-3)

	assert.Equal(t, []gputest.MapEvent{{Label: gpu.VarLights, Mode: gpu.MapWriteDiscard}}, dev.MapsOf(gpu.VarLights))
}

func TestRegisterAfterFinalize(t *testing.T) {
	reg := NewLightRegistry(nil)
	require.NoError(t, reg.Finalize(gputest.NewDevice()))

	_, err := reg.Register(DefaultLights()[0])
	assert.ErrorIs(t, err, ErrRegistryFinalized)
	assert.ErrorIs(t, reg.Finalize(gputest.NewDevice()), ErrRegistryFinalized)
}

func TestEmptyRegistryStillBindsARecord(t *testing.T) {
	dev := gputest.NewDevice()
	reg := NewLightRegistry(nil)
	require.NoError(t, reg.Finalize(dev))

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, uint64(core.LightParameterSize), dev.Bound(gpu.VarLights).Size())
}

func TestRegisterRejectsDegenerateLights(t *testing.T) {
	reg := NewLightRegistry(nil)

	_, err := reg.Register(core.LightParameter{Type: core.LightSphere, Radius: 0})
	assert.ErrorIs(t, err, hybridrt.ErrConfiguration)

	_, err = reg.Register(core.LightParameter{Type: core.LightQuad, U: mgl32.Vec3{1, 0, 0}, V: mgl32.Vec3{2, 0, 0}})
	assert.ErrorIs(t, err, hybridrt.ErrConfiguration)

	_, err = reg.Register(core.LightParameter{Type: core.LightSphere, Radius: 1, Emission: mgl32.Vec3{-1, 0, 0}})
	assert.ErrorIs(t, err, hybridrt.ErrConfiguration)

	assert.Equal(t, 0, reg.Count())
}

func TestRebuildReallocatesExactly(t *testing.T) {
	dev := gputest.NewDevice()
	reg := NewLightRegistry(nil)
	for _, l := range DefaultLights() {
		_, err := reg.Register(l)
		require.NoError(t, err)
	}
	require.NoError(t, reg.Finalize(dev))
	old := dev.Bound(gpu.VarLights)

	quad := core.LightParameter{
		Type:     core.LightQuad,
		Position: mgl32.Vec3{0, 400, 0},
		U:        mgl32.Vec3{10, 0, 0},
		V:        mgl32.Vec3{0, 0, 10},
		Emission: mgl32.Vec3{5, 5, 5},
	}
	require.NoError(t, reg.rebuild(dev, []core.LightParameter{quad}))

	assert.True(t, old.Released)
	buf := dev.Bound(gpu.VarLights)
	require.Equal(t, uint64(core.LightParameterSize), buf.Size())
	got := core.LightParameterFromBytes(buf.Data)
	assert.Equal(t, core.LightQuad, got.Type)
	assert.InDelta(t, 100, got.Area, 1e-3)
	assert.Equal(t, 1, reg.Count())
}
