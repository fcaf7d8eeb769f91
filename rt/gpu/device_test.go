package gpu_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gekko3d/hybridrt/rt/gpu"
	"github.com/gekko3d/hybridrt/rt/gpu/gputest"
)

func TestEnsureBufferGrowsOnlyWhenNeeded(t *testing.T) {
	dev := gputest.NewDevice()
	var buf gpu.Buffer

	recreated, err := gpu.EnsureBuffer(dev, "Instances", gpu.BufferStorage, &buf, make([]byte, 30), 0)
	require.NoError(t, err)
	assert.True(t, recreated)
	assert.Equal(t, uint64(32), buf.Size())

	first := buf
	recreated, err = gpu.EnsureBuffer(dev, "Instances", gpu.BufferStorage, &buf, []byte{1, 2, 3, 4}, 0)
	require.NoError(t, err)
	assert.False(t, recreated)
	assert.Same(t, first, buf)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.(*gputest.Buffer).Data[:4])

	recreated, err = gpu.EnsureBuffer(dev, "Instances", gpu.BufferStorage, &buf, make([]byte, 100), 28)
	require.NoError(t, err)
	assert.True(t, recreated)
	assert.Equal(t, uint64(128), buf.Size())
	assert.True(t, first.(*gputest.Buffer).Released)
}

func TestWriteRejectsOversizedData(t *testing.T) {
	dev := gputest.NewDevice()
	buf, err := dev.CreateBuffer("small", gpu.BufferStorage, 4)
	require.NoError(t, err)

	assert.Error(t, gpu.Write(dev, buf, make([]byte, 8)))
	assert.Empty(t, dev.Maps)
}

func TestReadReturnsCopy(t *testing.T) {
	dev := gputest.NewDevice()
	buf, err := dev.CreateBuffer("out", gpu.BufferStorage, 4)
	require.NoError(t, err)
	require.NoError(t, gpu.Write(dev, buf, []byte{9, 8, 7, 6}))

	got, err := gpu.Read(dev, buf)
	require.NoError(t, err)
	got[0] = 0
	assert.Equal(t, byte(9), buf.(*gputest.Buffer).Data[0])
	assert.Equal(t, []gputest.MapEvent{
		{Label: "out", Mode: gpu.MapWriteDiscard},
		{Label: "out", Mode: gpu.MapRead},
	}, dev.Maps)
}

func TestAttachProgramChecksStage(t *testing.T) {
	dev := gputest.NewDevice()

	id, err := dev.AttachProgram(gpu.StageMiss, "envmap_miss")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	_, err = dev.AttachProgram(gpu.StageMiss, "exception")
	assert.Error(t, err)

	_, err = dev.AttachProgram(gpu.StageRayGen, "no_such_program")
	assert.ErrorIs(t, err, gpu.ErrUnknownProgram)
}

func TestLaunchNeedsEveryBinding(t *testing.T) {
	dev := gputest.NewDevice()
	_, err := dev.AttachProgram(gpu.StageRayGen, "pathtrace_camera")
	require.NoError(t, err)

	err = dev.Launch(4, 4)
	require.ErrorIs(t, err, gpu.ErrIncomplete)

	for _, v := range gpu.Variables() {
		buf, err := dev.CreateBuffer(v, gpu.BufferStorage, 16)
		require.NoError(t, err)
		require.NoError(t, dev.Bind(v, buf))
	}
	require.NoError(t, dev.Launch(4, 4))
	assert.Equal(t, 1, dev.LaunchCount())

	assert.ErrorIs(t, dev.Bind("NumLights", dev.Bound(gpu.VarParams)), gpu.ErrUnknownVariable)
}

func TestVariablesFollowBindingOrder(t *testing.T) {
	vars := gpu.Variables()
	require.Len(t, vars, 10)
	for i, v := range vars {
		slot, err := gpu.BindingSlot(v)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), slot)
	}
}

func TestParamsLayout(t *testing.T) {
	p := gpu.Params{
		Eye:              mgl32.Vec3{1, 2, 3},
		SceneEpsilon:     0.001,
		BadColor:         mgl32.Vec3{1e6, 0, 1e6},
		FrameNumber:      7,
		Width:            480,
		Height:           270,
		NumLights:        2,
		MaxDepth:         10,
		RRBeginDepth:     1,
		SamplesPerLaunch: 2,
		MissProgram:      1,
		ExceptionProgram: 2,
	}
	buf := p.ToBytes()
	require.Len(t, buf, gpu.ParamsSize)

	f := func(off int) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(buf[off:])) }
	u := func(off int) uint32 { return binary.LittleEndian.Uint32(buf[off:]) }

	assert.Equal(t, float32(0.001), f(12))
	assert.Equal(t, float32(1e6), f(64))
	assert.Equal(t, []uint32{7, 480, 270, 2}, []uint32{u(80), u(84), u(88), u(92)})
	assert.Equal(t, []uint32{10, 1, 2}, []uint32{u(96), u(100), u(104)})
	assert.Equal(t, []uint32{1, 2}, []uint32{u(120), u(124)})
}
