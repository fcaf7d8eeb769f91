package gpu

import (
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gekko3d/hybridrt/rt/core"
)

// Params are the kernel globals
//
//	struct Params {
//	    eye       : vec4<f32>, // xyz, scene_epsilon
//	    u         : vec4<f32>,
//	    v         : vec4<f32>,
//	    w         : vec4<f32>,
//	    bad_color : vec4<f32>,
//	    frame     : vec4<u32>, // frame_number, width, height, num_lights
//	    trace     : vec4<u32>, // max_depth, rr_begin_depth, sample_per_launch, pad
//	    env       : vec4<u32>, // env_width, env_height, miss program, exception program
//	}; -> 128 bytes
type Params struct {
	Eye          mgl32.Vec3
	U            mgl32.Vec3
	V            mgl32.Vec3
	W            mgl32.Vec3
	SceneEpsilon float32
	BadColor     mgl32.Vec3

	FrameNumber uint32
	Width       uint32
	Height      uint32
	NumLights   uint32

	MaxDepth         uint32
	RRBeginDepth     uint32
	SamplesPerLaunch uint32

	EnvWidth         uint32
	EnvHeight        uint32
	MissProgram      uint32
	ExceptionProgram uint32
}

const ParamsSize = 128

func (p *Params) ToBytes() []byte {
	buf := make([]byte, ParamsSize)
	core.PutVec3(buf[0:16], p.Eye, p.SceneEpsilon)
	core.PutVec3(buf[16:32], p.U, 0)
	core.PutVec3(buf[32:48], p.V, 0)
	core.PutVec3(buf[48:64], p.W, 0)
	core.PutVec3(buf[64:80], p.BadColor, 0)
	core.PutUint4(buf[80:96], [4]uint32{p.FrameNumber, p.Width, p.Height, p.NumLights})
	core.PutUint4(buf[96:112], [4]uint32{p.MaxDepth, p.RRBeginDepth, p.SamplesPerLaunch, 0})
	core.PutUint4(buf[112:128], [4]uint32{p.EnvWidth, p.EnvHeight, p.MissProgram, p.ExceptionProgram})
	return buf
}
