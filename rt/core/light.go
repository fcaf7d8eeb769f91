package core

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type LightType uint32

const (
	LightSphere LightType = 0
	LightQuad   LightType = 1
)

func (t LightType) String() string {
	if t == LightQuad {
		return "quad"
	}
	return "sphere"
}

// LightParameter is the GPU representation of an emitter
//
//	struct LightParameter {
//	    position  : vec4<f32>, // xyz, radius
//	    emission  : vec4<f32>, // rgb, area
//	    u         : vec4<f32>,
//	    v         : vec4<f32>,
//	    normal    : vec4<f32>, // xyz, light_type (u32 bits)
//	}; -> 80 bytes
type LightParameter struct {
	Type     LightType
	Position mgl32.Vec3
	Emission mgl32.Vec3
	Radius   float32
	Area     float32
	U        mgl32.Vec3
	V        mgl32.Vec3
	Normal   mgl32.Vec3
}

const LightParameterSize = 80

// Prepare fills in the derived fields: area and a unit normal.
func (l *LightParameter) Prepare() {
	switch l.Type {
	case LightQuad:
		n := l.U.Cross(l.V)
		l.Area = n.Len()
		if l.Normal.Len() == 0 {
			l.Normal = n
		}
	default:
		l.Area = 4 * math.Pi * l.Radius * l.Radius
	}
	l.Normal = normalizeSafe(l.Normal)
}

// Bounds of the emitter geometry.
func (l *LightParameter) Bounds() [2]mgl32.Vec3 {
	if l.Type == LightQuad {
		corners := [4]mgl32.Vec3{
			l.Position,
			l.Position.Add(l.U),
			l.Position.Add(l.V),
			l.Position.Add(l.U).Add(l.V),
		}
		return boundsOf(corners[:])
	}
	r := mgl32.Vec3{l.Radius, l.Radius, l.Radius}
	return [2]mgl32.Vec3{l.Position.Sub(r), l.Position.Add(r)}
}

func (l *LightParameter) ToBytes() []byte {
	buf := make([]byte, LightParameterSize)
	l.Put(buf)
	return buf
}

func (l *LightParameter) Put(buf []byte) {
	PutVec3(buf[0:16], l.Position, l.Radius)
	PutVec3(buf[16:32], l.Emission, l.Area)
	PutVec3(buf[32:48], l.U, 0)
	PutVec3(buf[48:64], l.V, 0)
	PutVec3Bits(buf[64:80], l.Normal, uint32(l.Type))
}

func LightParameterFromBytes(buf []byte) LightParameter {
	pos := ReadVec4(buf[0:16])
	em := ReadVec4(buf[16:32])
	u := ReadVec4(buf[32:48])
	v := ReadVec4(buf[48:64])
	n := ReadVec4(buf[64:80])
	return LightParameter{
		Type:     LightType(binary.LittleEndian.Uint32(buf[76:80])),
		Position: mgl32.Vec3{pos[0], pos[1], pos[2]},
		Radius:   pos[3],
		Emission: mgl32.Vec3{em[0], em[1], em[2]},
		Area:     em[3],
		U:        mgl32.Vec3{u[0], u[1], u[2]},
		V:        mgl32.Vec3{v[0], v[1], v[2]},
		Normal:   mgl32.Vec3{n[0], n[1], n[2]},
	}
}

func boundsOf(pts []mgl32.Vec3) [2]mgl32.Vec3 {
	inf := float32(math.Inf(1))
	lo := mgl32.Vec3{inf, inf, inf}
	hi := mgl32.Vec3{-inf, -inf, -inf}
	for _, p := range pts {
		for i := 0; i < 3; i++ {
			lo[i] = min(lo[i], p[i])
			hi[i] = max(hi[i], p[i])
		}
	}
	return [2]mgl32.Vec3{lo, hi}
}
