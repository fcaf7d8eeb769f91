package core

import (
	"encoding/binary"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// GPU structs are packed by hand as little-endian vec4 rows to match the
// WGSL std430 layouts in rt/shaders.

func Vec4Bytes(v [4]float32) []byte {
	buf := make([]byte, 16)
	PutVec4(buf, v)
	return buf
}

func PutVec4(buf []byte, v [4]float32) {
	binary.LittleEndian.PutUint32(buf[0:4], math.Float32bits(v[0]))
	binary.LittleEndian.PutUint32(buf[4:8], math.Float32bits(v[1]))
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(v[2]))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(v[3]))
}

// PutVec3 writes v with w in the fourth lane.
func PutVec3(buf []byte, v mgl32.Vec3, w float32) {
	PutVec4(buf, [4]float32{v[0], v[1], v[2], w})
}

// PutVec3Bits writes v with raw bits in the fourth lane (ints, enums).
func PutVec3Bits(buf []byte, v mgl32.Vec3, w uint32) {
	PutVec4(buf, [4]float32{v[0], v[1], v[2], 0})
	binary.LittleEndian.PutUint32(buf[12:16], w)
}

func PutUint4(buf []byte, v [4]uint32) {
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], x)
	}
}

func ReadVec4(buf []byte) [4]float32 {
	return [4]float32{
		math.Float32frombits(binary.LittleEndian.Uint32(buf[0:4])),
		math.Float32frombits(binary.LittleEndian.Uint32(buf[4:8])),
		math.Float32frombits(binary.LittleEndian.Uint32(buf[8:12])),
		math.Float32frombits(binary.LittleEndian.Uint32(buf[12:16])),
	}
}
