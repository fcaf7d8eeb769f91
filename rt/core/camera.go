package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

type CameraConfig struct {
	Eye    mgl32.Vec3
	LookAt mgl32.Vec3
	Up     mgl32.Vec3
	FovY   float32 // degrees

	// RotationMultiplier is how many times the pending orbit rotation is
	// applied per resolve. Older SDK builds applied it twice.
	RotationMultiplier int
	PanScale           float32 // world units per normalized screen unit
	MaxDolly           float32 // max fraction of eye->lookat per move event
}

func DefaultCameraConfig() CameraConfig {
	return CameraConfig{
		Eye:                mgl32.Vec3{13.91, 166.787, 413.00},
		LookAt:             mgl32.Vec3{-6.59, 169.94, -9.11},
		Up:                 mgl32.Vec3{0, 1, 0},
		FovY:               35,
		RotationMultiplier: 2,
		PanScale:           200,
		MaxDolly:           0.9,
	}
}

type CameraState struct {
	Eye    mgl32.Vec3
	LookAt mgl32.Vec3
	Up     mgl32.Vec3
	Rotate mgl32.Mat4 // pending rotation, identity when idle
	Dirty  bool
}

func NewCameraState(cfg CameraConfig) CameraState {
	return CameraState{
		Eye:    cfg.Eye,
		LookAt: cfg.LookAt,
		Up:     cfg.Up,
		Rotate: mgl32.Ident4(),
		Dirty:  true,
	}
}

// CameraBasis is the unnormalized ray-generation basis: U and V span the
// image plane at the lookat distance, W points from eye to lookat.
type CameraBasis struct {
	U mgl32.Vec3
	V mgl32.Vec3
	W mgl32.Vec3
}

func CalculateBasis(eye, lookat, up mgl32.Vec3, fovY, aspect float32) CameraBasis {
	w := lookat.Sub(eye)
	wlen := w.Len()
	u := normalizeSafe(w.Cross(up))
	v := normalizeSafe(u.Cross(w))

	vlen := wlen * float32(math.Tan(0.5*float64(fovY)*math.Pi/180.0))
	ulen := vlen * aspect
	return CameraBasis{
		U: u.Mul(ulen),
		V: v.Mul(vlen),
		W: w,
	}
}

// Frame maps camera space to world space: columns are the normalized basis
// (U, V, -W) with the lookat point as origin.
func (b CameraBasis) Frame(lookat mgl32.Vec3) mgl32.Mat4 {
	return mgl32.Mat4FromCols(
		normalizeSafe(b.U).Vec4(0),
		normalizeSafe(b.V).Vec4(0),
		normalizeSafe(b.W.Mul(-1)).Vec4(0),
		lookat.Vec4(1),
	)
}

// CameraFrame is the resolved camera pose handed to the render context.
type CameraFrame struct {
	Eye    mgl32.Vec3
	LookAt mgl32.Vec3
	Basis  CameraBasis
	Reset  bool // accumulation must restart
}

func normalizeSafe(v mgl32.Vec3) mgl32.Vec3 {
	if v.Len() == 0 {
		return v
	}
	return v.Normalize()
}
