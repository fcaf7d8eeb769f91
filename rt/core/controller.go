package core

import (
	"github.com/go-gl/mathgl/mgl32"
)

type ControlState int

const (
	Idle ControlState = iota
	Orbiting
	Panning
	Dollying
)

func (s ControlState) String() string {
	switch s {
	case Orbiting:
		return "orbiting"
	case Panning:
		return "panning"
	case Dollying:
		return "dollying"
	}
	return "idle"
}

type Button int

const (
	ButtonLeft Button = iota
	ButtonMiddle
	ButtonRight
)

// CameraController turns pointer drags into camera motion. Moves are
// accumulated as events arrive and applied once per frame by Resolve.
type CameraController struct {
	cfg     CameraConfig
	cam     CameraState
	arcball Arcball

	state ControlState
	prev  [2]int
}

func NewCameraController(cfg CameraConfig) *CameraController {
	if cfg.RotationMultiplier < 0 {
		cfg.RotationMultiplier = 0
	}
	return &CameraController{
		cfg:     cfg,
		cam:     NewCameraState(cfg),
		arcball: NewArcball(),
	}
}

func (c *CameraController) State() ControlState { return c.state }
func (c *CameraController) Camera() CameraState { return c.cam }
func (c *CameraController) Eye() mgl32.Vec3     { return c.cam.Eye }
func (c *CameraController) LookAt() mgl32.Vec3  { return c.cam.LookAt }
func (c *CameraController) Dirty() bool         { return c.cam.Dirty }
func (c *CameraController) MarkDirty()          { c.cam.Dirty = true }

func (c *CameraController) ButtonDown(b Button, x, y int) {
	switch b {
	case ButtonLeft:
		c.state = Orbiting
	case ButtonMiddle:
		c.state = Panning
	case ButtonRight:
		c.state = Dollying
	default:
		c.state = Idle
	}
	c.prev = [2]int{x, y}
}

func (c *CameraController) ButtonUp() {
	c.state = Idle
}

// PointerMove applies the active motion model for a cursor move to (x, y)
// in a width x height viewport.
func (c *CameraController) PointerMove(x, y, width, height int) {
	if c.state == Idle {
		return
	}
	if width <= 0 || height <= 0 {
		c.prev = [2]int{x, y}
		return
	}

	w, h := float32(width), float32(height)
	dx := float32(x-c.prev[0]) / w
	dy := float32(y-c.prev[1]) / h

	switch c.state {
	case Dollying:
		d := dy
		if abs32(dx) > abs32(dy) {
			d = dx
		}
		if d > c.cfg.MaxDolly {
			d = c.cfg.MaxDolly
		}
		c.cam.Eye = c.cam.Eye.Add(c.cam.LookAt.Sub(c.cam.Eye).Mul(d))
	case Orbiting:
		from := mgl32.Vec2{float32(x) / w, float32(y) / h}
		to := mgl32.Vec2{float32(c.prev[0]) / w, float32(c.prev[1]) / h}
		c.cam.Rotate = c.arcball.Rotate(from, to).Mul4(c.cam.Rotate)
	case Panning:
		frame := c.basis(1).Frame(c.cam.LookAt)
		offset := frame.Mul4x1(mgl32.Vec4{-dx, dy, 0, 0}).Vec3().Mul(c.cfg.PanScale)
		c.cam.Eye = c.cam.Eye.Add(offset)
		c.cam.LookAt = c.cam.LookAt.Add(offset)
	}

	c.cam.Dirty = true
	c.prev = [2]int{x, y}
}

// Resolve applies the pending rotation to the pose, resets it and reports
// whether the pose changed since the previous resolve.
func (c *CameraController) Resolve(aspect float32) CameraFrame {
	frame := c.basis(aspect).Frame(c.cam.LookAt)

	rot := mgl32.Ident4()
	for i := 0; i < c.cfg.RotationMultiplier; i++ {
		rot = rot.Mul4(c.cam.Rotate)
	}
	trans := frame.Mul4(rot).Mul4(frame.Inv())

	c.cam.Eye = trans.Mul4x1(c.cam.Eye.Vec4(1)).Vec3()
	c.cam.LookAt = trans.Mul4x1(c.cam.LookAt.Vec4(1)).Vec3()
	c.cam.Rotate = mgl32.Ident4()

	out := CameraFrame{
		Eye:    c.cam.Eye,
		LookAt: c.cam.LookAt,
		Basis:  c.basis(aspect),
		Reset:  c.cam.Dirty,
	}
	c.cam.Dirty = false
	return out
}

func (c *CameraController) basis(aspect float32) CameraBasis {
	return CalculateBasis(c.cam.Eye, c.cam.LookAt, c.cam.Up, c.cfg.FovY, aspect)
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}
