package core

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// Arcball maps normalized screen positions ([0,1], y down) onto a virtual
// trackball centered at Center with the given Radius.
type Arcball struct {
	Center mgl32.Vec2
	Radius float32
}

func NewArcball() Arcball {
	return Arcball{Center: mgl32.Vec2{0.5, 0.5}, Radius: 0.45}
}

// ToSphere projects p onto the unit hemisphere facing the viewer. Points
// outside the ball land on its silhouette.
func (a Arcball) ToSphere(p mgl32.Vec2) mgl32.Vec3 {
	x := (p.X() - a.Center.X()) / a.Radius
	y := (1 - p.Y() - a.Center.Y()) / a.Radius
	z := float32(0)

	len2 := x*x + y*y
	if len2 > 1 {
		l := float32(math.Sqrt(float64(len2)))
		x /= l
		y /= l
	} else {
		z = float32(math.Sqrt(float64(1 - len2)))
	}
	return mgl32.Vec3{x, y, z}
}

// Rotate returns the rotation carrying from onto to.
func (a Arcball) Rotate(from, to mgl32.Vec2) mgl32.Mat4 {
	p := a.ToSphere(from)
	q := a.ToSphere(to)

	rot := mgl32.Quat{W: p.Dot(q), V: p.Cross(q)}
	if rot.Len() == 0 {
		return mgl32.Ident4()
	}
	return rot.Normalize().Mat4()
}
