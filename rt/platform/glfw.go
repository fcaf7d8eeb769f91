// Package platform adapts a GLFW window to the render loop.
package platform

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"

	"github.com/gekko3d/hybridrt/rt/app"
	"github.com/gekko3d/hybridrt/rt/core"
)

// GLFWWindow is a client-API-less GLFW window whose callbacks feed an
// InputDispatcher. It must be created and polled on the main thread.
type GLFWWindow struct {
	Window *glfw.Window
}

// NewGLFWWindow initializes GLFW and opens a window. Call Destroy when done.
func NewGLFWWindow(title string, width, height int) (*GLFWWindow, error) {
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("glfw init: %w", err)
	}
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	w, err := glfw.CreateWindow(width, height, title, nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("create window: %w", err)
	}
	return &GLFWWindow{Window: w}, nil
}

func (w *GLFWWindow) SurfaceDescriptor() *wgpu.SurfaceDescriptor {
	return wgpuglfw.GetSurfaceDescriptor(w.Window)
}

func (w *GLFWWindow) FramebufferSize() (int, int) {
	return w.Window.GetFramebufferSize()
}

// Attach routes the window's input callbacks into d.
func (w *GLFWWindow) Attach(d *app.InputDispatcher) {
	w.Window.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		if width > 0 && height > 0 {
			d.Push(app.Resize{Width: width, Height: height})
		}
	})
	w.Window.SetCursorPosCallback(func(_ *glfw.Window, x, y float64) {
		d.Push(app.PointerMove{X: int(x), Y: int(y)})
	})
	w.Window.SetMouseButtonCallback(func(gw *glfw.Window, button glfw.MouseButton, action glfw.Action, _ glfw.ModifierKey) {
		b, ok := buttons[button]
		if !ok || action == glfw.Repeat {
			return
		}
		x, y := gw.GetCursorPos()
		d.Push(app.PointerButton{Button: b, Pressed: action == glfw.Press, X: int(x), Y: int(y)})
	})
	w.Window.SetCharCallback(func(_ *glfw.Window, char rune) {
		d.Push(app.Key{Rune: char})
	})
	w.Window.SetKeyCallback(func(_ *glfw.Window, key glfw.Key, _ int, action glfw.Action, _ glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			d.Push(app.Key{Rune: app.KeyEscape})
		}
	})
}

var buttons = map[glfw.MouseButton]core.Button{
	glfw.MouseButtonLeft:   core.ButtonLeft,
	glfw.MouseButtonMiddle: core.ButtonMiddle,
	glfw.MouseButtonRight:  core.ButtonRight,
}

func (w *GLFWWindow) PollEvents()           { glfw.PollEvents() }
func (w *GLFWWindow) ShouldClose() bool     { return w.Window.ShouldClose() }
func (w *GLFWWindow) SetTitle(title string) { w.Window.SetTitle(title) }

func (w *GLFWWindow) Destroy() {
	w.Window.Destroy()
	glfw.Terminate()
}

var _ app.Window = (*GLFWWindow)(nil)
