package app

import (
	"sync"

	"github.com/gekko3d/hybridrt/rt/core"
)

// Event is a window-system input event.
type Event interface {
	event()
}

type PointerButton struct {
	Button  core.Button
	Pressed bool
	X, Y    int
}

type PointerMove struct {
	X, Y int
}

// Key carries a character key; Escape is KeyEscape.
type Key struct {
	Rune rune
}

type Resize struct {
	Width, Height int
}

func (PointerButton) event() {}
func (PointerMove) event()   {}
func (Key) event()           {}
func (Resize) event()        {}

const KeyEscape rune = 27

// Command is what the dispatcher asks of the render loop after a drain.
type Command int

const (
	CommandNone Command = iota
	CommandQuit
)

// InputDispatcher queues events from the window layer and applies them to
// a session between frames. Push is safe from any goroutine; Drain must run
// on the render goroutine.
type InputDispatcher struct {
	mu    sync.Mutex
	queue []Event
}

func NewInputDispatcher() *InputDispatcher {
	return &InputDispatcher{}
}

func (d *InputDispatcher) Push(e Event) {
	d.mu.Lock()
	d.queue = append(d.queue, e)
	d.mu.Unlock()
}

func (d *InputDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *InputDispatcher) take() []Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

// Drain applies every queued event to s in arrival order. It stops at a
// quit key and returns CommandQuit; the remaining events are dropped.
func (d *InputDispatcher) Drain(s *Session) (Command, error) {
	for _, e := range d.take() {
		switch e := e.(type) {
		case PointerButton:
			if e.Pressed {
				s.Camera.ButtonDown(e.Button, e.X, e.Y)
			} else {
				s.Camera.ButtonUp()
			}
		case PointerMove:
			w, h := s.Context.Size()
			s.Camera.PointerMove(e.X, e.Y, w, h)
		case Resize:
			if _, err := s.Resize(e.Width, e.Height); err != nil {
				return CommandNone, err
			}
		case Key:
			switch e.Rune {
			case 'q', 'Q', KeyEscape:
				return CommandQuit, nil
			case 's', 'S':
				path := s.Name() + ".png"
				if err := s.Export(path); err != nil {
					s.log.Errorf("save %s: %v", path, err)
				}
			}
		}
	}
	return CommandNone, nil
}
