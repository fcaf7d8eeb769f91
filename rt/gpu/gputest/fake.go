// Package gputest provides a recording gpu.Device for tests.
package gputest

import (
	"fmt"
	"sync"

	"github.com/gekko3d/hybridrt/rt/gpu"
)

type Buffer struct {
	label    string
	Kind     gpu.BufferKind
	Data     []byte
	mapped   bool
	mode     gpu.MapMode
	Released bool
}

func (b *Buffer) Label() string { return b.label }
func (b *Buffer) Size() uint64  { return uint64(len(b.Data)) }

type MapEvent struct {
	Label string
	Mode  gpu.MapMode
}

type Launch struct {
	Width, Height uint32
}

// Device records every call. Buffers live in host memory and a launch does
// not touch them unless OnLaunch does.
type Device struct {
	mu sync.Mutex

	Programs    map[gpu.Stage]string
	Buffers     []*Buffer
	Bindings    map[string]*Buffer
	Maps        []MapEvent
	Launches    []Launch
	Presents    int
	Destroyed   int
	Validations int

	// OnLaunch runs after a launch is recorded; n counts launches from 1.
	OnLaunch func(n int) error
	// FailCreate makes CreateBuffer fail when set. A non-empty FailLabel
	// limits the failure to buffers with that label.
	FailCreate error
	FailLabel  string
}

func NewDevice() *Device {
	return &Device{
		Programs: make(map[gpu.Stage]string),
		Bindings: make(map[string]*Buffer),
	}
}

func (d *Device) AttachProgram(stage gpu.Stage, name string) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Destroyed > 0 {
		return 0, gpu.ErrDestroyed
	}
	p, err := gpu.CheckStage(stage, name)
	if err != nil {
		return 0, err
	}
	d.Programs[stage] = name
	return p.ID, nil
}

func (d *Device) CreateBuffer(label string, kind gpu.BufferKind, size uint64) (gpu.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Destroyed > 0 {
		return nil, gpu.ErrDestroyed
	}
	if d.FailCreate != nil && (d.FailLabel == "" || d.FailLabel == label) {
		return nil, d.FailCreate
	}
	b := &Buffer{label: label, Kind: kind, Data: make([]byte, size)}
	d.Buffers = append(d.Buffers, b)
	return b, nil
}

func (d *Device) own(buf gpu.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("gputest: foreign buffer %T", buf)
	}
	if b.Released {
		return nil, fmt.Errorf("gputest: buffer %q was released", b.label)
	}
	return b, nil
}

func (d *Device) Map(buf gpu.Buffer, mode gpu.MapMode) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Destroyed > 0 {
		return nil, gpu.ErrDestroyed
	}
	b, err := d.own(buf)
	if err != nil {
		return nil, err
	}
	if b.mapped {
		return nil, fmt.Errorf("%w: %q", gpu.ErrAlreadyMapped, b.label)
	}
	if mode == gpu.MapWriteDiscard {
		clear(b.Data)
	}
	b.mapped, b.mode = true, mode
	d.Maps = append(d.Maps, MapEvent{Label: b.label, Mode: mode})
	return b.Data, nil
}

func (d *Device) Unmap(buf gpu.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if !b.mapped {
		return fmt.Errorf("%w: %q", gpu.ErrNotMapped, b.label)
	}
	b.mapped = false
	return nil
}

func (d *Device) Resize(buf gpu.Buffer, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	b.Data = make([]byte, size)
	return nil
}

func (d *Device) Release(buf gpu.Buffer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, err := d.own(buf)
	if err != nil {
		return
	}
	b.Released = true
	for v, bb := range d.Bindings {
		if bb == b {
			delete(d.Bindings, v)
		}
	}
}

func (d *Device) Bind(variable string, buf gpu.Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := gpu.BindingSlot(variable); err != nil {
		return err
	}
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	d.Bindings[variable] = b
	return nil
}

func (d *Device) validate() error {
	if d.Destroyed > 0 {
		return gpu.ErrDestroyed
	}
	if _, ok := d.Programs[gpu.StageRayGen]; !ok {
		return fmt.Errorf("%w: no ray generation program", gpu.ErrIncomplete)
	}
	if missing := gpu.MissingBindings(d.Bindings); len(missing) > 0 {
		return fmt.Errorf("%w: unbound %v", gpu.ErrIncomplete, missing)
	}
	for _, b := range d.Bindings {
		if b.mapped {
			return fmt.Errorf("%w: %q", gpu.ErrAlreadyMapped, b.label)
		}
	}
	return nil
}

func (d *Device) Validate() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Validations++
	return d.validate()
}

func (d *Device) Launch(width, height uint32) error {
	d.mu.Lock()
	if err := d.validate(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.Launches = append(d.Launches, Launch{Width: width, Height: height})
	n := len(d.Launches)
	hook := d.OnLaunch
	d.mu.Unlock()

	if hook != nil {
		return hook(n)
	}
	return nil
}

func (d *Device) Present(output gpu.Buffer, width, height uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.own(output); err != nil {
		return err
	}
	d.Presents++
	return nil
}

func (d *Device) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Destroyed++
}

// Bound returns the buffer bound to variable, or nil.
func (d *Device) Bound(variable string) *Buffer {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Bindings[variable]
}

func (d *Device) LaunchCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Launches)
}

// Live returns the labels of buffers that were created and never released.
func (d *Device) Live() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, b := range d.Buffers {
		if !b.Released {
			out = append(out, b.label)
		}
	}
	return out
}

// MapsOf returns the map events recorded for the buffer labelled label.
func (d *Device) MapsOf(label string) []MapEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []MapEvent
	for _, m := range d.Maps {
		if m.Label == label {
			out = append(out, m)
		}
	}
	return out
}

var (
	_ gpu.Device  = (*Device)(nil)
	_ gpu.Display = (*Device)(nil)
)
