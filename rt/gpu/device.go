package gpu

import (
	"errors"
	"fmt"
)

type BufferKind int

const (
	BufferStorage BufferKind = iota
	BufferUniform
)

type MapMode int

const (
	// MapWriteDiscard hands out a zeroed host view; Unmap uploads it whole.
	MapWriteDiscard MapMode = iota
	MapRead
)

func (m MapMode) String() string {
	if m == MapRead {
		return "read"
	}
	return "write_discard"
}

type Buffer interface {
	Label() string
	Size() uint64
}

// Device is the GPU execution context. Programs are attached by name,
// buffers are bound to named kernel variables and a launch runs one
// synchronous frame of the ray generation program. Validate checks that
// a launch could be issued without issuing one.
type Device interface {
	AttachProgram(stage Stage, name string) (uint32, error)
	CreateBuffer(label string, kind BufferKind, size uint64) (Buffer, error)
	Map(buf Buffer, mode MapMode) ([]byte, error)
	Unmap(buf Buffer) error
	Resize(buf Buffer, size uint64) error
	Release(buf Buffer)
	Bind(variable string, buf Buffer) error
	Validate() error
	Launch(width, height uint32) error
	Destroy()
}

// Display shows the output buffer to the user.
type Display interface {
	Present(output Buffer, width, height uint32) error
}

var (
	ErrUnknownProgram  = errors.New("gpu: unknown program")
	ErrUnknownVariable = errors.New("gpu: unknown variable")
	ErrNotMapped       = errors.New("gpu: buffer not mapped")
	ErrAlreadyMapped   = errors.New("gpu: buffer already mapped")
	ErrDestroyed       = errors.New("gpu: device destroyed")
	ErrIncomplete      = errors.New("gpu: launch state incomplete")
)

// Write replaces the contents of buf with data through a write-discard map.
func Write(dev Device, buf Buffer, data []byte) error {
	if uint64(len(data)) > buf.Size() {
		return fmt.Errorf("gpu: write of %d bytes into %q (%d bytes)", len(data), buf.Label(), buf.Size())
	}
	dst, err := dev.Map(buf, MapWriteDiscard)
	if err != nil {
		return err
	}
	copy(dst, data)
	return dev.Unmap(buf)
}

// Read returns a host copy of buf.
func Read(dev Device, buf Buffer) ([]byte, error) {
	src, err := dev.Map(buf, MapRead)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out, dev.Unmap(buf)
}

// EnsureBuffer keeps *buf large enough for data plus headroom, recreating it
// when it is too small, then writes data. It reports whether the buffer was
// recreated, in which case bindings referring to it must be refreshed.
func EnsureBuffer(dev Device, label string, kind BufferKind, buf *Buffer, data []byte, headroom int) (bool, error) {
	needed := uint64(len(data) + headroom)
	if needed%4 != 0 {
		needed += 4 - needed%4
	}
	if needed == 0 {
		needed = 16
	}

	recreated := false
	if *buf == nil || (*buf).Size() < needed {
		if *buf != nil {
			dev.Release(*buf)
			*buf = nil
		}
		nb, err := dev.CreateBuffer(label, kind, needed)
		if err != nil {
			return false, err
		}
		*buf = nb
		recreated = true
	}
	if len(data) > 0 || recreated {
		if err := Write(dev, *buf, data); err != nil {
			return recreated, err
		}
	}
	return recreated, nil
}
