package gpu

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/shaders"
)

const workgroupSize = 8

type DeviceOptions struct {
	// Surface is nil for a headless device.
	Surface *wgpu.SurfaceDescriptor
	Width   uint32
	Height  uint32
	// Interop presents straight from the output buffer. Without it every
	// presented frame is read back to the host and uploaded again.
	Interop bool
	Logger  hybridrt.Logger
}

type webgpuBuffer struct {
	label  string
	kind   BufferKind
	size   uint64
	raw    *wgpu.Buffer
	host   []byte
	mapped bool
	mode   MapMode
}

func (b *webgpuBuffer) Label() string { return b.label }
func (b *webgpuBuffer) Size() uint64  { return b.size }

// WebGPUDevice runs the path tracing kernel as a single compute pipeline.
type WebGPUDevice struct {
	opts DeviceOptions
	log  hybridrt.Logger

	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Surface  *wgpu.Surface
	Config   *wgpu.SurfaceConfiguration

	kernel    *wgpu.ShaderModule
	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup
	attached  map[Stage]string

	buffers map[*webgpuBuffer]struct{}
	bound   map[string]*webgpuBuffer

	blit blitState

	destroyed bool
}

func NewWebGPUDevice(opts DeviceOptions) (*WebGPUDevice, error) {
	d := &WebGPUDevice{
		opts:     opts,
		log:      hybridrt.OrNop(opts.Logger),
		attached: make(map[Stage]string),
		buffers:  make(map[*webgpuBuffer]struct{}),
		bound:    make(map[string]*webgpuBuffer),
	}

	d.Instance = wgpu.CreateInstance(nil)
	if opts.Surface != nil {
		d.Surface = d.Instance.CreateSurface(opts.Surface)
	}

	adapter, err := d.Instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: d.Surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		d.Destroy()
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	d.Adapter = adapter

	d.Device, err = adapter.RequestDevice(nil)
	if err != nil {
		d.Destroy()
		return nil, fmt.Errorf("request device: %w", err)
	}
	d.Queue = d.Device.GetQueue()

	d.kernel, err = d.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Path Trace CS",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.PathTraceWGSL},
	})
	if err != nil {
		d.Destroy()
		return nil, fmt.Errorf("compile kernel: %w", err)
	}

	if d.Surface != nil {
		if err := d.initSurface(opts.Width, opts.Height); err != nil {
			d.Destroy()
			return nil, err
		}
	}
	return d, nil
}

func (d *WebGPUDevice) AttachProgram(stage Stage, name string) (uint32, error) {
	if d.destroyed {
		return 0, ErrDestroyed
	}
	p, err := CheckStage(stage, name)
	if err != nil {
		return 0, err
	}
	if stage == StageRayGen {
		pipeline, err := d.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label: "Path Trace Pipeline",
			Compute: wgpu.ProgrammableStageDescriptor{
				Module:     d.kernel,
				EntryPoint: name,
			},
		})
		if err != nil {
			return 0, fmt.Errorf("create pipeline %q: %w", name, err)
		}
		if d.pipeline != nil {
			d.pipeline.Release()
		}
		d.pipeline = pipeline
		d.invalidateBindings()
	}
	d.attached[stage] = name
	d.log.Debugf("attached %s program %q (id %d)", stage, name, p.ID)
	return p.ID, nil
}

func usageFor(kind BufferKind) wgpu.BufferUsage {
	if kind == BufferUniform {
		return wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	}
	return wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst
}

func allocSize(size uint64) uint64 {
	if size%4 != 0 {
		size += 4 - size%4
	}
	return max(size, 16)
}

func (d *WebGPUDevice) CreateBuffer(label string, kind BufferKind, size uint64) (Buffer, error) {
	if d.destroyed {
		return nil, ErrDestroyed
	}
	raw, err := d.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  allocSize(size),
		Usage: usageFor(kind),
	})
	if err != nil {
		return nil, fmt.Errorf("create buffer %q: %w", label, err)
	}
	b := &webgpuBuffer{label: label, kind: kind, size: size, raw: raw}
	d.buffers[b] = struct{}{}
	return b, nil
}

func (d *WebGPUDevice) buffer(buf Buffer) (*webgpuBuffer, error) {
	b, ok := buf.(*webgpuBuffer)
	if !ok || b.raw == nil {
		return nil, fmt.Errorf("gpu: %T is not a live buffer of this device", buf)
	}
	if _, live := d.buffers[b]; !live {
		return nil, fmt.Errorf("gpu: buffer %q was released", b.label)
	}
	return b, nil
}

func (d *WebGPUDevice) Map(buf Buffer, mode MapMode) ([]byte, error) {
	if d.destroyed {
		return nil, ErrDestroyed
	}
	b, err := d.buffer(buf)
	if err != nil {
		return nil, err
	}
	if b.mapped {
		return nil, fmt.Errorf("%w: %q", ErrAlreadyMapped, b.label)
	}
	switch mode {
	case MapRead:
		b.host, err = d.readback(b)
		if err != nil {
			return nil, err
		}
	default:
		b.host = make([]byte, b.size)
	}
	b.mapped, b.mode = true, mode
	return b.host, nil
}

func (d *WebGPUDevice) Unmap(buf Buffer) error {
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if !b.mapped {
		return fmt.Errorf("%w: %q", ErrNotMapped, b.label)
	}
	if b.mode == MapWriteDiscard {
		data := b.host
		if r := len(data) % 4; r != 0 {
			data = append(data, make([]byte, 4-r)...)
		}
		d.Queue.WriteBuffer(b.raw, 0, data)
	}
	b.host, b.mapped = nil, false
	return nil
}

// readback copies b through a staging buffer and blocks until the copy is
// visible to the host.
func (d *WebGPUDevice) readback(b *webgpuBuffer) ([]byte, error) {
	size := allocSize(b.size)
	staging, err := d.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label + " Readback",
		Size:  size,
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("create readback for %q: %w", b.label, err)
	}
	defer staging.Release()

	encoder, err := d.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	if err := encoder.CopyBufferToBuffer(b.raw, 0, staging, 0, size); err != nil {
		return nil, fmt.Errorf("copy %q: %w", b.label, err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	d.Queue.Submit(cmd)

	var status wgpu.BufferMapAsyncStatus
	mapped := false
	staging.MapAsync(wgpu.MapModeRead, 0, size, func(s wgpu.BufferMapAsyncStatus) {
		status, mapped = s, true
	})
	d.Device.Poll(true, nil)
	if !mapped || status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("map %q for reading: status %d", b.label, status)
	}

	out := make([]byte, b.size)
	copy(out, staging.GetMappedRange(0, uint(size)))
	staging.Unmap()
	return out, nil
}

func (d *WebGPUDevice) Resize(buf Buffer, size uint64) error {
	if d.destroyed {
		return ErrDestroyed
	}
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if b.mapped {
		return fmt.Errorf("%w: %q", ErrAlreadyMapped, b.label)
	}
	raw, err := d.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label,
		Size:  allocSize(size),
		Usage: usageFor(b.kind),
	})
	if err != nil {
		return fmt.Errorf("resize buffer %q: %w", b.label, err)
	}
	b.raw.Release()
	b.raw, b.size = raw, size
	d.invalidateBindings()
	return nil
}

func (d *WebGPUDevice) Release(buf Buffer) {
	b, err := d.buffer(buf)
	if err != nil {
		return
	}
	for v, bb := range d.bound {
		if bb == b {
			delete(d.bound, v)
		}
	}
	delete(d.buffers, b)
	b.raw.Release()
	b.raw = nil
	d.invalidateBindings()
}

func (d *WebGPUDevice) Bind(variable string, buf Buffer) error {
	if d.destroyed {
		return ErrDestroyed
	}
	if _, err := BindingSlot(variable); err != nil {
		return err
	}
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	d.bound[variable] = b
	d.invalidateBindings()
	return nil
}

func (d *WebGPUDevice) invalidateBindings() {
	if d.bindGroup != nil {
		d.bindGroup.Release()
		d.bindGroup = nil
	}
}

func (d *WebGPUDevice) ensureBindGroup() error {
	if d.bindGroup != nil {
		return nil
	}
	entries := make([]wgpu.BindGroupEntry, 0, len(d.bound))
	for v, b := range d.bound {
		slot, _ := BindingSlot(v)
		entries = append(entries, wgpu.BindGroupEntry{Binding: slot, Buffer: b.raw, Size: wgpu.WholeSize})
	}
	bg, err := d.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Layout:  d.pipeline.GetBindGroupLayout(0),
		Entries: entries,
	})
	if err != nil {
		return fmt.Errorf("create bind group: %w", err)
	}
	d.bindGroup = bg
	return nil
}

// Validate reports whether a launch could be issued right now.
func (d *WebGPUDevice) Validate() error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.pipeline == nil {
		return fmt.Errorf("%w: no ray generation program", ErrIncomplete)
	}
	if missing := MissingBindings(d.bound); len(missing) > 0 {
		return fmt.Errorf("%w: unbound %v", ErrIncomplete, missing)
	}
	for _, b := range d.bound {
		if b.mapped {
			return fmt.Errorf("%w: %q", ErrAlreadyMapped, b.label)
		}
	}
	return nil
}

// Launch dispatches one frame and waits for the queue to drain.
func (d *WebGPUDevice) Launch(width, height uint32) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if err := d.ensureBindGroup(); err != nil {
		return err
	}

	encoder, err := d.Device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(d.pipeline)
	pass.SetBindGroup(0, d.bindGroup, nil)
	pass.DispatchWorkgroups((width+workgroupSize-1)/workgroupSize, (height+workgroupSize-1)/workgroupSize, 1)
	if err := pass.End(); err != nil {
		return fmt.Errorf("compute pass: %w", err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return err
	}
	d.Queue.Submit(cmd)
	d.Device.Poll(true, nil)
	return nil
}

func (d *WebGPUDevice) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true

	d.invalidateBindings()
	d.blit.release()
	for b := range d.buffers {
		b.raw.Release()
		b.raw = nil
	}
	clear(d.buffers)
	clear(d.bound)
	if d.pipeline != nil {
		d.pipeline.Release()
	}
	if d.kernel != nil {
		d.kernel.Release()
	}
	if d.Surface != nil {
		d.Surface.Release()
	}
	if d.Device != nil {
		d.Device.Release()
	}
	if d.Adapter != nil {
		d.Adapter.Release()
	}
	if d.Instance != nil {
		d.Instance.Release()
	}
	d.log.Debugf("webgpu device destroyed")
}
