package gpu

import (
	"errors"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"

	"github.com/gekko3d/hybridrt/rt/core"
	"github.com/gekko3d/hybridrt/rt/shaders"
)

type blitState struct {
	module    *wgpu.ShaderModule
	pipeline  *wgpu.RenderPipeline
	dims      *wgpu.Buffer
	bindGroup *wgpu.BindGroup
	source    *wgpu.Buffer

	// display receives host uploads when presenting without interop.
	display *webgpuBuffer
}

func (s *blitState) release() {
	if s.bindGroup != nil {
		s.bindGroup.Release()
	}
	if s.dims != nil {
		s.dims.Release()
	}
	if s.display != nil && s.display.raw != nil {
		s.display.raw.Release()
	}
	if s.pipeline != nil {
		s.pipeline.Release()
	}
	if s.module != nil {
		s.module.Release()
	}
	*s = blitState{}
}

func (d *WebGPUDevice) initSurface(width, height uint32) error {
	caps := d.Surface.GetCapabilities(d.Adapter)
	if len(caps.Formats) == 0 {
		return errors.New("gpu: surface reports no formats")
	}
	format := caps.Formats[0]

	d.Config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      format,
		Width:       max(width, 1),
		Height:      max(height, 1),
		PresentMode: wgpu.PresentModeFifo,
		AlphaMode:   caps.AlphaModes[0],
	}
	d.Surface.Configure(d.Adapter, d.Device, d.Config)

	var err error
	d.blit.module, err = d.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "Blit VS/FS",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.BlitWGSL},
	})
	if err != nil {
		return fmt.Errorf("compile blit: %w", err)
	}

	d.blit.pipeline, err = d.Device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "Blit Pipeline",
		Vertex: wgpu.VertexState{
			Module:     d.blit.module,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     d.blit.module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: wgpu.PrimitiveState{
			Topology: wgpu.PrimitiveTopologyTriangleList,
		},
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return fmt.Errorf("create blit pipeline: %w", err)
	}

	d.blit.dims, err = d.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "Blit Dims UB",
		Size:  16,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create blit dims: %w", err)
	}
	return nil
}

// ResizeSurface reconfigures the swap chain after a framebuffer resize.
func (d *WebGPUDevice) ResizeSurface(width, height uint32) {
	if d.Surface == nil || d.Config == nil || width == 0 || height == 0 {
		return
	}
	d.Config.Width = width
	d.Config.Height = height
	d.Surface.Configure(d.Adapter, d.Device, d.Config)
}

// Present draws output (width x height float4 texels) to the surface.
func (d *WebGPUDevice) Present(output Buffer, width, height uint32) error {
	if d.destroyed {
		return ErrDestroyed
	}
	if d.Surface == nil {
		return errors.New("gpu: headless device cannot present")
	}
	src, err := d.buffer(output)
	if err != nil {
		return err
	}

	if !d.opts.Interop {
		host, err := d.readback(src)
		if err != nil {
			return err
		}
		if d.blit.display == nil || d.blit.display.size < src.size {
			if d.blit.display != nil {
				d.blit.display.raw.Release()
			}
			raw, err := d.Device.CreateBuffer(&wgpu.BufferDescriptor{
				Label: "Display Buffer",
				Size:  allocSize(src.size),
				Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
			})
			if err != nil {
				return fmt.Errorf("create display buffer: %w", err)
			}
			d.blit.display = &webgpuBuffer{label: "Display Buffer", size: src.size, raw: raw}
		}
		d.Queue.WriteBuffer(d.blit.display.raw, 0, host)
		src = d.blit.display
	}

	dims := make([]byte, 16)
	core.PutUint4(dims, [4]uint32{width, height, d.Config.Width, d.Config.Height})
	d.Queue.WriteBuffer(d.blit.dims, 0, dims)

	if d.blit.bindGroup == nil || d.blit.source != src.raw {
		if d.blit.bindGroup != nil {
			d.blit.bindGroup.Release()
		}
		d.blit.bindGroup, err = d.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
			Layout: d.blit.pipeline.GetBindGroupLayout(0),
			Entries: []wgpu.BindGroupEntry{
				{Binding: 0, Buffer: d.blit.dims, Size: wgpu.WholeSize},
				{Binding: 1, Buffer: src.raw, Size: wgpu.WholeSize},
			},
		})
		if err != nil {
			return fmt.Errorf("create blit bind group: %w", err)
		}
		d.blit.source = src.raw
	}

	next, err := d.Surface.GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("acquire surface texture: %w", err)
	}
	defer next.Release()
	view, err := next.CreateView(nil)
	if err != nil {
		return err
	}
	defer view.Release()

	encoder, err := d.Device.CreateCommandEncoder(nil)
	if err != nil {
		return err
	}
	pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       view,
			LoadOp:     wgpu.LoadOpClear,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: wgpu.Color{R: 0, G: 0, B: 0, A: 1},
		}},
	})
	pass.SetPipeline(d.blit.pipeline)
	pass.SetBindGroup(0, d.blit.bindGroup, nil)
	pass.Draw(3, 1, 0, 0)
	if err := pass.End(); err != nil {
		return fmt.Errorf("blit pass: %w", err)
	}
	cmd, err := encoder.Finish(nil)
	if err != nil {
		return err
	}
	d.Queue.Submit(cmd)
	d.Surface.Present()
	return nil
}

var (
	_ Device  = (*WebGPUDevice)(nil)
	_ Display = (*WebGPUDevice)(nil)
)
