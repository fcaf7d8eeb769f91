package app

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl32"
	"golang.org/x/sync/semaphore"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/codec"
	"github.com/gekko3d/hybridrt/rt/core"
	"github.com/gekko3d/hybridrt/rt/gpu"
	"github.com/gekko3d/hybridrt/rt/scene"
)

// DefaultEnvMap is looked up through the asset locator when the config
// names no environment texture.
const DefaultEnvMap = "envmap.png"

var (
	ErrNotInitialized = errors.New("render context not initialized")
	ErrTornDown       = errors.New("render context torn down")
	ErrLaunchInFlight = errors.New("a launch is already in flight")
)

type ContextConfig struct {
	Width            int
	Height           int
	MaxDepth         int
	SamplesPerLaunch int
	RRBeginDepth     int
	SceneEpsilon     float32
	BadColor         mgl32.Vec3
	EnvMap           string
}

func DefaultContextConfig() ContextConfig {
	return ContextConfig{
		Width:            480,
		Height:           270,
		MaxDepth:         10,
		SamplesPerLaunch: 2,
		RRBeginDepth:     1,
		SceneEpsilon:     0.001,
		BadColor:         mgl32.Vec3{1e6, 0, 1e6},
		EnvMap:           DefaultEnvMap,
	}
}

func (c ContextConfig) Validate() error {
	switch {
	case c.Width < 1 || c.Height < 1:
		return hybridrt.Configf("size", "width and height must be at least 1, got %dx%d", c.Width, c.Height)
	case c.MaxDepth < 1:
		return hybridrt.Configf("max_depth", "must be at least 1, got %d", c.MaxDepth)
	case c.SamplesPerLaunch < 1:
		return hybridrt.Configf("spl", "must be at least 1, got %d", c.SamplesPerLaunch)
	case c.RRBeginDepth < 0:
		return hybridrt.Configf("rr_begin_depth", "must not be negative, got %d", c.RRBeginDepth)
	case !(c.SceneEpsilon > 0):
		return hybridrt.Configf("scene_epsilon", "must be positive, got %v", c.SceneEpsilon)
	}
	return nil
}

// RenderContext owns the device-side render state: globals, the output
// accumulation buffer, the environment map and the attached scene.
// Launch may be called from any goroutine but only one launch runs at a
// time; everything else belongs to the render goroutine.
type RenderContext struct {
	dev    gpu.Device
	assets scene.Resolver
	codec  codec.Codec
	log    hybridrt.Logger

	cfg    ContextConfig
	params gpu.Params
	scene  *scene.Scene

	paramsBuf gpu.Buffer
	output    gpu.Buffer
	envBuf    gpu.Buffer

	launching   *semaphore.Weighted
	initialized atomic.Bool
	tornDown    atomic.Bool
	teardown    sync.Once
}

func NewRenderContext(dev gpu.Device, assets scene.Resolver, c codec.Codec, logger hybridrt.Logger) *RenderContext {
	return &RenderContext{
		dev:       dev,
		assets:    assets,
		codec:     c,
		log:       hybridrt.OrNop(logger),
		launching: semaphore.NewWeighted(1),
	}
}

// Initialize validates cfg, loads the environment map and prepares every
// device resource the kernel needs except the scene. Asset errors are
// reported before the device is touched.
func (rc *RenderContext) Initialize(cfg ContextConfig) error {
	if err := rc.usableForInit(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	env, err := loadEnvMap(rc.assets, rc.codec, cfg.EnvMap)
	if err != nil {
		return err
	}
	return rc.initialize(cfg, env)
}

func (rc *RenderContext) usableForInit() error {
	if rc.tornDown.Load() {
		return hybridrt.ContextFailure("initialize", ErrTornDown)
	}
	if rc.initialized.Load() {
		return hybridrt.ContextFailure("initialize", errors.New("already initialized"))
	}
	return nil
}

type envMap struct {
	path string
	img  codec.Image
}

func loadEnvMap(assets scene.Resolver, c codec.Codec, name string) (envMap, error) {
	if name == "" {
		name = DefaultEnvMap
	}
	path, err := assets.Resolve(name)
	if err != nil {
		return envMap{}, err
	}
	img, err := c.Decode(path)
	if err != nil {
		return envMap{}, err
	}
	return envMap{path: path, img: img}, nil
}

// initialize expects a validated cfg and a decoded environment map.
func (rc *RenderContext) initialize(cfg ContextConfig, em envMap) error {
	if err := rc.usableForInit(); err != nil {
		return err
	}
	if cfg.EnvMap == "" {
		cfg.EnvMap = DefaultEnvMap
	}
	env := em.img
	var err error

	rc.cfg = cfg
	rc.params = gpu.Params{
		SceneEpsilon:     cfg.SceneEpsilon,
		BadColor:         cfg.BadColor,
		Width:            uint32(cfg.Width),
		Height:           uint32(cfg.Height),
		MaxDepth:         uint32(cfg.MaxDepth),
		RRBeginDepth:     uint32(cfg.RRBeginDepth),
		SamplesPerLaunch: uint32(cfg.SamplesPerLaunch),
		EnvWidth:         uint32(env.Width),
		EnvHeight:        uint32(env.Height),
	}

	if _, err := rc.dev.AttachProgram(gpu.StageRayGen, "pathtrace_camera"); err != nil {
		return hybridrt.ContextFailure("attach ray generation", err)
	}
	if rc.params.MissProgram, err = rc.dev.AttachProgram(gpu.StageMiss, "envmap_miss"); err != nil {
		return hybridrt.ContextFailure("attach miss", err)
	}
	if rc.params.ExceptionProgram, err = rc.dev.AttachProgram(gpu.StageException, "exception"); err != nil {
		return hybridrt.ContextFailure("attach exception", err)
	}

	if err := rc.allocate(env); err != nil {
		rc.release()
		return err
	}
	rc.initialized.Store(true)
	rc.log.Infof("render context %dx%d, max depth %d, %d samples per launch, env %s (%dx%d)",
		cfg.Width, cfg.Height, cfg.MaxDepth, cfg.SamplesPerLaunch, em.path, env.Width, env.Height)
	return nil
}

func (rc *RenderContext) allocate(env codec.Image) error {
	var err error
	if rc.output, err = rc.dev.CreateBuffer(gpu.VarOutput, gpu.BufferStorage, outputSize(rc.cfg.Width, rc.cfg.Height)); err != nil {
		return hybridrt.ContextFailure("create output buffer", err)
	}
	if err := rc.dev.Bind(gpu.VarOutput, rc.output); err != nil {
		return hybridrt.ContextFailure("bind output buffer", err)
	}

	if _, err := gpu.EnsureBuffer(rc.dev, gpu.VarEnvMap, gpu.BufferStorage, &rc.envBuf, floatBytes(env.Pix), 0); err != nil {
		return hybridrt.ContextFailure("upload environment map", err)
	}
	if err := rc.dev.Bind(gpu.VarEnvMap, rc.envBuf); err != nil {
		return hybridrt.ContextFailure("bind environment map", err)
	}

	if rc.paramsBuf, err = rc.dev.CreateBuffer(gpu.VarParams, gpu.BufferUniform, gpu.ParamsSize); err != nil {
		return hybridrt.ContextFailure("create params buffer", err)
	}
	if err := rc.dev.Bind(gpu.VarParams, rc.paramsBuf); err != nil {
		return hybridrt.ContextFailure("bind params buffer", err)
	}
	return rc.uploadParams()
}

func outputSize(w, h int) uint64 { return uint64(w) * uint64(h) * 16 }

func floatBytes(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func (rc *RenderContext) uploadParams() error {
	if err := gpu.Write(rc.dev, rc.paramsBuf, rc.params.ToBytes()); err != nil {
		return hybridrt.ContextFailure("upload params", err)
	}
	return nil
}

func (rc *RenderContext) usable(op string) error {
	if rc.tornDown.Load() {
		return hybridrt.ContextFailure(op, ErrTornDown)
	}
	if !rc.initialized.Load() {
		return hybridrt.ContextFailure(op, ErrNotInitialized)
	}
	return nil
}

// AttachScene hands the built scene to the context, which releases it on
// teardown.
func (rc *RenderContext) AttachScene(s *scene.Scene) error {
	if err := rc.usable("attach scene"); err != nil {
		return err
	}
	if err := s.Ready(); err != nil {
		return hybridrt.ContextFailure("attach scene", err)
	}
	rc.scene = s
	rc.params.NumLights = s.NumLights()
	return rc.uploadParams()
}

// Validate checks that the scene is attached and the device could launch
// a frame now. Sessions call it once after setup.
func (rc *RenderContext) Validate() error {
	if err := rc.usable("validate"); err != nil {
		return err
	}
	if err := rc.scene.Ready(); err != nil {
		return hybridrt.ContextFailure("validate", err)
	}
	if err := rc.dev.Validate(); err != nil {
		return hybridrt.ContextFailure("validate", err)
	}
	return nil
}

// RebuildLights replaces the attached scene's lights and republishes the
// light count. It fails while a launch is in flight.
func (rc *RenderContext) RebuildLights(lights []core.LightParameter) error {
	if !rc.launching.TryAcquire(1) {
		return hybridrt.ContextFailure("rebuild lights", ErrLaunchInFlight)
	}
	defer rc.launching.Release(1)

	if err := rc.usable("rebuild lights"); err != nil {
		return err
	}
	if err := rc.scene.Ready(); err != nil {
		return hybridrt.ContextFailure("rebuild lights", err)
	}
	if err := rc.scene.RebuildLights(lights); err != nil {
		return err
	}
	rc.params.NumLights = rc.scene.NumLights()
	return rc.uploadParams()
}

// Launch runs one synchronous frame at width x height, which must match
// the output buffer.
func (rc *RenderContext) Launch(width, height int) error {
	if !rc.launching.TryAcquire(1) {
		return hybridrt.ContextFailure("launch", ErrLaunchInFlight)
	}
	defer rc.launching.Release(1)

	if err := rc.usable("launch"); err != nil {
		return err
	}
	if err := rc.scene.Ready(); err != nil {
		return hybridrt.ContextFailure("launch", err)
	}
	if width != rc.cfg.Width || height != rc.cfg.Height {
		return hybridrt.ContextFailure("launch", fmt.Errorf("size %dx%d does not match output %dx%d",
			width, height, rc.cfg.Width, rc.cfg.Height))
	}
	if err := rc.dev.Launch(uint32(width), uint32(height)); err != nil {
		return hybridrt.ContextFailure("launch", err)
	}
	return nil
}

// Resize reallocates the output buffer when the size changes. Sizes are
// clamped to 1x1. It reports whether anything changed.
func (rc *RenderContext) Resize(width, height int) (bool, error) {
	if err := rc.usable("resize"); err != nil {
		return false, err
	}
	width, height = max(width, 1), max(height, 1)
	if width == rc.cfg.Width && height == rc.cfg.Height {
		return false, nil
	}
	if err := rc.dev.Resize(rc.output, outputSize(width, height)); err != nil {
		return false, hybridrt.ContextFailure("resize output buffer", err)
	}
	// Backends may replace the underlying buffer on resize.
	if err := rc.dev.Bind(gpu.VarOutput, rc.output); err != nil {
		return false, hybridrt.ContextFailure("bind output buffer", err)
	}
	rc.cfg.Width, rc.cfg.Height = width, height
	rc.params.Width, rc.params.Height = uint32(width), uint32(height)
	rc.log.Debugf("output resized to %dx%d", width, height)
	return true, rc.uploadParams()
}

// SetCamera uploads the camera basis. A reset frame restarts accumulation
// at frame 1, anything else advances the frame counter.
func (rc *RenderContext) SetCamera(frame core.CameraFrame) error {
	if err := rc.usable("set camera"); err != nil {
		return err
	}
	rc.params.Eye = frame.Eye
	rc.params.U = frame.Basis.U
	rc.params.V = frame.Basis.V
	rc.params.W = frame.Basis.W
	if frame.Reset {
		rc.params.FrameNumber = 1
		return rc.uploadParams()
	}
	return rc.AdvanceFrame()
}

func (rc *RenderContext) AdvanceFrame() error {
	if err := rc.usable("advance frame"); err != nil {
		return err
	}
	rc.params.FrameNumber++
	return rc.uploadParams()
}

// OutputPixels reads back the accumulation buffer, four floats per pixel
// with row 0 at the bottom.
func (rc *RenderContext) OutputPixels() ([]float32, error) {
	if err := rc.usable("read output"); err != nil {
		return nil, err
	}
	raw, err := gpu.Read(rc.dev, rc.output)
	if err != nil {
		return nil, hybridrt.ContextFailure("read output", err)
	}
	n := rc.cfg.Width * rc.cfg.Height * 4
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out, nil
}

// OutputImage is OutputPixels wrapped for the codec.
func (rc *RenderContext) OutputImage() (codec.Image, error) {
	pix, err := rc.OutputPixels()
	if err != nil {
		return codec.Image{}, err
	}
	return codec.Image{Width: rc.cfg.Width, Height: rc.cfg.Height, Pix: pix, BottomUp: true}, nil
}

// Teardown releases the scene, every buffer and the device. Only the first
// call does anything.
func (rc *RenderContext) Teardown() {
	rc.teardown.Do(func() {
		rc.tornDown.Store(true)
		// Wait for a launch still running on another goroutine.
		_ = rc.launching.Acquire(context.Background(), 1)
		defer rc.launching.Release(1)

		rc.release()
		rc.dev.Destroy()
		rc.log.Debugf("render context torn down")
	})
}

func (rc *RenderContext) release() {
	if rc.scene != nil {
		rc.scene.Release()
		rc.scene = nil
	}
	for _, b := range []gpu.Buffer{rc.output, rc.envBuf, rc.paramsBuf} {
		if b != nil {
			rc.dev.Release(b)
		}
	}
	rc.output, rc.envBuf, rc.paramsBuf = nil, nil, nil
}

func (rc *RenderContext) Output() gpu.Buffer  { return rc.output }
func (rc *RenderContext) Size() (int, int)    { return rc.cfg.Width, rc.cfg.Height }
func (rc *RenderContext) FrameNumber() uint32 { return rc.params.FrameNumber }
func (rc *RenderContext) Params() gpu.Params  { return rc.params }
func (rc *RenderContext) Initialized() bool   { return rc.initialized.Load() }
func (rc *RenderContext) TornDown() bool      { return rc.tornDown.Load() }
