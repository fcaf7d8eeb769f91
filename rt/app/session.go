package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/codec"
	"github.com/gekko3d/hybridrt/rt/core"
	"github.com/gekko3d/hybridrt/rt/gpu"
	"github.com/gekko3d/hybridrt/rt/scene"
)

// PopulateFunc adds geometry and lights to a scene before it is built.
type PopulateFunc func(b *scene.Builder, lights *scene.LightRegistry) error

type SessionOptions struct {
	Name    string // base name for saved images
	Context ContextConfig
	Camera  core.CameraConfig

	Assets   scene.Resolver
	Codec    codec.Codec
	Importer scene.MeshImporter
	// Display presents frames in interactive mode; nil for batch runs.
	Display  gpu.Display
	Populate PopulateFunc
	Logger   hybridrt.Logger
	Now      func() time.Time
}

func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		Name:     "hybridrt",
		Context:  DefaultContextConfig(),
		Camera:   core.DefaultCameraConfig(),
		Codec:    codec.Images{},
		Populate: scene.DefaultScene,
	}
}

// surfaceResizer is implemented by displays that own a swapchain.
type surfaceResizer interface {
	ResizeSurface(width, height uint32)
}

// Session is everything one render run owns: the context, the scene, the
// camera and the input queue.
type Session struct {
	ID       uuid.UUID
	Context  *RenderContext
	Camera   *core.CameraController
	Scene    *scene.Scene
	Input    *InputDispatcher
	Profiler *Profiler

	opts SessionOptions
	dev  gpu.Device
	log  hybridrt.Logger
}

// Plan is a populated, validated session that has not touched a device
// yet: the scene description, the lights and the decoded environment map.
type Plan struct {
	ID uuid.UUID

	opts    SessionOptions
	log     hybridrt.Logger
	builder *scene.Builder
	lights  *scene.LightRegistry
	env     envMap
	opened  bool
}

// Prepare checks opts and runs Populate. Every asset and argument error
// is reported here, before a device exists.
func Prepare(opts SessionOptions) (*Plan, error) {
	if opts.Name == "" {
		opts.Name = "hybridrt"
	}
	if opts.Codec == nil {
		opts.Codec = codec.Images{Logger: opts.Logger}
	}
	if opts.Populate == nil {
		opts.Populate = scene.DefaultScene
	}
	if opts.Assets == nil {
		return nil, hybridrt.Configf("assets", "no asset resolver configured")
	}
	if err := opts.Context.Validate(); err != nil {
		return nil, err
	}

	id := uuid.New()
	log := hybridrt.OrNop(opts.Logger)
	if dl, ok := log.(*hybridrt.DefaultLogger); ok {
		log = dl.With("session", id.String())
	}

	env, err := loadEnvMap(opts.Assets, opts.Codec, opts.Context.EnvMap)
	if err != nil {
		return nil, err
	}
	p := &Plan{
		ID:      id,
		opts:    opts,
		log:     log,
		builder: scene.NewBuilder(scene.BuilderOptions{Assets: opts.Assets, Importer: opts.Importer, Logger: log}),
		lights:  scene.NewLightRegistry(log),
		env:     env,
	}
	if err := opts.Populate(p.builder, p.lights); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) Logger() hybridrt.Logger { return p.log }

// Open brings the plan up on dev and takes ownership of it: on failure dev
// is destroyed. A plan can be opened once. display overrides the plan's
// Display when not nil.
func (p *Plan) Open(dev gpu.Device, display gpu.Display) (*Session, error) {
	if p.opened {
		dev.Destroy()
		return nil, hybridrt.ContextFailure("open session", errors.New("plan already opened"))
	}
	p.opened = true
	opts := p.opts
	if display != nil {
		opts.Display = display
	}

	s := &Session{
		ID:       p.ID,
		Context:  NewRenderContext(dev, opts.Assets, opts.Codec, p.log),
		Camera:   core.NewCameraController(opts.Camera),
		Input:    NewInputDispatcher(),
		Profiler: NewProfiler(opts.Now),
		opts:     opts,
		dev:      dev,
		log:      p.log,
	}
	if err := s.Context.initialize(opts.Context, p.env); err != nil {
		s.Context.Teardown()
		return nil, err
	}
	built, err := p.builder.Build(dev, p.lights)
	if err != nil {
		s.Context.Teardown()
		return nil, err
	}
	if err := s.Context.AttachScene(built); err != nil {
		built.Release()
		s.Context.Teardown()
		return nil, err
	}
	s.Scene = built
	if err := s.Context.Validate(); err != nil {
		s.Context.Teardown()
		return nil, err
	}
	p.log.Infof("session %s ready", p.ID)
	return s, nil
}

// NewSession prepares and opens a session on dev in one go. dev is
// destroyed when anything fails.
func NewSession(dev gpu.Device, opts SessionOptions) (*Session, error) {
	p, err := Prepare(opts)
	if err != nil {
		dev.Destroy()
		return nil, err
	}
	return p.Open(dev, nil)
}

func (s *Session) Name() string            { return s.opts.Name }
func (s *Session) Logger() hybridrt.Logger { return s.log }

func (s *Session) aspect() float32 {
	w, h := s.Context.Size()
	return float32(w) / float32(h)
}

// Step resolves the camera and renders one frame.
func (s *Session) Step() error {
	if err := s.Profiler.Time("camera", func() error {
		return s.Context.SetCamera(s.Camera.Resolve(s.aspect()))
	}); err != nil {
		return err
	}
	w, h := s.Context.Size()
	if err := s.Profiler.Time("launch", func() error {
		return s.Context.Launch(w, h)
	}); err != nil {
		return err
	}
	s.Profiler.AddCount("frames", 1)
	return nil
}

// Present shows the current output on the display, if there is one.
func (s *Session) Present() error {
	if s.opts.Display == nil {
		return nil
	}
	w, h := s.Context.Size()
	return s.Profiler.Time("present", func() error {
		if err := s.opts.Display.Present(s.Context.Output(), uint32(w), uint32(h)); err != nil {
			return hybridrt.ContextFailure("present", err)
		}
		return nil
	})
}

// RebuildLights swaps the scene's lights and restarts accumulation.
func (s *Session) RebuildLights(lights []core.LightParameter) error {
	if err := s.Context.RebuildLights(lights); err != nil {
		return err
	}
	s.Camera.MarkDirty()
	return nil
}

// Resize resizes the output and, when it changed, restarts accumulation.
func (s *Session) Resize(width, height int) (bool, error) {
	changed, err := s.Context.Resize(width, height)
	if err != nil || !changed {
		return changed, err
	}
	s.Camera.MarkDirty()
	if r, ok := s.opts.Display.(surfaceResizer); ok {
		w, h := s.Context.Size()
		r.ResizeSurface(uint32(w), uint32(h))
	}
	return true, nil
}

// Export writes the current output to path; the format follows the
// extension.
func (s *Session) Export(path string) error {
	img, err := s.Context.OutputImage()
	if err != nil {
		return err
	}
	if err := s.opts.Codec.Encode(path, img); err != nil {
		return fmt.Errorf("export %s: %w", path, err)
	}
	return nil
}

// Close tears the context down. It is safe to call more than once.
func (s *Session) Close() {
	s.Context.Teardown()
}
