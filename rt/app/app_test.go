package app

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/codec"
	"github.com/gekko3d/hybridrt/rt/core"
	"github.com/gekko3d/hybridrt/rt/gpu"
	"github.com/gekko3d/hybridrt/rt/gpu/gputest"
	"github.com/gekko3d/hybridrt/rt/scene"
)

type stubCodec struct {
	mu      sync.Mutex
	encoded []string
	last    codec.Image
}

func (c *stubCodec) Decode(path string) (codec.Image, error) {
	img := codec.NewImage(2, 1)
	img.Pix[0] = 1
	return img, nil
}

func (c *stubCodec) Encode(path string, img codec.Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoded = append(c.encoded, path)
	c.last = img
	return nil
}

type resolverFunc func(string) (string, error)

func (f resolverFunc) Resolve(name string) (string, error) { return f(name) }

func found(name string) (string, error) { return "/data/" + name, nil }

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	dev   *gputest.Device
	codec *stubCodec
	clock *fakeClock
	s     *Session
}

func newFixture(t *testing.T, mutate ...func(*SessionOptions)) *fixture {
	t.Helper()
	f := &fixture{dev: gputest.NewDevice(), codec: &stubCodec{}, clock: newFakeClock()}
	opts := DefaultSessionOptions()
	opts.Assets = resolverFunc(found)
	opts.Codec = f.codec
	opts.Now = f.clock.Now
	for _, m := range mutate {
		m(&opts)
	}
	s, err := NewSession(f.dev, opts)
	require.NoError(t, err)
	f.s = s
	return f
}

func paramsFrame(t *testing.T, dev *gputest.Device) [4]uint32 {
	t.Helper()
	data := dev.Bound(gpu.VarParams).Data
	var out [4]uint32
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(data[80+4*i:])
	}
	return out
}

func TestInitializeUploadsGlobals(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, "pathtrace_camera", f.dev.Programs[gpu.StageRayGen])
	assert.Equal(t, "envmap_miss", f.dev.Programs[gpu.StageMiss])
	assert.Equal(t, "exception", f.dev.Programs[gpu.StageException])
	assert.Equal(t, uint64(480*270*16), f.dev.Bound(gpu.VarOutput).Size())
	assert.Equal(t, uint64(2*16), f.dev.Bound(gpu.VarEnvMap).Size())

	data := f.dev.Bound(gpu.VarParams).Data
	assert.InDelta(t, 0.001, math.Float32frombits(binary.LittleEndian.Uint32(data[12:])), 1e-9)
	assert.Equal(t, [4]float32{1e6, 0, 1e6, 0}, core.ReadVec4(data[64:]))

	frame := paramsFrame(t, f.dev)
	assert.Equal(t, [3]uint32{480, 270, 2}, [3]uint32{frame[1], frame[2], frame[3]})

	trace := [3]uint32{
		binary.LittleEndian.Uint32(data[96:]),
		binary.LittleEndian.Uint32(data[100:]),
		binary.LittleEndian.Uint32(data[104:]),
	}
	assert.Equal(t, [3]uint32{10, 1, 2}, trace)

	miss, _ := gpu.ProgramID("envmap_miss")
	assert.Equal(t, [4]uint32{2, 1, miss, f.s.Context.Params().ExceptionProgram},
		[4]uint32{
			binary.LittleEndian.Uint32(data[112:]),
			binary.LittleEndian.Uint32(data[116:]),
			binary.LittleEndian.Uint32(data[120:]),
			binary.LittleEndian.Uint32(data[124:]),
		})
}

func TestMissingEnvMapFailsBeforeDeviceWork(t *testing.T) {
	dev := gputest.NewDevice()
	opts := DefaultSessionOptions()
	opts.Codec = &stubCodec{}
	opts.Assets = resolverFunc(func(name string) (string, error) {
		return "", &hybridrt.ResourceNotFoundError{Name: name, Attempted: []string{"a/" + name, "b/" + name}}
	})

	_, err := NewSession(dev, opts)
	assert.ErrorIs(t, err, hybridrt.ErrResourceNotFound)
	assert.Empty(t, dev.Buffers)
	assert.Empty(t, dev.Programs)
	assert.Equal(t, 1, dev.Destroyed)
}

func TestInvalidConfigIsRejected(t *testing.T) {
	opts := DefaultSessionOptions()
	opts.Assets = resolverFunc(found)
	opts.Context.SamplesPerLaunch = 0

	dev := gputest.NewDevice()
	_, err := NewSession(dev, opts)
	assert.ErrorIs(t, err, hybridrt.ErrConfiguration)
	assert.Empty(t, dev.Buffers)
	assert.Equal(t, 1, dev.Destroyed)
}

func TestPopulateErrorsSurfaceBeforeAnyDevice(t *testing.T) {
	opts := DefaultSessionOptions()
	opts.Assets = resolverFunc(found)
	opts.Codec = &stubCodec{}
	opts.Populate = func(b *scene.Builder, lights *scene.LightRegistry) error {
		_, err := b.AddSphere(mgl32.Vec3{}, 0, mgl32.Vec3{1, 1, 1})
		return err
	}

	_, err := Prepare(opts)
	assert.ErrorIs(t, err, hybridrt.ErrConfiguration)

	dev := gputest.NewDevice()
	_, err = NewSession(dev, opts)
	assert.ErrorIs(t, err, hybridrt.ErrConfiguration)
	assert.Empty(t, dev.Buffers)
	assert.Equal(t, 1, dev.Destroyed)

	opts.Populate = func(*scene.Builder, *scene.LightRegistry) error { return errors.New("populate failed") }
	dev = gputest.NewDevice()
	_, err = NewSession(dev, opts)
	assert.EqualError(t, err, "populate failed")
	assert.Equal(t, 1, dev.Destroyed)
}

func TestPlanOpensOnce(t *testing.T) {
	opts := DefaultSessionOptions()
	opts.Assets = resolverFunc(found)
	opts.Codec = &stubCodec{}
	plan, err := Prepare(opts)
	require.NoError(t, err)

	first := gputest.NewDevice()
	s, err := plan.Open(first, nil)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, s.ID)

	second := gputest.NewDevice()
	_, err = plan.Open(second, nil)
	assert.ErrorIs(t, err, hybridrt.ErrContextFailure)
	assert.Equal(t, 1, second.Destroyed)
	assert.Zero(t, first.Destroyed)
}

// unboundDevice silently drops bindings of one variable.
type unboundDevice struct {
	*gputest.Device
	skip string
}

func (d *unboundDevice) Bind(variable string, buf gpu.Buffer) error {
	if variable == d.skip {
		return nil
	}
	return d.Device.Bind(variable, buf)
}

func TestSetupValidatesLaunchState(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 1, f.dev.Validations)

	dev := &unboundDevice{Device: gputest.NewDevice(), skip: gpu.VarMeshTriangles}
	opts := DefaultSessionOptions()
	opts.Assets = resolverFunc(found)
	opts.Codec = &stubCodec{}
	_, err := NewSession(dev, opts)
	assert.ErrorIs(t, err, hybridrt.ErrContextFailure)
	assert.ErrorIs(t, err, gpu.ErrIncomplete)
	assert.Zero(t, dev.LaunchCount())
	assert.Equal(t, 1, dev.Destroyed)
	assert.Empty(t, dev.Live())
}

func TestCloseReleasesEveryBuffer(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Step())
	lights := f.dev.Bound(gpu.VarLights)
	require.NotNil(t, lights)

	f.s.Close()
	assert.True(t, lights.Released)
	assert.Empty(t, f.dev.Live())
}

func TestRebuildLightsOnLiveSession(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.s.Step())
	}
	require.Equal(t, uint32(2), paramsFrame(t, f.dev)[3])

	quad := core.LightParameter{
		Type:     core.LightQuad,
		Position: mgl32.Vec3{0, 400, 0},
		U:        mgl32.Vec3{10, 0, 0},
		V:        mgl32.Vec3{0, 0, 10},
		Emission: mgl32.Vec3{5, 5, 5},
	}
	require.NoError(t, f.s.RebuildLights([]core.LightParameter{quad}))

	assert.Equal(t, uint32(1), f.s.Context.Params().NumLights)
	assert.Equal(t, uint32(1), paramsFrame(t, f.dev)[3])
	assert.Equal(t, uint64(core.LightParameterSize), f.dev.Bound(gpu.VarLights).Size())
	for _, gi := range f.s.Scene.Instances() {
		assert.False(t, gi.IsLight())
	}
	records := f.dev.Bound(gpu.VarObjectInstances).Data
	for i := range f.s.Scene.Instances() {
		assert.Equal(t, int32(-1), core.InstanceLightID(records[i*core.InstanceRecordSize:]))
	}

	assert.True(t, f.s.Camera.Dirty())
	require.NoError(t, f.s.Step())
	assert.Equal(t, uint32(1), f.s.Context.FrameNumber())

	f.s.Close()
	assert.ErrorIs(t, f.s.RebuildLights(nil), ErrTornDown)
}

func TestFrameCounterResetsOnDirtyResolve(t *testing.T) {
	f := newFixture(t)

	for want := uint32(1); want <= 3; want++ {
		require.NoError(t, f.s.Step())
		assert.Equal(t, want, f.s.Context.FrameNumber())
		assert.Equal(t, want, paramsFrame(t, f.dev)[0])
	}

	f.s.Camera.MarkDirty()
	require.NoError(t, f.s.Step())
	assert.Equal(t, uint32(1), f.s.Context.FrameNumber())
	require.NoError(t, f.s.Step())
	assert.Equal(t, uint32(2), f.s.Context.FrameNumber())
}

func TestResizeReallocatesOutputAndMarksDirty(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Step())
	require.False(t, f.s.Camera.Dirty())

	changed, err := f.s.Resize(640, 360)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.True(t, f.s.Camera.Dirty())
	assert.Equal(t, uint64(640*360*16), f.dev.Bound(gpu.VarOutput).Size())

	require.NoError(t, f.s.Step())
	changed, err = f.s.Resize(640, 360)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.False(t, f.s.Camera.Dirty())

	changed, err = f.s.Resize(0, -5)
	require.NoError(t, err)
	assert.True(t, changed)
	w, h := f.s.Context.Size()
	assert.Equal(t, [2]int{1, 1}, [2]int{w, h})
	assert.Equal(t, uint64(16), f.dev.Bound(gpu.VarOutput).Size())
}

func TestLaunchPreconditions(t *testing.T) {
	dev := gputest.NewDevice()
	rc := NewRenderContext(dev, resolverFunc(found), &stubCodec{}, nil)
	err := rc.Launch(1, 1)
	assert.ErrorIs(t, err, hybridrt.ErrContextFailure)
	assert.ErrorIs(t, err, ErrNotInitialized)

	require.NoError(t, rc.Initialize(DefaultContextConfig()))
	assert.ErrorIs(t, rc.Launch(480, 270), hybridrt.ErrContextFailure)

	f := newFixture(t)
	assert.ErrorIs(t, f.s.Context.Launch(10, 10), hybridrt.ErrContextFailure)

	f.s.Close()
	f.s.Close()
	assert.Equal(t, 1, f.dev.Destroyed)
	err = f.s.Context.Launch(480, 270)
	assert.ErrorIs(t, err, ErrTornDown)
	assert.ErrorIs(t, f.s.Step(), hybridrt.ErrContextFailure)
}

func TestConcurrentLaunchIsRejected(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	release := make(chan struct{})
	f.dev.OnLaunch = func(n int) error {
		if n == 1 {
			close(started)
			<-release
		}
		return nil
	}

	errc := make(chan error, 1)
	go func() { errc <- f.s.Context.Launch(480, 270) }()
	<-started

	err := f.s.Context.Launch(480, 270)
	assert.ErrorIs(t, err, ErrLaunchInFlight)
	assert.ErrorIs(t, err, hybridrt.ErrContextFailure)

	close(release)
	require.NoError(t, <-errc)
	require.NoError(t, f.s.Context.Launch(480, 270))
	assert.Equal(t, 2, f.dev.LaunchCount())
}

func TestBatchRunsExactSampleCount(t *testing.T) {
	f := newFixture(t)
	report, err := NewScheduler(f.s, f.clock.Now).RunBatch(context.Background(), BatchOptions{
		Samples: 5,
		Output:  "out.png",
	})
	require.NoError(t, err)

	assert.Equal(t, 5, f.dev.LaunchCount())
	assert.Equal(t, 5, report.Samples)
	assert.False(t, report.StoppedEarly)
	assert.Equal(t, []string{"out.png"}, f.codec.encoded)
	assert.True(t, f.codec.last.BottomUp)
	assert.Equal(t, 480*270*4, len(f.codec.last.Pix))
	assert.Equal(t, 1, f.dev.Destroyed)
}

func TestBatchStopsWhenNextFrameWouldOverrun(t *testing.T) {
	f := newFixture(t)
	f.dev.OnLaunch = func(int) error {
		f.clock.Advance(9 * time.Second)
		return nil
	}

	report, err := NewScheduler(f.s, f.clock.Now).RunBatch(context.Background(), BatchOptions{
		Deadline: 10 * time.Second,
		Output:   "out.png",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Samples)
	assert.True(t, report.StoppedEarly)
	assert.Equal(t, 1, f.dev.LaunchCount())
	assert.Equal(t, []string{"out.png"}, f.codec.encoded)
}

func TestBatchNeverPlansPastDeadline(t *testing.T) {
	deadline := 7 * time.Second
	for _, frame := range []time.Duration{100 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second, 6 * time.Second} {
		f := newFixture(t)
		f.dev.OnLaunch = func(int) error {
			f.clock.Advance(frame)
			return nil
		}
		start := f.clock.Now()

		report, err := NewScheduler(f.s, f.clock.Now).RunBatch(context.Background(), BatchOptions{
			Deadline: deadline,
			Start:    start,
			Output:   "out.tif",
		})
		require.NoError(t, err, frame)

		assert.True(t, report.StoppedEarly, frame)
		assert.LessOrEqual(t, report.Elapsed, deadline, frame)
		// One more frame would have been predicted to overrun.
		assert.Greater(t, float64(report.Elapsed)+1.1*float64(frame), float64(deadline), frame)
		assert.Equal(t, report.Samples, f.dev.LaunchCount(), frame)
	}
}

func TestBatchWithDeadlineStillHonoursSamples(t *testing.T) {
	f := newFixture(t)
	report, err := NewScheduler(f.s, f.clock.Now).RunBatch(context.Background(), BatchOptions{
		Samples:  3,
		Deadline: time.Hour,
		Output:   "out.png",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Samples)
	assert.False(t, report.StoppedEarly)
}

func TestBatchNeedsABound(t *testing.T) {
	f := newFixture(t)
	_, err := NewScheduler(f.s, f.clock.Now).RunBatch(context.Background(), BatchOptions{Output: "out.png"})
	assert.ErrorIs(t, err, hybridrt.ErrConfiguration)
	assert.Zero(t, f.dev.LaunchCount())
	assert.Equal(t, 1, f.dev.Destroyed)
}

func TestBatchCancelledStillExports(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.dev.OnLaunch = func(n int) error {
		if n == 2 {
			cancel()
		}
		return nil
	}

	report, err := NewScheduler(f.s, f.clock.Now).RunBatch(ctx, BatchOptions{Samples: 10, Output: "out.png"})
	require.NoError(t, err)
	assert.True(t, report.Cancelled)
	assert.Equal(t, 2, report.Samples)
	assert.Equal(t, []string{"out.png"}, f.codec.encoded)
}

func TestBatchLogsCarrySessionID(t *testing.T) {
	obs, logs := observer.New(zapcore.DebugLevel)
	logger := hybridrt.NewLoggerFromCore(obs, "hybridrt", false)
	f := newFixture(t, func(o *SessionOptions) { o.Logger = logger })
	f.dev.OnLaunch = func(int) error {
		f.clock.Advance(9 * time.Second)
		return nil
	}

	_, err := NewScheduler(f.s, f.clock.Now).RunBatch(context.Background(), BatchOptions{
		Deadline: 10 * time.Second,
		Output:   "out.png",
	})
	require.NoError(t, err)

	limit := logs.FilterMessageSnippet("reached time limit")
	require.Equal(t, 1, limit.Len())
	assert.Equal(t, zapcore.InfoLevel, limit.All()[0].Level)

	tagged := logs.FilterField(zap.String("session", f.s.ID.String()))
	assert.Equal(t, logs.Len(), tagged.Len())
	assert.Zero(t, logs.FilterLevelExact(zapcore.DebugLevel).Len())
}

func TestDispatcherAppliesEventsInOrder(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.s.Step())
	d := f.s.Input

	d.Push(PointerButton{Button: core.ButtonLeft, Pressed: true, X: 240, Y: 135})
	assert.Equal(t, 1, d.Pending())
	cmd, err := d.Drain(f.s)
	require.NoError(t, err)
	assert.Equal(t, CommandNone, cmd)
	assert.Equal(t, core.Orbiting, f.s.Camera.State())

	d.Push(PointerMove{X: 300, Y: 135})
	d.Push(PointerButton{Button: core.ButtonLeft})
	d.Push(Key{Rune: 's'})
	d.Push(Resize{Width: 100, Height: 50})
	_, err = d.Drain(f.s)
	require.NoError(t, err)

	assert.Equal(t, core.Idle, f.s.Camera.State())
	assert.True(t, f.s.Camera.Dirty())
	assert.Equal(t, []string{"hybridrt.png"}, f.codec.encoded)
	w, h := f.s.Context.Size()
	assert.Equal(t, [2]int{100, 50}, [2]int{w, h})
	assert.Zero(t, d.Pending())
}

func TestDispatcherQuitDropsRemainingEvents(t *testing.T) {
	f := newFixture(t)
	d := f.s.Input
	d.Push(Key{Rune: KeyEscape})
	d.Push(Key{Rune: 's'})

	cmd, err := d.Drain(f.s)
	require.NoError(t, err)
	assert.Equal(t, CommandQuit, cmd)
	assert.Empty(t, f.codec.encoded)
	assert.Zero(t, d.Pending())
}

type fakeWindow struct {
	polls  int
	quitAt int
	closed bool
	input  *InputDispatcher
	titles []string
}

func (w *fakeWindow) PollEvents() {
	w.polls++
	if w.polls == w.quitAt {
		w.input.Push(Key{Rune: 'q'})
	}
}

func (w *fakeWindow) ShouldClose() bool     { return w.closed }
func (w *fakeWindow) SetTitle(title string) { w.titles = append(w.titles, title) }

func TestRunInteractiveUntilQuit(t *testing.T) {
	f := newFixture(t)
	dev := f.dev
	f.s.opts.Display = dev

	win := &fakeWindow{quitAt: 3, input: f.s.Input}
	require.NoError(t, NewScheduler(f.s, f.clock.Now).RunInteractive(context.Background(), win))

	assert.Equal(t, 2, dev.LaunchCount())
	assert.Equal(t, 2, dev.Presents)
	require.Len(t, win.titles, 2)
	assert.Contains(t, win.titles[1], "frame 2")
	assert.Equal(t, 1, dev.Destroyed)
}

func TestRunInteractiveStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	win := &fakeWindow{input: f.s.Input}
	require.NoError(t, NewScheduler(f.s, f.clock.Now).RunInteractive(ctx, win))
	assert.Zero(t, f.dev.LaunchCount())
	assert.Equal(t, 1, f.dev.Destroyed)
}

func TestProfilerAccumulates(t *testing.T) {
	clock := newFakeClock()
	p := NewProfiler(clock.Now)
	for i := 0; i < 3; i++ {
		p.BeginScope("launch")
		clock.Advance(2 * time.Millisecond)
		p.EndScope("launch")
	}
	p.SetCount("frames", 3)

	assert.Equal(t, 2*time.Millisecond, p.Scopes["launch"])
	assert.Equal(t, 6*time.Millisecond, p.Totals["launch"])
	assert.Equal(t, []string{"launch"}, p.Order)
	assert.Contains(t, p.StatsString(), "frames")
	assert.Zero(t, p.EndScope("never-started"))
}
