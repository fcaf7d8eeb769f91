package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"github.com/gekko3d/hybridrt"
	"github.com/gekko3d/hybridrt/rt/app"
	"github.com/gekko3d/hybridrt/rt/codec"
	"github.com/gekko3d/hybridrt/rt/gpu"
	"github.com/gekko3d/hybridrt/rt/platform"
)

func init() {
	// GLFW and the surface must stay on the main thread.
	runtime.LockOSThread()
}

var errUsage = errors.New("usage")

type options struct {
	file      string
	nopbo     bool
	samples   int
	timeLimit time.Duration
	width     int
	height    int
	maxDepth  int
	spl       int
	assets    string
	envMap    string
	debug     bool
}

func newApp(stderr io.Writer, render func(options) error) *cli.App {
	a := cli.NewApp()
	a.Name = "hybridrt"
	a.Usage = "hybrid raymarching and path tracing renderer"
	a.HideHelp = true
	a.HideVersion = true
	a.Writer = stderr
	a.ErrWriter = stderr
	a.Flags = []cli.Flag{
		cli.BoolFlag{Name: "help, h", Usage: "print this usage message and exit"},
		cli.StringFlag{Name: "file, f", Usage: "save the image to `FILE` (.png, .tif, .tiff) and exit"},
		cli.BoolFlag{Name: "nopbo, n", Usage: "present through a host copy instead of sharing the output buffer"},
		cli.IntFlag{Name: "sample, s", Value: 20, Usage: "number of launches in batch mode"},
		cli.Float64Flag{Name: "time, t", Usage: "time limit in `SECONDS`; the sample count becomes unbounded"},
		cli.IntFlag{Name: "width, W", Value: 480, Usage: "image width"},
		cli.IntFlag{Name: "height, H", Value: 270, Usage: "image height"},
		cli.StringFlag{Name: "assets", EnvVar: hybridrt.AssetsEnv, Usage: "installed assets `DIR` (searched after ./ and ./data)"},
		cli.StringFlag{Name: "envmap", Value: app.DefaultEnvMap, Usage: "environment map image"},
		cli.IntFlag{Name: "max-depth", Value: 10, Usage: "maximum path depth"},
		cli.IntFlag{Name: "spl", Value: 2, Usage: "samples per launch"},
		cli.BoolFlag{Name: "debug", EnvVar: "HYBRIDRT_DEBUG", Usage: "enable debug logging"},
	}
	a.OnUsageError = func(c *cli.Context, err error, _ bool) error {
		fmt.Fprintf(stderr, "%v\n\n", err)
		_ = cli.ShowAppHelp(c)
		return errUsage
	}
	a.Action = func(c *cli.Context) error {
		if c.Bool("help") || c.NArg() > 0 {
			_ = cli.ShowAppHelp(c)
			return errUsage
		}
		o := options{
			file:     c.String("file"),
			nopbo:    c.Bool("nopbo"),
			samples:  c.Int("sample"),
			width:    c.Int("width"),
			height:   c.Int("height"),
			maxDepth: c.Int("max-depth"),
			spl:      c.Int("spl"),
			assets:   c.String("assets"),
			envMap:   c.String("envmap"),
			debug:    c.Bool("debug"),
		}
		if c.IsSet("time") {
			secs := c.Float64("time")
			if !(secs > 0) {
				return hybridrt.Configf("time", "must be positive, got %v", secs)
			}
			o.timeLimit = time.Duration(secs * float64(time.Second))
			o.samples = 0
		}
		return render(o)
	}
	return a
}

// exitCode maps an error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, hybridrt.ErrContextFailure):
		return 2
	case errors.Is(err, hybridrt.ErrResourceNotFound):
		return 3
	}
	return 1
}

func run(args []string, stderr io.Writer) int {
	start := time.Now()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp(stderr, func(o options) error {
		return render(ctx, o, start)
	}).Run(args)
	if err != nil && !errors.Is(err, errUsage) {
		fmt.Fprintf(stderr, "hybridrt: %v\n", err)
	}
	return exitCode(err)
}

func render(ctx context.Context, o options, start time.Time) error {
	logger := hybridrt.NewDefaultLogger("hybridrt", o.debug)
	defer logger.Sync()

	opts := app.DefaultSessionOptions()
	opts.Logger = logger
	opts.Codec = codec.Images{Logger: logger}
	opts.Context.Width, opts.Context.Height = o.width, o.height
	opts.Context.MaxDepth = o.maxDepth
	opts.Context.SamplesPerLaunch = o.spl
	opts.Context.EnvMap = o.envMap

	// Everything that can fail on user input is checked before the GPU is
	// brought up.
	if o.file != "" {
		if err := codec.CheckOutput(o.file); err != nil {
			return err
		}
	}
	locator, err := hybridrt.NewAssetLocator(o.assets, logger)
	if err != nil {
		return err
	}
	opts.Assets = locator
	plan, err := app.Prepare(opts)
	if err != nil {
		return err
	}

	if o.file != "" {
		return renderBatch(ctx, o, plan, start)
	}
	return renderInteractive(ctx, o, plan)
}

func renderBatch(ctx context.Context, o options, plan *app.Plan, start time.Time) error {
	dev, err := gpu.NewWebGPUDevice(gpu.DeviceOptions{Logger: plan.Logger()})
	if err != nil {
		return hybridrt.ContextFailure("create device", err)
	}
	s, err := plan.Open(dev, nil)
	if err != nil {
		return err
	}
	report, err := app.NewScheduler(s, nil).RunBatch(ctx, app.BatchOptions{
		Samples:  o.samples,
		Deadline: o.timeLimit,
		Start:    start,
		Output:   o.file,
	})
	if err != nil {
		return err
	}
	plan.Logger().Infof("total time %v, %d samples, written to %s", report.Elapsed, report.Samples, report.Output)
	return nil
}

func renderInteractive(ctx context.Context, o options, plan *app.Plan) error {
	win, err := platform.NewGLFWWindow("hybridrt", o.width, o.height)
	if err != nil {
		return hybridrt.ContextFailure("create window", err)
	}
	defer win.Destroy()

	fw, fh := win.FramebufferSize()
	dev, err := gpu.NewWebGPUDevice(gpu.DeviceOptions{
		Surface: win.SurfaceDescriptor(),
		Width:   uint32(fw),
		Height:  uint32(fh),
		Interop: !o.nopbo,
		Logger:  plan.Logger(),
	})
	if err != nil {
		return hybridrt.ContextFailure("create device", err)
	}

	s, err := plan.Open(dev, dev)
	if err != nil {
		return err
	}
	win.Attach(s.Input)
	return app.NewScheduler(s, nil).RunInteractive(ctx, win)
}

func main() {
	os.Exit(run(os.Args, os.Stderr))
}
