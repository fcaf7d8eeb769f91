package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gekko3d/hybridrt"
)

// Window is the interactive front end: it pumps window-system events
// (into the session's InputDispatcher) and shows a title.
type Window interface {
	PollEvents()
	ShouldClose() bool
	SetTitle(title string)
}

type BatchOptions struct {
	// Samples is the number of launches; zero or less means no limit, in
	// which case Deadline must be set.
	Samples int
	// Deadline bounds the run, measured from Start. Zero means none.
	Deadline time.Duration
	// Start is when the run began; the zero value means "now".
	Start  time.Time
	Output string
}

type BatchReport struct {
	Samples      int
	LastFrame    time.Duration
	Elapsed      time.Duration
	StoppedEarly bool // the deadline would have been overrun
	Cancelled    bool
	Output       string
}

// Scheduler drives a session, either interactively against a window or
// as a sample/time budgeted batch.
type Scheduler struct {
	session *Session
	now     func() time.Time
	log     hybridrt.Logger
}

func NewScheduler(s *Session, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{session: s, now: now, log: s.Logger()}
}

// predictOverrun reports whether another frame as long as the previous one,
// with 10% margin, would end past the deadline.
func predictOverrun(elapsed, previous, deadline time.Duration) bool {
	return float64(elapsed)+1.1*float64(previous) > float64(deadline)
}

// RunBatch renders until the sample count or the deadline is reached, then
// exports the output and tears the session down. Stopping for the deadline
// is reported, not returned as an error.
func (sc *Scheduler) RunBatch(ctx context.Context, opts BatchOptions) (BatchReport, error) {
	s := sc.session
	defer s.Close()

	if opts.Samples <= 0 && opts.Deadline <= 0 {
		return BatchReport{}, hybridrt.Configf("sample", "an unbounded sample count needs a time limit")
	}
	if opts.Output == "" {
		return BatchReport{}, hybridrt.Configf("file", "batch mode needs an output file")
	}
	start := opts.Start
	if start.IsZero() {
		start = sc.now()
	}

	w, h := s.Context.Size()
	if opts.Samples > 0 {
		sc.log.Infof("batch %dx%d, %d samples, deadline %v", w, h, opts.Samples, opts.Deadline)
	} else {
		sc.log.Infof("batch %dx%d, unbounded samples, deadline %v", w, h, opts.Deadline)
	}

	var report BatchReport
	for opts.Samples <= 0 || report.Samples < opts.Samples {
		if ctx.Err() != nil {
			report.Cancelled = true
			break
		}
		frameStart := sc.now()
		if opts.Deadline > 0 {
			elapsed := frameStart.Sub(start)
			if predictOverrun(elapsed, report.LastFrame, opts.Deadline) {
				report.StoppedEarly = true
				sc.log.Infof("reached time limit: used %v, remaining %v, sampled %d",
					elapsed, opts.Deadline-elapsed, report.Samples)
				break
			}
		}
		if err := s.Step(); err != nil {
			return report, err
		}
		report.LastFrame = sc.now().Sub(frameStart)
		report.Samples++
	}

	if err := s.Export(opts.Output); err != nil {
		return report, err
	}
	report.Output = opts.Output
	report.Elapsed = sc.now().Sub(start)
	sc.log.Infof("batch done: %d samples in %v", report.Samples, report.Elapsed)
	sc.log.Debugf("%s", s.Profiler.StatsString())
	return report, nil
}

// RunInteractive renders until the window closes, the user quits or ctx
// is cancelled. The session is torn down on return.
func (sc *Scheduler) RunInteractive(ctx context.Context, win Window) error {
	s := sc.session
	defer s.Close()

	var (
		frames    int
		fpsWindow = sc.now()
		fps       float64
	)
	for !win.ShouldClose() {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		win.PollEvents()
		cmd, err := s.Input.Drain(s)
		if err != nil {
			return err
		}
		if cmd == CommandQuit {
			return nil
		}

		s.Profiler.Reset()
		if err := s.Step(); err != nil {
			return err
		}
		if err := s.Present(); err != nil {
			return err
		}

		frames++
		if d := sc.now().Sub(fpsWindow); d >= time.Second {
			fps = float64(frames) / d.Seconds()
			frames, fpsWindow = 0, sc.now()
		}
		win.SetTitle(sc.title(fps))
	}
	return nil
}

func (sc *Scheduler) title(fps float64) string {
	s := sc.session
	eye, at := s.Camera.Eye(), s.Camera.LookAt()
	return fmt.Sprintf("%s | frame %d | eye (%.1f, %.1f, %.1f) | lookat (%.1f, %.1f, %.1f) | %.1f fps",
		s.Name(), s.Context.FrameNumber(), eye[0], eye[1], eye[2], at[0], at[1], at[2], fps)
}
