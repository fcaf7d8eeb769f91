package app

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Profiler keeps per-scope CPU timings: the last duration for the HUD and
// running totals for the end-of-batch summary.
type Profiler struct {
	Scopes     map[string]time.Duration
	Totals     map[string]time.Duration
	StartTimes map[string]time.Time
	Counts     map[string]int
	Order      []string

	now func() time.Time
}

func NewProfiler(now func() time.Time) *Profiler {
	if now == nil {
		now = time.Now
	}
	return &Profiler{
		Scopes:     make(map[string]time.Duration),
		Totals:     make(map[string]time.Duration),
		StartTimes: make(map[string]time.Time),
		Counts:     make(map[string]int),
		now:        now,
	}
}

func (p *Profiler) BeginScope(name string) {
	p.StartTimes[name] = p.now()
	if _, seen := p.Totals[name]; !seen {
		p.Order = append(p.Order, name)
		p.Totals[name] = 0
	}
}

func (p *Profiler) EndScope(name string) time.Duration {
	start, ok := p.StartTimes[name]
	if !ok {
		return 0
	}
	d := p.now().Sub(start)
	p.Scopes[name] = d
	p.Totals[name] += d
	delete(p.StartTimes, name)
	return d
}

// Time runs fn inside the named scope.
func (p *Profiler) Time(name string, fn func() error) error {
	p.BeginScope(name)
	defer p.EndScope(name)
	return fn()
}

func (p *Profiler) SetCount(name string, count int) { p.Counts[name] = count }
func (p *Profiler) AddCount(name string, delta int) { p.Counts[name] += delta }

// Reset clears the last-frame timings. Order and totals are kept.
func (p *Profiler) Reset() {
	for k := range p.Scopes {
		p.Scopes[k] = 0
	}
}

func (p *Profiler) StatsString() string {
	var sb strings.Builder

	sb.WriteString("Timings (CPU):\n")
	for _, name := range p.Order {
		fmt.Fprintf(&sb, "  %-15s: %.2f ms (total %.1f ms)\n", name,
			ms(p.Scopes[name]), ms(p.Totals[name]))
	}

	sb.WriteString("\nStats:\n")
	keys := make([]string, 0, len(p.Counts))
	for k := range p.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %-15s: %d\n", k, p.Counts[k])
	}
	return sb.String()
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000.0 }
