package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/bleplex/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a phase with elapsed or remaining seconds on one terminal line.
//
// Usage:
//
//	p := NewProgressPrinter(w, ...)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop may be called any number of times. A printer
// writing to something other than a terminal prints nothing.
type ProgressPrinter struct {
	w          io.Writer
	enabled    bool
	prefix     string
	phase      atomic.Value        // string
	stopPhases map[string]struct{} // phases that stop the printer when set via Callback
	countUp    bool
	duration   time.Duration // countdown length

	startTime time.Time
	started   atomic.Bool
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewProgressPrinter creates a progress printer that counts up (shows elapsed time).
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, true, 0, stopPhases)
}

// NewCountdownProgressPrinter creates a progress printer that counts down from duration.
func NewCountdownProgressPrinter(w io.Writer, prefix, phase string, duration time.Duration, stopPhases ...string) *ProgressPrinter {
	return newProgressPrinter(w, prefix, phase, duration <= 0, duration, stopPhases)
}

func newProgressPrinter(w io.Writer, prefix, phase string, countUp bool, duration time.Duration, stopPhases []string) *ProgressPrinter {
	stopSet := make(map[string]struct{}, len(stopPhases))
	for _, p := range stopPhases {
		stopSet[p] = struct{}{}
	}
	p := &ProgressPrinter{
		w:          w,
		enabled:    isTerminal(w),
		prefix:     prefix,
		stopPhases: stopSet,
		countUp:    countUp,
		duration:   duration,
	}
	p.phase.Store(phase)
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.startTime = time.Now()
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	groutine.Go(ctx, "progress-printer", func(ctx context.Context) {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				phase := p.phase.Load().(string)
				if _, stop := p.stopPhases[phase]; stop {
					return
				}
				p.printProgress(phase, p.seconds())
			}
		}
	})
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// Round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

// printProgress displays a progress line with optional elapsed/remaining seconds
func (p *ProgressPrinter) printProgress(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a progress callback that updates the phase. Setting a stop phase
// stops the printer. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, stop := p.stopPhases[phase]; stop {
			p.Stop()
		}
	}
}

// Stop stops the display and clears the line.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		if p.cancel == nil {
			return
		}
		p.cancel()
		<-p.done
		fmt.Fprint(p.w, clearLineSequence)
	})
}
