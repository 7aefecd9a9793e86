package cli

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Progress reports how many records a long-running command has handled.
// Output is redrawn on one line and throttled to Interval.
type Progress struct {
	mu       sync.Mutex
	w        io.Writer
	clock    clockwork.Clock
	label    string
	total    int64
	current  int64
	started  time.Time
	lastDraw time.Time

	// Interval is the minimum time between redraws.
	Interval time.Duration
}

// NewProgress creates a reporter that writes to w. label names the unit,
// e.g. "records".
func NewProgress(w io.Writer, label string, clock clockwork.Clock) *Progress {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Progress{
		w:        w,
		clock:    clock,
		label:    label,
		Interval: 200 * time.Millisecond,
	}
}

// Start resets the reporter. A total of 0 means unknown.
func (p *Progress) Start(total int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = total
	p.current = 0
	p.started = p.clock.Now()
	p.lastDraw = time.Time{}
	p.draw()
}

// Add records n more items.
func (p *Progress) Add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.current += n
	if p.clock.Since(p.lastDraw) >= p.Interval {
		p.draw()
	}
}

// Finish draws the final count and ends the line.
func (p *Progress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.draw()
	fmt.Fprintf(p.w, " in %s\n", p.clock.Since(p.started).Round(time.Millisecond))
}

// Current returns the number of items recorded so far.
func (p *Progress) Current() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Progress) draw() {
	p.lastDraw = p.clock.Now()
	if p.total > 0 {
		pct := float64(p.current) / float64(p.total) * 100
		fmt.Fprintf(p.w, "\r%d/%d %s (%.1f%%)", p.current, p.total, p.label, pct)
		return
	}
	fmt.Fprintf(p.w, "\r%d %s", p.current, p.label)
}
