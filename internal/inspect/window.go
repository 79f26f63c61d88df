package inspect

import (
	"sync"
	"time"
)

type sample struct {
	value float64
	at    time.Time
}

// RollingWindow is a time-ordered sequence of samples pruned lazily on read,
// so only entries newer than now-width remain visible.
type RollingWindow struct {
	mu      sync.Mutex
	width   time.Duration
	samples []sample
}

func NewRollingWindow(width time.Duration) *RollingWindow {
	return &RollingWindow{width: width}
}

// Add records a sample at the current time.
func (w *RollingWindow) Add(v float64) {
	w.AddAt(v, time.Now())
}

// AddAt records a sample at an explicit time.
func (w *RollingWindow) AddAt(v float64, at time.Time) {
	w.mu.Lock()
	w.samples = append(w.samples, sample{value: v, at: at})
	w.mu.Unlock()
}

// prune drops expired samples. Caller holds the mutex.
func (w *RollingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.width)
	i := 0
	for i < len(w.samples) && !w.samples[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		w.samples = append(w.samples[:0], w.samples[i:]...)
	}
}

// Count returns the number of live samples.
func (w *RollingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	return len(w.samples)
}

// Sum returns the sum of live sample values.
func (w *RollingWindow) Sum() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	var total float64
	for _, s := range w.samples {
		total += s.value
	}
	return total
}

// Values snapshots the live sample values in insertion order.
func (w *RollingWindow) Values() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(time.Now())
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.value
	}
	return out
}

// Width returns the window duration.
func (w *RollingWindow) Width() time.Duration { return w.width }
