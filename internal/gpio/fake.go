package gpio

import (
	"fmt"
	"sync"
	"time"
)

// Write is a single recorded line write.
type Write struct {
	Offset int
	Active bool
	Time   time.Time
}

// FakeChip is a test double that records every write across all its lines
// in a single ordered log. Unlike SimChip it reports Simulated() == false, so
// components run their full actuation protocol against it.
type FakeChip struct {
	mu     sync.Mutex
	writes []Write
	levels map[int]bool

	// Closed tracks if Close was called.
	Closed bool

	// SetError, if set, is returned by every Set call (the write is still recorded).
	SetError error

	// RequestError, if set, is returned by Output.
	RequestError error
}

// NewFakeChip creates an empty FakeChip.
func NewFakeChip() *FakeChip {
	return &FakeChip{levels: make(map[int]bool)}
}

// Output returns a recording line for offset.
func (f *FakeChip) Output(offset int) (Output, error) {
	if f.RequestError != nil {
		return nil, f.RequestError
	}
	f.mu.Lock()
	f.levels[offset] = false
	f.mu.Unlock()
	return &fakeOutput{chip: f, offset: offset}, nil
}

// Simulated is false so the full protocol runs.
func (f *FakeChip) Simulated() bool { return false }

// Close marks the chip as closed.
func (f *FakeChip) Close() error {
	f.mu.Lock()
	f.Closed = true
	f.mu.Unlock()
	return nil
}

// Writes returns a copy of the write log.
func (f *FakeChip) Writes() []Write {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Write, len(f.writes))
	copy(out, f.writes)
	return out
}

// Level returns the last level written to offset.
func (f *FakeChip) Level(offset int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[offset]
}

// Pulses counts rising edges (inactive to active) written to offset.
func (f *FakeChip) Pulses(offset int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	prev := false
	for _, w := range f.writes {
		if w.Offset != offset {
			continue
		}
		if w.Active && !prev {
			n++
		}
		prev = w.Active
	}
	return n
}

// Reset clears the write log.
func (f *FakeChip) Reset() {
	f.mu.Lock()
	f.writes = nil
	f.mu.Unlock()
}

type fakeOutput struct {
	chip   *FakeChip
	offset int
}

func (o *fakeOutput) Set(active bool) error {
	o.chip.mu.Lock()
	o.chip.writes = append(o.chip.writes, Write{Offset: o.offset, Active: active, Time: time.Now()})
	o.chip.levels[o.offset] = active
	err := o.chip.SetError
	o.chip.mu.Unlock()
	if err != nil {
		return fmt.Errorf("set line %d: %w", o.offset, err)
	}
	return nil
}

func (o *fakeOutput) Close() error { return nil }
