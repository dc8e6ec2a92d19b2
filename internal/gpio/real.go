//go:build linux

package gpio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"
)

// RealChip drives output lines on actual hardware using the Linux GPIO character device.
type RealChip struct {
	chip *gpiocdev.Chip

	mu    sync.Mutex
	lines []*gpiocdev.Line
}

// NewRealChip opens the named GPIO chip.
func NewRealChip(name string) (*RealChip, error) {
	chip, err := gpiocdev.NewChip(name)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}
	return &RealChip{chip: chip}, nil
}

// Output requests the line as an active-low output, initially inactive.
// The relay board switches on a low level, so logical active maps to raw 0.
func (c *RealChip) Output(offset int) (Output, error) {
	line, err := c.chip.RequestLine(offset, gpiocdev.AsOutput(0), gpiocdev.AsActiveLow)
	if err != nil {
		return nil, fmt.Errorf("request output line %d: %w", offset, err)
	}
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
	return &realOutput{line: line, offset: offset}, nil
}

// Simulated is always false for real hardware.
func (c *RealChip) Simulated() bool { return false }

// Close drives every requested line inactive, reconfigures it as an input with
// pull-down (matching Pi boot defaults) and releases the chip.
func (c *RealChip) Close() error {
	var errs []error

	c.mu.Lock()
	lines := c.lines
	c.lines = nil
	c.mu.Unlock()

	for _, line := range lines {
		if err := line.SetValue(0); err != nil {
			errs = append(errs, fmt.Errorf("deactivate line %d: %w", line.Offset(), err))
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure line %d: %w", line.Offset(), err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line %d: %w", line.Offset(), err))
		}
	}
	if c.chip != nil {
		if err := c.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}

type realOutput struct {
	line   *gpiocdev.Line
	offset int
}

func (o *realOutput) Set(active bool) error {
	v := 0
	if active {
		v = 1
	}
	if err := o.line.SetValue(v); err != nil {
		return fmt.Errorf("set line %d: %w", o.offset, err)
	}
	return nil
}

// Close is a no-op; lines are released by RealChip.Close.
func (o *realOutput) Close() error { return nil }

// Detect returns a RealChip when the named GPIO chip exists, or a SimChip
// when the host has no GPIO subsystem.
func Detect(name string) (Chip, error) {
	found := false
	for _, c := range gpiocdev.Chips() {
		if c == name {
			found = true
			break
		}
	}
	if !found {
		return NewSimChip(), nil
	}
	return NewRealChip(name)
}
