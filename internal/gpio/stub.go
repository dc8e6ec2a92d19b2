//go:build !linux

package gpio

import "errors"

// RealChip is not available on non-Linux platforms.
type RealChip struct{}

// NewRealChip returns an error on non-Linux platforms.
func NewRealChip(name string) (*RealChip, error) {
	return nil, errors.New("gpio: not supported on this platform (requires Linux)")
}

// Output is not implemented on non-Linux platforms.
func (c *RealChip) Output(offset int) (Output, error) {
	return nil, errors.New("gpio: not supported")
}

// Simulated is always false.
func (c *RealChip) Simulated() bool { return false }

// Close is not implemented on non-Linux platforms.
func (c *RealChip) Close() error {
	return nil
}

// Detect always selects simulation mode on non-Linux platforms.
func Detect(name string) (Chip, error) {
	return NewSimChip(), nil
}
