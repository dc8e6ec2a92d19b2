// Package gpio provides digital output lines with hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The simulated implementation keeps the control logic running without hardware.
// The fake implementation records writes for tests.
package gpio

// Output drives a single physical output line.
type Output interface {
	// Set drives the line to its logical active (true) or inactive (false) level.
	Set(active bool) error

	// Close releases the line.
	Close() error
}

// Chip hands out output lines. Exactly one Chip is selected at startup and
// injected into everything that touches hardware.
type Chip interface {
	// Output requests the given line offset as an output, initially inactive.
	Output(offset int) (Output, error)

	// Simulated reports whether writes are no-ops. Components skip their
	// hardware delays when this is true.
	Simulated() bool

	// Close releases the chip and any lines still held.
	Close() error
}

// Default line offsets (BCM numbering) of the polarity driver.
const (
	DefaultPinBreaker   = 16
	DefaultPinPolarity1 = 20
	DefaultPinPolarity2 = 21
)

// DefaultChipName is the GPIO character device used on a Raspberry Pi.
const DefaultChipName = "gpiochip0"
