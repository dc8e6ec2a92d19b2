package gpio

// SimChip is used when no GPIO subsystem is present. Its outputs accept
// writes and do nothing.
type SimChip struct{}

// NewSimChip creates a simulated chip.
func NewSimChip() *SimChip {
	return &SimChip{}
}

// Output returns a no-op line.
func (c *SimChip) Output(offset int) (Output, error) {
	return simOutput{}, nil
}

// Simulated is always true.
func (c *SimChip) Simulated() bool { return true }

// Close does nothing.
func (c *SimChip) Close() error { return nil }

type simOutput struct{}

func (simOutput) Set(bool) error { return nil }
func (simOutput) Close() error   { return nil }
