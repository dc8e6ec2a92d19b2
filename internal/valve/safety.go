package valve

import "log"

// Start arms the periodic low-depth cutoff. Calling Start twice, or after
// Close, does nothing.
func (v *Valve) Start() {
	v.check.Lock()
	defer v.check.Unlock()
	if v.started || v.closed {
		return
	}
	v.started = true
	v.checkTmr = v.clock.AfterFunc(v.timing.CheckInterval, v.runCheck)
}

// Close stops the cutoff check and waits for a running check to finish.
// No check fires after Close returns.
func (v *Valve) Close() {
	v.check.Lock()
	defer v.check.Unlock()
	v.closed = true
	if v.checkTmr != nil {
		v.checkTmr.Stop()
		v.checkTmr = nil
	}
}

func (v *Valve) runCheck() {
	v.check.Lock()
	defer v.check.Unlock()
	if v.closed {
		return
	}
	v.checkDepth()
	v.checkTmr = v.clock.AfterFunc(v.timing.CheckInterval, v.runCheck)
}

// checkDepth forces the valve off when it is open and the reservoir is at or
// below its minimum depth. The depth is sampled once per check.
func (v *Valve) checkDepth() {
	if v.depth == nil || !v.IsOn() {
		return
	}
	d, ok := v.depth.Current()
	if !ok || d > v.minDepth {
		return
	}
	log.Printf("valve %s (%s): emergency off, depth %.2fcm at or below minimum %.2fcm", v.name, v.id, d, v.minDepth)
	if err := v.turnOff(ReasonLowDepth); err != nil {
		log.Printf("valve %s: emergency off: %v", v.name, err)
	}
}
