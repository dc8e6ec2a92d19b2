package main

import (
	"fmt"
	"log"

	"github.com/sweeney/irrigation-controller/internal/clock"
	"github.com/sweeney/irrigation-controller/internal/config"
	"github.com/sweeney/irrigation-controller/internal/controller"
	"github.com/sweeney/irrigation-controller/internal/depth"
	"github.com/sweeney/irrigation-controller/internal/gpio"
	"github.com/sweeney/irrigation-controller/internal/polarity"
	"github.com/sweeney/irrigation-controller/internal/safety"
	"github.com/sweeney/irrigation-controller/internal/scheduler"
	"github.com/sweeney/irrigation-controller/internal/sequencer"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/valve"
	"github.com/sweeney/irrigation-controller/internal/window"
)

// system is the wired control core: one driver, the valves, the depth hub
// and everything that reacts to depth.
type system struct {
	driver  *polarity.Driver
	valves  []*valve.Valve
	hub     *depth.Hub
	seq     *sequencer.Sequencer
	sched   *scheduler.Scheduler
	monitor *safety.Monitor
	gate    *window.Gate // nil when the window is disabled
	ctrl    *controller.Controller
}

func newSystem(cfg *config.Config, chip gpio.Chip, clk clock.Clock) (*system, error) {
	driver, err := polarity.New(chip, cfg.Pins(), cfg.GPIO.BreakerDelay)
	if err != nil {
		return nil, fmt.Errorf("init driver: %w", err)
	}

	s := &system{driver: driver, hub: depth.NewHub()}

	byName := make(map[string]*valve.Valve, len(cfg.Valves))
	var trusted, unreliable []safety.Valve
	for _, vc := range cfg.Valves {
		v, err := valve.New(vc.ValveConfig(), chip, driver, s.hub, clk)
		if err != nil {
			return nil, err
		}
		s.valves = append(s.valves, v)
		byName[vc.Name] = v
		if vc.Group == config.GroupUnreliable {
			unreliable = append(unreliable, v)
		} else {
			trusted = append(trusted, v)
		}
	}

	entries := make([]sequencer.Entry, 0, len(cfg.Sequence.Entries))
	for _, e := range cfg.Sequence.Entries {
		v, ok := byName[e.Valve]
		if !ok {
			return nil, fmt.Errorf("sequence: unknown valve %q", e.Valve)
		}
		entries = append(entries, sequencer.Entry{Valve: v, RunTime: e.RunTime})
	}
	if s.seq, err = sequencer.New(entries, clk, cfg.Sequence.Cooldown); err != nil {
		return nil, err
	}
	if s.sched, err = scheduler.New(s.seq, s.hub, clk, cfg.SchedulerConfig()); err != nil {
		return nil, err
	}
	s.monitor = safety.New(trusted, unreliable, s.hub, cfg.Safety.CriticalDepth)

	if cfg.Window.Enabled {
		hours, err := cfg.WindowHours()
		if err != nil {
			return nil, fmt.Errorf("window: %w", err)
		}
		if s.gate, err = window.NewGate(hours, s.sched, clk); err != nil {
			return nil, fmt.Errorf("window: %w", err)
		}
	}

	if s.ctrl, err = controller.New(s.valves, s.seq, s.sched, s.hub, driver); err != nil {
		return nil, err
	}
	return s, nil
}

// start arms the per-valve depth checks and hands the scheduler to the
// window gate, or enables it outright when there is no window.
func (s *system) start() {
	for _, v := range s.valves {
		v.Start()
	}
	if s.gate != nil {
		s.gate.Start()
		return
	}
	log.Printf("window gating off, scheduler enabled")
	s.sched.Enable()
}

// shutdown stops the window gate and the depth monitor, then lets the
// controller stop the scheduler and sequence and close the valves.
func (s *system) shutdown() error {
	if s.gate != nil {
		s.gate.Stop()
	}
	s.monitor.Close()
	err := s.ctrl.Shutdown()
	s.hub.Close()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// controllerStatus reads the core for the status tracker.
func controllerStatus(ctrl *controller.Controller) func() status.Controller {
	return func() status.Controller {
		c := status.Controller{
			Valves:           ctrl.Valves(),
			Sequence:         ctrl.Sequence(),
			SchedulerEnabled: ctrl.SchedulerEnabled(),
			TotalMinutes24h:  ctrl.TotalMinutesLast24h(),
			Simulated:        ctrl.Simulated(),
		}
		if d, ok := ctrl.Depth(); ok {
			c.Depth = &d
		}
		return c
	}
}

// openChip honours a forced simulation and otherwise detects the chip.
func openChip(name string, simulate bool) (gpio.Chip, error) {
	if simulate {
		log.Printf("gpio: simulation forced")
		return gpio.NewSimChip(), nil
	}
	chip, err := gpio.Detect(name)
	if err != nil {
		return nil, err
	}
	if chip.Simulated() {
		log.Printf("gpio: %s not found, running simulated", name)
	}
	return chip, nil
}
