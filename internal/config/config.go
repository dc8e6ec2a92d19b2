// Package config loads the controller's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/irrigation-controller/internal/gpio"
	"github.com/sweeney/irrigation-controller/internal/history"
	"github.com/sweeney/irrigation-controller/internal/polarity"
	"github.com/sweeney/irrigation-controller/internal/safety"
	"github.com/sweeney/irrigation-controller/internal/scheduler"
	"github.com/sweeney/irrigation-controller/internal/sequencer"
	"github.com/sweeney/irrigation-controller/internal/valve"
	"github.com/sweeney/irrigation-controller/internal/window"
)

// Valve groups for the safety monitor.
const (
	GroupTrusted    = "trusted"
	GroupUnreliable = "unreliable"
)

// Config is the whole controller configuration.
type Config struct {
	GPIO      GPIO          `yaml:"gpio"`
	Valves    []Valve       `yaml:"valves"`
	Sequence  Sequence      `yaml:"sequence"`
	Scheduler Scheduler     `yaml:"scheduler"`
	Safety    Safety        `yaml:"safety"`
	Window    Window        `yaml:"window"`
	MQTT      MQTT          `yaml:"mqtt"`
	Influx    Influx        `yaml:"influx"`
	HTTP      string        `yaml:"http"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// GPIO selects the chip and the driver lines. Line 0 is a valid offset, so
// the lines are pointers and only a missing key selects the default.
type GPIO struct {
	Chip         string        `yaml:"chip"`
	Simulate     bool          `yaml:"simulate"`
	Breaker      *int          `yaml:"breaker"`
	Polarity1    *int          `yaml:"polarity1"`
	Polarity2    *int          `yaml:"polarity2"`
	BreakerDelay time.Duration `yaml:"breaker_delay"`
}

// Valve describes one outlet. A missing min_depth selects
// valve.DefaultMinDepth; an explicit 0 is kept.
type Valve struct {
	Pin         int         `yaml:"pin"`
	Name        string      `yaml:"name"`
	MinDepth    *float64    `yaml:"min_depth"`
	Group       string      `yaml:"group"`
	OffProtocol OffProtocol `yaml:"off_protocol"`
}

// OffProtocol is the per-valve close quirk.
type OffProtocol struct {
	Cycles      int           `yaml:"cycles"`
	ExtraPulses int           `yaml:"extra_pulses"`
	CycleGap    time.Duration `yaml:"cycle_gap"`
}

// Sequence is the ordered watering plan.
type Sequence struct {
	Cooldown time.Duration `yaml:"cooldown"`
	Entries  []Entry       `yaml:"entries"`
}

// Entry refers to a valve by name.
type Entry struct {
	Valve   string        `yaml:"valve"`
	RunTime time.Duration `yaml:"run_time"`
}

// Scheduler holds the depth scheduling thresholds. Nothing here has a default.
type Scheduler struct {
	DepthThreshold     float64       `yaml:"depth_threshold"`
	StabilityThreshold float64       `yaml:"stability_threshold"`
	StabilityTime      time.Duration `yaml:"stability_time"`
	UseStabilityLogic  *bool         `yaml:"use_stability_logic"`
	WaitBeforeResume   time.Duration `yaml:"wait_before_resume"`
}

// Safety configures the watchdog over the unreliable group.
type Safety struct {
	CriticalDepth float64 `yaml:"critical_depth"`
}

// Window limits automatic scheduling to a daily range of hours. Hour 0 is
// midnight, so a missing key selects the default rather than a zero value.
type Window struct {
	Enabled     bool   `yaml:"enabled"`
	EnableHour  *int   `yaml:"enable_hour"`
	DisableHour *int   `yaml:"disable_hour"`
	TimeZone    string `yaml:"time_zone"`
}

// MQTT locates the broker.
type MQTT struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	BufferSize int    `yaml:"buffer_size"`
}

// Influx locates the history bucket. An empty URL disables history.
type Influx struct {
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
	Channel string `yaml:"channel"`
}

// Load reads and validates path. Defaults fill hardware and network settings,
// never the scheduler thresholds.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GPIO.Chip == "" {
		c.GPIO.Chip = gpio.DefaultChipName
	}
	pins := polarity.DefaultPins()
	setDefault(&c.GPIO.Breaker, pins.Breaker)
	setDefault(&c.GPIO.Polarity1, pins.Polarity1)
	setDefault(&c.GPIO.Polarity2, pins.Polarity2)
	if c.GPIO.BreakerDelay == 0 {
		c.GPIO.BreakerDelay = polarity.DefaultBreakerDelay
	}
	for i := range c.Valves {
		if c.Valves[i].Group == "" {
			c.Valves[i].Group = GroupTrusted
		}
	}
	if c.Sequence.Cooldown == 0 {
		c.Sequence.Cooldown = sequencer.DefaultCooldown
	}
	if c.Safety.CriticalDepth == 0 {
		c.Safety.CriticalDepth = safety.DefaultCriticalDepth
	}
	if c.Window.TimeZone == "" {
		c.Window.TimeZone = window.DefaultTimeZone
	}
	setDefault(&c.Window.EnableHour, window.DefaultEnableHour)
	setDefault(&c.Window.DisableHour, window.DefaultDisableHour)
	if c.Influx.Channel == "" {
		c.Influx.Channel = history.DefaultChannel
	}
	if c.HTTP == "" {
		c.HTTP = ":80"
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = 15 * time.Minute
	}
}

func setDefault[T any](p **T, def T) {
	if *p == nil {
		*p = &def
	}
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Valves) == 0 {
		errs = append(errs, errors.New("no valves configured"))
	}
	driver := c.Pins()
	pins := map[int]string{
		driver.Breaker:   "breaker",
		driver.Polarity1: "polarity1",
		driver.Polarity2: "polarity2",
	}
	if len(pins) != 3 {
		errs = append(errs, errors.New("gpio: driver lines must be distinct"))
	}
	names := map[string]bool{}
	for i, v := range c.Valves {
		if v.Name == "" {
			errs = append(errs, fmt.Errorf("valves[%d]: name is required", i))
		}
		if names[v.Name] {
			errs = append(errs, fmt.Errorf("valves[%d]: duplicate name %q", i, v.Name))
		}
		names[v.Name] = true
		if other, used := pins[v.Pin]; used {
			errs = append(errs, fmt.Errorf("valves[%d]: pin %d already used by %s", i, v.Pin, other))
		}
		pins[v.Pin] = v.Name
		if v.Group != GroupTrusted && v.Group != GroupUnreliable {
			errs = append(errs, fmt.Errorf("valves[%d]: group must be %s or %s", i, GroupTrusted, GroupUnreliable))
		}
		if v.MinDepth != nil && *v.MinDepth < 0 {
			errs = append(errs, fmt.Errorf("valves[%d]: min_depth must not be negative", i))
		}
		if v.OffProtocol.Cycles < 0 || v.OffProtocol.ExtraPulses < 0 || v.OffProtocol.CycleGap < 0 {
			errs = append(errs, fmt.Errorf("valves[%d]: off_protocol values must not be negative", i))
		}
	}

	if len(c.Sequence.Entries) == 0 {
		errs = append(errs, errors.New("sequence: no entries"))
	}
	for i, e := range c.Sequence.Entries {
		if !names[e.Valve] {
			errs = append(errs, fmt.Errorf("sequence.entries[%d]: unknown valve %q", i, e.Valve))
		}
		if e.RunTime < 0 {
			errs = append(errs, fmt.Errorf("sequence.entries[%d]: negative run_time", i))
		}
	}

	if c.Scheduler.UseStabilityLogic == nil {
		errs = append(errs, errors.New("scheduler: use_stability_logic is required"))
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}

	if c.Window.Enabled {
		if _, err := c.WindowHours(); err != nil {
			errs = append(errs, fmt.Errorf("window: %w", err))
		}
	}
	return errors.Join(errs...)
}

// SchedulerConfig converts the scheduler section.
func (c *Config) SchedulerConfig() scheduler.Config {
	s := c.Scheduler
	return scheduler.Config{
		DepthThreshold:     s.DepthThreshold,
		StabilityThreshold: s.StabilityThreshold,
		StabilityTime:      s.StabilityTime,
		UseStabilityLogic:  s.UseStabilityLogic != nil && *s.UseStabilityLogic,
		WaitBeforeResume:   s.WaitBeforeResume,
	}
}

// Pins returns the driver lines, defaulting any that are unset.
func (c *Config) Pins() polarity.Pins {
	def := polarity.DefaultPins()
	return polarity.Pins{
		Breaker:   valueOr(c.GPIO.Breaker, def.Breaker),
		Polarity1: valueOr(c.GPIO.Polarity1, def.Polarity1),
		Polarity2: valueOr(c.GPIO.Polarity2, def.Polarity2),
	}
}

// ValveConfig converts one valve entry.
func (v Valve) ValveConfig() valve.Config {
	return valve.Config{
		Pin:      v.Pin,
		Name:     v.Name,
		MinDepth: v.MinDepth,
		Off: valve.OffProtocol{
			Cycles:      v.OffProtocol.Cycles,
			ExtraPulses: v.OffProtocol.ExtraPulses,
			CycleGap:    v.OffProtocol.CycleGap,
		},
	}
}

// WindowHours resolves the time zone of the window.
func (c *Config) WindowHours() (window.Hours, error) {
	loc, err := time.LoadLocation(c.Window.TimeZone)
	if err != nil {
		return window.Hours{}, fmt.Errorf("time zone %q: %w", c.Window.TimeZone, err)
	}
	enable, disable := c.Hours()
	h := window.Hours{Enable: enable, Disable: disable, Location: loc}
	return h, h.Validate()
}

// Hours returns the window's enable and disable hours, defaulting any that
// are unset.
func (c *Config) Hours() (enable, disable int) {
	return valueOr(c.Window.EnableHour, window.DefaultEnableHour),
		valueOr(c.Window.DisableHour, window.DefaultDisableHour)
}
