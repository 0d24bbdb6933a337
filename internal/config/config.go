package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/apicsim/internal/sim"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultBusFrequency is the local APIC bus clock used when none is set.
	DefaultBusFrequency = 100 * sim.MHz

	DefaultLAPICBase uint64 = 0xFEE00000
	lapicWindowSize  uint64 = 0x1000

	DefaultIOAPICPins = 24
	maxIOAPICPins     = 240
)

// Config describes the simulated interrupt subsystem.
type Config struct {
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	CPUs   []CPU  `yaml:"cpus"`
	IOAPIC IOAPIC `yaml:"ioapic"`
	PIC    PIC    `yaml:"pic"`

	// MaxAdvance bounds a single advance step of a scenario. Zero means
	// unbounded.
	MaxAdvance Duration `yaml:"maxAdvance,omitempty"`
}

// CPU describes one processor and its local APIC.
type CPU struct {
	APICID uint8 `yaml:"apicId"`
	// Base defaults to the architectural base offset by one window per
	// APIC id so that all APICs can share one chipset.
	Base         uint64    `yaml:"base,omitempty"`
	BusFrequency Frequency `yaml:"busFrequency,omitempty"`
	// InterruptsDisabled starts the processor with RFLAGS.IF clear.
	InterruptsDisabled bool `yaml:"interruptsDisabled,omitempty"`
}

// IOAPIC configures the IO-APIC.
type IOAPIC struct {
	Enabled bool `yaml:"enabled"`
	Pins    int  `yaml:"pins,omitempty"`
}

// PIC configures the legacy 8259 controller.
type PIC struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode,omitempty"`
	// Target is the APIC id receiving ExtInt messages for acknowledged
	// requests.
	Target uint8 `yaml:"target,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Frequency is a clock rate in Hz. YAML accepts plain integers or a value
// with an Hz, kHz, MHz or GHz suffix.
type Frequency sim.Frequency

var frequencyUnits = []struct {
	suffix string
	scale  sim.Frequency
}{
	{"ghz", sim.GHz},
	{"mhz", sim.MHz},
	{"khz", sim.KHz},
	{"hz", sim.Hz},
}

// ParseFrequency parses strings such as "100MHz" or "2.5GHz".
func ParseFrequency(s string) (Frequency, error) {
	str := strings.ToLower(strings.TrimSpace(s))
	scale := sim.Hz
	for _, unit := range frequencyUnits {
		if strings.HasSuffix(str, unit.suffix) {
			str = strings.TrimSpace(strings.TrimSuffix(str, unit.suffix))
			scale = unit.scale
			break
		}
	}
	val, err := strconv.ParseFloat(str, 64)
	if err != nil || val < 0 {
		return 0, fmt.Errorf("invalid frequency %q", s)
	}
	return Frequency(val * float64(scale)), nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Frequency.
func (f *Frequency) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := ParseFrequency(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Frequency.
func (f Frequency) MarshalYAML() (interface{}, error) {
	return fmt.Sprintf("%dHz", uint64(f)), nil
}

// Period returns the clock period in simulator ticks.
func (f Frequency) Period() sim.Tick {
	return sim.Frequency(f).Period()
}

// Default returns the configuration of a single processor with an IO-APIC.
func Default() *Config {
	cfg := &Config{IOAPIC: IOAPIC{Enabled: true}}
	cfg.normalize()
	return cfg
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Name == "" {
		c.Name = "apicsim"
	}
	if len(c.CPUs) == 0 {
		c.CPUs = []CPU{{APICID: 0}}
	}
	for i := range c.CPUs {
		cpu := &c.CPUs[i]
		if cpu.Base == 0 {
			cpu.Base = DefaultLAPICBase + uint64(cpu.APICID)*lapicWindowSize
		}
		if cpu.BusFrequency == 0 {
			cpu.BusFrequency = Frequency(DefaultBusFrequency)
		}
	}
	if c.IOAPIC.Pins == 0 {
		c.IOAPIC.Pins = DefaultIOAPICPins
	}
	if c.PIC.Mode == "" {
		c.PIC.Mode = "none"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	seen := make(map[uint8]bool)
	for i, cpu := range c.CPUs {
		if seen[cpu.APICID] {
			return fmt.Errorf("cpu %d: duplicate APIC id %d", i, cpu.APICID)
		}
		seen[cpu.APICID] = true
		if cpu.Base%lapicWindowSize != 0 {
			return fmt.Errorf("cpu %d: APIC base 0x%x is not 4 KiB aligned", i, cpu.Base)
		}
		if cpu.BusFrequency.Period() == 0 {
			return fmt.Errorf("cpu %d: bus frequency %d Hz is above the simulator resolution", i, uint64(cpu.BusFrequency))
		}
	}
	if c.IOAPIC.Enabled && (c.IOAPIC.Pins < 1 || c.IOAPIC.Pins > maxIOAPICPins) {
		return fmt.Errorf("ioapic: pin count %d out of range 1-%d", c.IOAPIC.Pins, maxIOAPICPins)
	}
	if c.PIC.Enabled {
		switch c.PIC.Mode {
		case "none", "master":
		default:
			return fmt.Errorf("pic: mode %q is not usable as the only controller", c.PIC.Mode)
		}
		if !seen[c.PIC.Target] {
			return fmt.Errorf("pic: target APIC id %d has no cpu", c.PIC.Target)
		}
	}
	if c.MaxAdvance < 0 {
		return fmt.Errorf("maxAdvance must not be negative")
	}
	return nil
}

// Parse decodes, normalizes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
