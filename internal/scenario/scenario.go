// Package scenario loads and replays YAML scripts of bus accesses, pin
// changes, message sends and time advances against a machine.
package scenario

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tinyrange/apicsim/internal/devices/amd64/lapic"
	"github.com/tinyrange/apicsim/internal/intmsg"
	"gopkg.in/yaml.v3"
)

// Scenario is an ordered script of steps.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Steps       []Step `yaml:"steps"`
}

// Step holds exactly one action.
type Step struct {
	Write   *Access   `yaml:"write,omitempty"`
	Read    *Access   `yaml:"read,omitempty"`
	MMIO    *Bus      `yaml:"mmio,omitempty"`
	Port    *Bus      `yaml:"port,omitempty"`
	Message *Message  `yaml:"message,omitempty"`
	IRQ     *IRQ      `yaml:"irq,omitempty"`
	Advance *Advance  `yaml:"advance,omitempty"`
	Poll    *Poll     `yaml:"poll,omitempty"`
	CLI     *CPUFlags `yaml:"cli,omitempty"`
	STI     *CPUFlags `yaml:"sti,omitempty"`
}

// Kind names the action the step carries.
func (s Step) Kind() string {
	switch {
	case s.Write != nil:
		return "write"
	case s.Read != nil:
		return "read"
	case s.MMIO != nil:
		return "mmio"
	case s.Port != nil:
		return "port"
	case s.Message != nil:
		return "message"
	case s.IRQ != nil:
		return "irq"
	case s.Advance != nil:
		return "advance"
	case s.Poll != nil:
		return "poll"
	case s.CLI != nil:
		return "cli"
	case s.STI != nil:
		return "sti"
	}
	return ""
}

func (s Step) actions() int {
	n := 0
	for _, set := range []bool{
		s.Write != nil, s.Read != nil, s.MMIO != nil, s.Port != nil,
		s.Message != nil, s.IRQ != nil, s.Advance != nil, s.Poll != nil,
		s.CLI != nil, s.STI != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

// RegisterRef names a local APIC register either by its name, such as
// "SpuriousVector" or "InterruptRequest[1]", or by its byte offset.
type RegisterRef struct {
	Name   string
	Offset uint64
}

// UnmarshalYAML implements yaml.Unmarshaler for RegisterRef.
func (r *RegisterRef) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if off, err := strconv.ParseUint(s, 0, 64); err == nil {
		*r = RegisterRef{Offset: off}
		return nil
	}
	reg, ok := lapic.ParseRegister(s)
	if !ok {
		return fmt.Errorf("unknown register %q", s)
	}
	off, ok := lapic.Offset(reg)
	if !ok {
		return fmt.Errorf("register %s is not bus visible", reg)
	}
	*r = RegisterRef{Name: s, Offset: off}
	return nil
}

func (r RegisterRef) String() string {
	if r.Name != "" {
		return r.Name
	}
	if reg, err := lapic.DecodeOffset(r.Offset); err == nil {
		return reg.String()
	}
	return fmt.Sprintf("%#x", r.Offset)
}

// Access is a 32-bit local APIC register access.
type Access struct {
	CPU    uint8       `yaml:"cpu"`
	Reg    RegisterRef `yaml:"reg"`
	Value  uint32      `yaml:"value"`
	Expect *uint32     `yaml:"expect,omitempty"`
}

// Bus is a raw MMIO (32-bit) or port (8-bit) access. A step with a value
// writes; otherwise it reads.
type Bus struct {
	Addr   uint64  `yaml:"addr"`
	Value  *uint32 `yaml:"value,omitempty"`
	Expect *uint32 `yaml:"expect,omitempty"`
}

// Message is an interrupt message put on the bus.
type Message struct {
	Dest     uint8        `yaml:"dest"`
	Vector   uint8        `yaml:"vector"`
	Delivery DeliveryName `yaml:"delivery"`
	Mode     string       `yaml:"mode"`
	Trigger  string       `yaml:"trigger"`
	Level    *bool        `yaml:"level,omitempty"`
}

// DeliveryName is a delivery mode written by name ("Fixed", "ExtInt")
// or number.
type DeliveryName intmsg.DeliveryMode

// UnmarshalYAML implements yaml.Unmarshaler for DeliveryName.
func (d *DeliveryName) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	mode, err := ParseDeliveryMode(s)
	if err != nil {
		return err
	}
	*d = DeliveryName(mode)
	return nil
}

// ParseDeliveryMode accepts a delivery mode name, case insensitive, or its
// three-bit encoding.
func ParseDeliveryMode(s string) (intmsg.DeliveryMode, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return intmsg.DeliveryFixed, nil
	}
	if n, err := strconv.ParseUint(s, 0, 8); err == nil && n < 8 {
		return intmsg.DeliveryMode(n), nil
	}
	for m := intmsg.DeliveryMode(0); m < 8; m++ {
		if strings.EqualFold(m.String(), s) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown delivery mode %q", s)
}

// TriggerInt builds the wire message.
func (m *Message) TriggerInt() (intmsg.TriggerInt, error) {
	msg := intmsg.TriggerInt{
		Destination:  m.Dest,
		Vector:       m.Vector,
		DeliveryMode: intmsg.DeliveryMode(m.Delivery),
		Level:        true,
	}
	switch strings.ToLower(m.Mode) {
	case "", "physical":
		msg.DestinationMode = intmsg.DestinationPhysical
	case "logical":
		msg.DestinationMode = intmsg.DestinationLogical
	default:
		return msg, fmt.Errorf("unknown destination mode %q", m.Mode)
	}
	switch strings.ToLower(m.Trigger) {
	case "", "edge":
		msg.Trigger = intmsg.TriggerEdge
	case "level":
		msg.Trigger = intmsg.TriggerLevel
	default:
		return msg, fmt.Errorf("unknown trigger mode %q", m.Trigger)
	}
	if m.Level != nil {
		msg.Level = *m.Level
	}
	return msg, nil
}

// IRQ drives a platform interrupt line.
type IRQ struct {
	Line  uint8 `yaml:"line"`
	Level bool  `yaml:"level"`
}

// Advance moves simulated time forward by Ticks or by Duration.
type Advance struct {
	Ticks    uint64   `yaml:"ticks,omitempty"`
	Duration Duration `yaml:"duration,omitempty"`
}

// Poll lets a processor take its highest deliverable interrupt. Expect
// checks the vector; ExpectNone checks that nothing was deliverable.
type Poll struct {
	CPU        uint8  `yaml:"cpu"`
	Expect     *uint8 `yaml:"expect,omitempty"`
	ExpectNone bool   `yaml:"expectNone,omitempty"`
}

// CPUFlags selects the processor of a cli or sti step.
type CPUFlags struct {
	CPU uint8 `yaml:"cpu"`
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

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Validate checks that every step carries exactly one well-formed action.
func (s *Scenario) Validate() error {
	for i, step := range s.Steps {
		if n := step.actions(); n != 1 {
			return fmt.Errorf("step %d: want exactly one action, got %d", i+1, n)
		}
		switch {
		case step.Advance != nil:
			if step.Advance.Ticks != 0 && step.Advance.Duration != 0 {
				return fmt.Errorf("step %d: advance takes ticks or duration, not both", i+1)
			}
			if step.Advance.Duration < 0 {
				return fmt.Errorf("step %d: negative advance", i+1)
			}
		case step.Poll != nil:
			if step.Poll.Expect != nil && step.Poll.ExpectNone {
				return fmt.Errorf("step %d: poll cannot expect a vector and none", i+1)
			}
		case step.Message != nil:
			if _, err := step.Message.TriggerInt(); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		case step.Port != nil:
			if step.Port.Addr > 0xFFFF {
				return fmt.Errorf("step %d: port %#x out of range", i+1, step.Port.Addr)
			}
		}
	}
	return nil
}

// Parse decodes and validates a scenario.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	return Parse(data)
}
