package machine

import (
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/apicsim/internal/devices/amd64/lapic"
	"github.com/tinyrange/apicsim/internal/hv"
)

const (
	rflagsReserved = 1 << 1
	rflagsIF       = 1 << 9
)

func init() {
	gob.Register(&cpuSnapshot{})
}

// CPU is the minimal processor the interrupt path needs: an RFLAGS value
// and a record of the vectors it has taken.
type CPU struct {
	apic   *lapic.LocalAPIC
	rflags uint64
	taken  []uint8
}

func newCPU(apic *lapic.LocalAPIC, interruptsEnabled bool) *CPU {
	c := &CPU{apic: apic}
	c.reset(interruptsEnabled)
	return c
}

func (c *CPU) reset(interruptsEnabled bool) {
	c.rflags = rflagsReserved
	if interruptsEnabled {
		c.rflags |= rflagsIF
	}
	c.taken = nil
}

// APIC returns the processor's local APIC.
func (c *CPU) APIC() *lapic.LocalAPIC { return c.apic }

// Rflags implements lapic.ThreadContext.
func (c *CPU) Rflags() uint64 { return c.rflags }

// SetInterruptFlag models STI and CLI.
func (c *CPU) SetInterruptFlag(enabled bool) {
	if enabled {
		c.rflags |= rflagsIF
	} else {
		c.rflags &^= rflagsIF
	}
}

// InterruptFlag reports RFLAGS.IF.
func (c *CPU) InterruptFlag() bool { return c.rflags&rflagsIF != 0 }

// Poll takes the highest deliverable interrupt, if any, the way the
// processor does at an instruction boundary.
func (c *CPU) Poll() (*lapic.ExternalInterrupt, bool) {
	if !c.apic.CheckInterrupts(c) {
		return nil, false
	}
	fault := c.apic.Interrupt(c)
	c.apic.AcceptInterrupt(c)
	c.taken = append(c.taken, fault.Vector)
	return fault, true
}

// Taken lists the vectors taken since reset in order.
func (c *CPU) Taken() []uint8 { return append([]uint8(nil), c.taken...) }

type cpuSnapshot struct {
	Rflags uint64
	Taken  []uint8
}

func (c *CPU) DeviceId() string { return fmt.Sprintf("cpu%d", c.apic.ID()) }

func (c *CPU) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	return &cpuSnapshot{Rflags: c.rflags, Taken: c.Taken()}, nil
}

func (c *CPU) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*cpuSnapshot)
	if !ok {
		return fmt.Errorf("cpu: invalid snapshot type")
	}
	c.rflags = data.Rflags
	c.taken = append([]uint8(nil), data.Taken...)
	return nil
}

var (
	_ lapic.ThreadContext  = (*CPU)(nil)
	_ hv.DeviceSnapshotter = (*CPU)(nil)
)
