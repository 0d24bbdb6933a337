package machine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/apicsim/internal/chipset"
	"github.com/tinyrange/apicsim/internal/config"
	devchipset "github.com/tinyrange/apicsim/internal/devices/amd64/chipset"
	"github.com/tinyrange/apicsim/internal/devices/amd64/lapic"
	"github.com/tinyrange/apicsim/internal/hv"
	"github.com/tinyrange/apicsim/internal/intmsg"
	"github.com/tinyrange/apicsim/internal/sim"
)

var ErrNoSuchCPU = errors.New("no such cpu")

// Option configures a Machine.
type Option func(*Machine)

// WithLogger routes device logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// Machine wires processors, their local APICs and the optional IO-APIC and
// 8259 onto one chipset and one event queue.
type Machine struct {
	cfg    *config.Config
	logger *slog.Logger

	events  *sim.EventQueue
	chipset *chipset.Chipset

	cpus   []*CPU
	ioapic *devchipset.IOAPIC
	pic    *devchipset.I8259

	// picRaised latches the 8259 INT pin until the next service pass.
	picRaised bool
}

// New builds a machine from cfg.
func New(cfg *config.Config, opts ...Option) (*Machine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:    cfg,
		logger: slog.Default(),
		events: sim.NewEventQueue(),
	}
	for _, opt := range opts {
		opt(m)
	}

	b := chipset.NewBuilder()
	for _, cpuCfg := range cfg.CPUs {
		apic := lapic.New(m.events,
			lapic.WithID(cpuCfg.APICID),
			lapic.WithBase(cpuCfg.Base),
			lapic.WithClock(cpuCfg.BusFrequency.Period()),
			lapic.WithLogger(m.logger),
		)
		cpu := newCPU(apic, !cpuCfg.InterruptsDisabled)
		if err := b.RegisterDevice(apic.DeviceId(), apic); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
		m.cpus = append(m.cpus, cpu)
	}

	sinks := make(map[uint8][]chipset.InterruptSink)
	if cfg.IOAPIC.Enabled {
		m.ioapic = devchipset.NewIOAPIC(cfg.IOAPIC.Pins, devchipset.WithIOAPICLogger(m.logger))
		if err := b.RegisterDevice(m.ioapic.DeviceId(), m.ioapic); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
		for line := 0; line < m.ioapic.Lines(); line++ {
			sinks[uint8(line)] = append(sinks[uint8(line)], m.ioapic)
		}
	}
	if cfg.PIC.Enabled {
		mode, err := devchipset.ParseCascadeMode(cfg.PIC.Mode)
		if err != nil {
			return nil, err
		}
		m.pic = devchipset.NewI8259(devchipset.PrimaryPICBase, mode)
		m.pic.SetOutput(chipset.LineInterruptFromFunc(func(high bool) {
			if high {
				m.picRaised = true
			}
		}))
		if err := b.RegisterDevice(m.pic.DeviceId(), m.pic); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
		for line := uint8(0); line < 8; line++ {
			sinks[line] = append(sinks[line], m.pic)
		}
	}
	for line, targets := range sinks {
		if err := b.WithInterruptLine(line, fanout(targets)); err != nil {
			return nil, fmt.Errorf("machine: %w", err)
		}
	}

	cs, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	if err := cs.Init(); err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}
	m.chipset = cs
	return m, nil
}

// fanout drives several controllers from one interrupt line.
type fanout []chipset.InterruptSink

func (f fanout) SetIRQ(line uint8, level bool) {
	for _, sink := range f {
		sink.SetIRQ(line, level)
	}
}

// Config returns the configuration the machine was built from.
func (m *Machine) Config() *config.Config { return m.cfg }

// Events returns the machine's event queue.
func (m *Machine) Events() *sim.EventQueue { return m.events }

// Now returns the current simulated time.
func (m *Machine) Now() sim.Tick { return m.events.CurTick() }

// CPUs returns the processors in configuration order.
func (m *Machine) CPUs() []*CPU { return m.cpus }

// IOAPIC returns the IO-APIC, or nil when it is disabled.
func (m *Machine) IOAPIC() *devchipset.IOAPIC { return m.ioapic }

// PIC returns the 8259, or nil when it is disabled.
func (m *Machine) PIC() *devchipset.I8259 { return m.pic }

// CPU returns the processor whose local APIC has the given id.
func (m *Machine) CPU(apicID uint8) (*CPU, error) {
	for _, cpu := range m.cpus {
		if cpu.APIC().ID() == apicID {
			return cpu, nil
		}
	}
	return nil, fmt.Errorf("machine: APIC id %d: %w", apicID, ErrNoSuchCPU)
}

// ReadMMIO performs a 32-bit bus read.
func (m *Machine) ReadMMIO(addr uint64) (uint32, error) {
	var buf [4]byte
	if err := m.chipset.HandleMMIO(addr, buf[:], false); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// WriteMMIO performs a 32-bit bus write.
func (m *Machine) WriteMMIO(addr uint64, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	return m.chipset.HandleMMIO(addr, buf[:], true)
}

// ReadRegister reads a local APIC register through the bus.
func (m *Machine) ReadRegister(apicID uint8, offset uint64) (uint32, error) {
	cpu, err := m.CPU(apicID)
	if err != nil {
		return 0, err
	}
	return m.ReadMMIO(cpu.APIC().Base() + offset)
}

// WriteRegister writes a local APIC register through the bus.
func (m *Machine) WriteRegister(apicID uint8, offset uint64, val uint32) error {
	cpu, err := m.CPU(apicID)
	if err != nil {
		return err
	}
	return m.WriteMMIO(cpu.APIC().Base()+offset, val)
}

// SendMessage puts a trigger message on the interrupt bus. Logical
// destinations reach every APIC whose logical id matches the mask.
func (m *Machine) SendMessage(msg intmsg.TriggerInt) error {
	var buf [intmsg.EncodedSize]byte
	if err := msg.Encode(buf[:]); err != nil {
		return err
	}
	return m.chipset.DeliverMessage(msg.Route(), buf[:])
}

// SetIRQ drives a platform interrupt line and delivers whatever the
// controllers raise as a result.
func (m *Machine) SetIRQ(line uint8, level bool) error {
	if err := m.chipset.SetIRQ(line, level); err != nil {
		return err
	}
	if m.ioapic != nil {
		if err := m.ioapic.DeliveryError(); err != nil {
			return err
		}
	}
	return m.servicePIC()
}

// servicePIC runs the acknowledge cycle for a raised 8259 and forwards the
// vector to the target APIC as an ExtInt message.
func (m *Machine) servicePIC() error {
	if m.pic == nil || !m.picRaised {
		return nil
	}
	m.picRaised = false
	vector, ok := m.pic.Acknowledge()
	if !ok {
		return nil
	}
	m.logger.Debug("machine: 8259 acknowledge", "vector", vector, "target", m.cfg.PIC.Target)
	return m.SendMessage(intmsg.TriggerInt{
		Destination:  m.cfg.PIC.Target,
		Vector:       vector,
		DeliveryMode: intmsg.DeliveryExtInt,
		Level:        true,
	})
}

// WritePort performs a one-byte I/O port write.
func (m *Machine) WritePort(port uint16, val byte) error {
	if err := m.chipset.HandlePIO(port, []byte{val}, true); err != nil {
		return err
	}
	return m.servicePIC()
}

// ReadPort performs a one-byte I/O port read.
func (m *Machine) ReadPort(port uint16) (byte, error) {
	buf := []byte{0}
	if err := m.chipset.HandlePIO(port, buf, false); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Advance runs the simulation forward by delta.
func (m *Machine) Advance(ctx context.Context, delta sim.Tick) error {
	if limit := m.cfg.MaxAdvance.Duration(); limit > 0 && delta > sim.TicksFromDuration(limit) {
		return fmt.Errorf("machine: advance of %s exceeds the %s limit", delta, limit)
	}
	return m.events.Advance(ctx, delta)
}

// Reset resets every device and processor.
func (m *Machine) Reset() error {
	if err := m.chipset.Reset(); err != nil {
		return err
	}
	for i, cpu := range m.cpus {
		cpu.reset(!m.cfg.CPUs[i].InterruptsDisabled)
	}
	m.picRaised = false
	return nil
}

func (m *Machine) snapshotters() []hv.DeviceSnapshotter {
	var devs []hv.DeviceSnapshotter
	for _, cpu := range m.cpus {
		devs = append(devs, cpu, cpu.APIC())
	}
	if m.ioapic != nil {
		devs = append(devs, m.ioapic)
	}
	if m.pic != nil {
		devs = append(devs, m.pic)
	}
	return devs
}

// Snapshot captures the state of every device.
func (m *Machine) Snapshot() (*hv.Snapshot, error) {
	snap := &hv.Snapshot{
		Format:  hv.SnapshotFormat,
		Tick:    uint64(m.events.CurTick()),
		Devices: make(map[string]hv.DeviceSnapshot),
	}
	for _, dev := range m.snapshotters() {
		data, err := dev.CaptureSnapshot()
		if err != nil {
			return nil, fmt.Errorf("machine: capture %s: %w", dev.DeviceId(), err)
		}
		snap.Devices[dev.DeviceId()] = data
	}
	return snap, nil
}

// Restore loads a snapshot into a machine that has not run yet.
func (m *Machine) Restore(ctx context.Context, snap *hv.Snapshot) error {
	if m.events.CurTick() != 0 || !m.events.Empty() {
		return fmt.Errorf("machine: restore into a machine that has already run")
	}
	if err := m.events.RunUntil(ctx, sim.Tick(snap.Tick)); err != nil {
		return err
	}
	for _, dev := range m.snapshotters() {
		data, ok := snap.Devices[dev.DeviceId()]
		if !ok {
			return fmt.Errorf("machine: snapshot has no state for %s", dev.DeviceId())
		}
		if err := dev.RestoreSnapshot(data); err != nil {
			return fmt.Errorf("machine: restore %s: %w", dev.DeviceId(), err)
		}
	}
	return nil
}
