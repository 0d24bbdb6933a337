package lapic

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/apicsim/internal/chipset"
	"github.com/tinyrange/apicsim/internal/hv"
	"github.com/tinyrange/apicsim/internal/intmsg"
	"github.com/tinyrange/apicsim/internal/sim"
)

const (
	// DefaultBase is the architectural local APIC MMIO base.
	DefaultBase = 0xFEE00000
	// WindowSize is the size of the MMIO register window.
	WindowSize = 0x1000
)

var (
	ErrReservedRegister    = errors.New("reserved register")
	ErrUnimplemented       = errors.New("not implemented")
	ErrUnknownMessage      = errors.New("unknown interrupt message")
	ErrUnknownDeliveryMode = errors.New("unknown delivery mode")
	ErrCrossesRegister     = errors.New("access crosses register boundary")
	ErrClockNotConfigured  = errors.New("clock period not configured")
)

// Option configures a LocalAPIC.
type Option func(*LocalAPIC)

// WithID sets the APIC identifier used for the ID register reset value,
// destination matching and the message window.
func WithID(id uint8) Option {
	return func(a *LocalAPIC) { a.id = id }
}

// WithBase moves the MMIO register window.
func WithBase(base uint64) Option {
	return func(a *LocalAPIC) { a.base = base }
}

// WithClock sets the APIC bus clock period in ticks.
func WithClock(period sim.Tick) Option {
	return func(a *LocalAPIC) { a.clock = period }
}

// WithLogger routes device logging to l instead of the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *LocalAPIC) {
		if l != nil {
			a.logger = l
		}
	}
}

// LocalAPIC models the per-processor interrupt controller: its register
// window, pending and in-service tracking, the countdown timer and the
// inbound interrupt message port.
type LocalAPIC struct {
	mu sync.Mutex

	id     uint8
	base   uint64
	clock  sim.Tick
	logger *slog.Logger

	regs [numRegisters]uint32
	irrv uint8
	isrv uint8

	events     *sim.EventQueue
	timerEvent *sim.Event
	// timerLatch is the clock cycle at which the countdown was loaded and
	// timerCycles its length in clock cycles.
	timerLatch  uint64
	timerCycles uint64
	expirations uint64
}

// New builds a local APIC driven by events. A nil queue gets a private one,
// which is enough for register-level use.
func New(events *sim.EventQueue, opts ...Option) *LocalAPIC {
	if events == nil {
		events = sim.NewEventQueue()
	}
	a := &LocalAPIC{
		base:   DefaultBase,
		logger: slog.Default(),
		events: events,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.timerEvent = sim.NewEvent(fmt.Sprintf("lapic%d.timer", a.id), a.timerExpired)
	a.resetLocked()
	return a
}

// ID returns the configured APIC identifier.
func (a *LocalAPIC) ID() uint8 { return a.id }

// Base returns the MMIO window base address.
func (a *LocalAPIC) Base() uint64 { return a.base }

// Clock returns the configured clock period.
func (a *LocalAPIC) Clock() sim.Tick {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clock
}

// SetClock changes the clock period. A pending countdown keeps its
// scheduled expiration and the current count is measured in the new clock
// from then on.
func (a *LocalAPIC) SetClock(period sim.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.relatchLocked(period)
}

// Init implements hv.Device.
func (a *LocalAPIC) Init(m hv.Machine) error { return nil }

// Start implements chipset.ChangeDeviceState.
func (a *LocalAPIC) Start() error { return nil }

// Stop cancels a pending timer expiration.
func (a *LocalAPIC) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopTimerLocked()
}

// Reset restores the power-on register values and stops the timer.
func (a *LocalAPIC) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.stopTimerLocked(); err != nil {
		return err
	}
	a.resetLocked()
	return nil
}

func (a *LocalAPIC) resetLocked() {
	a.regs = [numRegisters]uint32{}
	a.regs[RegID] = uint32(a.id)
	a.regs[RegVersion] = apicVersion
	a.regs[RegDestinationFormat] = 0x0FFFFFFF
	a.regs[RegSpuriousVector] = 0xFF
	for _, reg := range lvtRegisters {
		a.regs[reg] = lvtMasked
	}
	a.irrv = 0
	a.isrv = 0
	a.timerLatch = 0
	a.timerCycles = 0
	a.expirations = 0
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (a *LocalAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: a.base, Size: WindowSize}}
}

// MessageRegions implements hv.MessageDevice.
func (a *LocalAPIC) MessageRegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: intmsg.Address(a.id, 0), Size: intmsg.WindowSize}}
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (a *LocalAPIC) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (a *LocalAPIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{Regions: a.MMIORegions(), Handler: a}
}

// SupportsMessages implements chipset.ChipsetDevice.
func (a *LocalAPIC) SupportsMessages() *chipset.MessageIntercept {
	return &chipset.MessageIntercept{
		Regions: a.MessageRegions(),
		Shared:  []hv.MMIORegion{{Address: intmsg.LogicalAddress(0), Size: intmsg.WindowSize}},
		Handler: a,
	}
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (a *LocalAPIC) ReadMMIO(addr uint64, data []byte) error {
	offset, err := a.windowOffset(addr, len(data))
	if err != nil {
		return err
	}
	reg, err := DecodeOffset(offset)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	val, err := a.readRegister(reg)
	if err != nil {
		return err
	}
	a.logger.Debug("lapic: read",
		"reg", reg, "offset", fmt.Sprintf("%#x", offset), "value", fmt.Sprintf("%#x", val))

	var slot [8]byte
	binary.LittleEndian.PutUint32(slot[:], val)
	copy(data, slot[offset&slotMask:])
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (a *LocalAPIC) WriteMMIO(addr uint64, data []byte) error {
	offset, err := a.windowOffset(addr, len(data))
	if err != nil {
		return err
	}
	reg, err := DecodeOffset(offset)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var slot [8]byte
	binary.LittleEndian.PutUint32(slot[:], a.regs[reg])
	copy(slot[offset&slotMask:], data)
	val := binary.LittleEndian.Uint32(slot[:4])

	a.logger.Debug("lapic: write",
		"reg", reg, "offset", fmt.Sprintf("%#x", offset), "value", fmt.Sprintf("%#x", val))
	return a.writeRegister(reg, val)
}

// ReadRegister returns the value a guest read of reg would observe,
// including read side effects.
func (a *LocalAPIC) ReadRegister(reg Register) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readRegister(reg)
}

// WriteRegister applies a full 32-bit guest write to reg.
func (a *LocalAPIC) WriteRegister(reg Register, val uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeRegister(reg, val)
}

// Peek returns the stored value of reg without side effects.
func (a *LocalAPIC) Peek(reg Register) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regs[reg]
}

func (a *LocalAPIC) windowOffset(addr uint64, size int) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("lapic: zero-length access at %#x", addr)
	}
	if addr < a.base || addr-a.base >= WindowSize {
		return 0, fmt.Errorf("lapic: address %#x outside window %#x-%#x",
			addr, a.base, a.base+WindowSize-1)
	}
	offset := addr - a.base
	if offset&^slotMask != (offset+uint64(size))&^slotMask {
		return 0, fmt.Errorf("lapic: %d-byte access at offset %#x: %w", size, offset, ErrCrossesRegister)
	}
	return offset, nil
}

var (
	_ hv.MemoryMappedIODevice = (*LocalAPIC)(nil)
	_ hv.MessageDevice        = (*LocalAPIC)(nil)
	_ chipset.ChipsetDevice   = (*LocalAPIC)(nil)
	_ chipset.MessageFilter   = (*LocalAPIC)(nil)
)
