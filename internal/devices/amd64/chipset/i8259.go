package chipset

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/tinyrange/apicsim/internal/chipset"
	"github.com/tinyrange/apicsim/internal/hv"
)

const (
	PrimaryPICBase   uint16 = 0x20
	SecondaryPICBase uint16 = 0xA0

	picCascadeLine = 2
	picLineMask    = 0x7
)

var ErrUnsupportedCommand = errors.New("unsupported command")

// CascadeMode selects how a controller takes part in a cascade.
type CascadeMode int

const (
	CascadeNone CascadeMode = iota
	CascadeMaster
	CascadeSlave
)

func (m CascadeMode) String() string {
	switch m {
	case CascadeMaster:
		return "master"
	case CascadeSlave:
		return "slave"
	default:
		return "none"
	}
}

// ParseCascadeMode maps a configuration name to a CascadeMode.
func ParseCascadeMode(name string) (CascadeMode, error) {
	switch name {
	case "", "none":
		return CascadeNone, nil
	case "master":
		return CascadeMaster, nil
	case "slave":
		return CascadeSlave, nil
	}
	return CascadeNone, fmt.Errorf("i8259: unknown cascade mode %q", name)
}

// I8259 models one 8259A programmable interrupt controller. Its INT pin is
// driven through a chipset.LineInterrupt.
type I8259 struct {
	mu sync.Mutex

	base   uint16
	mode   CascadeMode
	output chipset.LineInterrupt
	slaves map[uint8]*I8259

	irr byte
	isr byte
	imr byte

	vectorOffset byte
	// cascadeBits holds the lines with slaves attached on a master, or the
	// slave id on a slave.
	cascadeBits byte
	cascaded    bool
	edge        bool
	autoEOI     bool
	readIRR     bool

	expectICW4 bool
	initStage  int
}

// NewI8259 builds a controller answering at ports base and base+1.
func NewI8259(base uint16, mode CascadeMode) *I8259 {
	p := &I8259{
		base:   base,
		mode:   mode,
		output: chipset.LineInterruptDetached(),
		slaves: make(map[uint8]*I8259),
	}
	p.resetLocked()
	return p
}

// SetOutput connects the INT pin.
func (p *I8259) SetOutput(line chipset.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	p.output = line
	p.syncOutputLocked()
}

// AttachSlave cascades slave onto line. The slave's INT pin is wired to
// line and acknowledges on that line are forwarded to it.
func (p *I8259) AttachSlave(line uint8, slave *I8259) error {
	if p.mode != CascadeMaster {
		return fmt.Errorf("i8259: slave attached to a %s controller", p.mode)
	}
	if slave.mode != CascadeSlave {
		return fmt.Errorf("i8259: attached controller is in %s mode", slave.mode)
	}
	if line > picLineMask {
		return fmt.Errorf("i8259: cascade line %d out of range", line)
	}
	p.mu.Lock()
	p.slaves[line] = slave
	p.mu.Unlock()

	slave.SetOutput(chipset.LineInterruptFromFunc(func(high bool) {
		p.SetIRQ(line, high)
	}))
	return nil
}

func (p *I8259) resetLocked() {
	p.irr, p.isr, p.imr = 0, 0, 0
	p.vectorOffset = 0
	if p.mode == CascadeSlave {
		p.vectorOffset = 8
	}
	p.cascadeBits = 0
	p.cascaded = false
	p.edge = true
	p.autoEOI = false
	p.readIRR = true
	p.expectICW4 = false
	p.initStage = 0
}

// Init implements hv.Device.
func (p *I8259) Init(m hv.Machine) error { return nil }

// Start implements chipset.ChangeDeviceState.
func (p *I8259) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *I8259) Stop() error { return nil }

// Reset returns the controller to its uninitialized state.
func (p *I8259) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	p.syncOutputLocked()
	return nil
}

// IOPorts implements hv.X86IOPortDevice.
func (p *I8259) IOPorts() []uint16 { return []uint16{p.base, p.base + 1} }

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *I8259) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: p.IOPorts(), Handler: p}
}

// SupportsMmio implements chipset.ChipsetDevice.
func (p *I8259) SupportsMmio() *chipset.MmioIntercept { return nil }

// SupportsMessages implements chipset.ChipsetDevice.
func (p *I8259) SupportsMessages() *chipset.MessageIntercept { return nil }

// ReadIOPort implements hv.X86IOPortDevice.
func (p *I8259) ReadIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("i8259: invalid read size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port - p.base {
	case 0:
		if p.readIRR {
			data[0] = p.irr
		} else {
			data[0] = p.isr
		}
	case 1:
		data[0] = p.imr
	default:
		return fmt.Errorf("i8259: invalid read port 0x%04x", port)
	}
	return nil
}

// WriteIOPort implements hv.X86IOPortDevice.
func (p *I8259) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 1 {
		return fmt.Errorf("i8259: invalid write size %d", len(data))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	switch port - p.base {
	case 0:
		err = p.writeCommand(data[0])
	case 1:
		err = p.writeData(data[0])
	default:
		return fmt.Errorf("i8259: invalid write port 0x%04x", port)
	}
	p.syncOutputLocked()
	return err
}

func (p *I8259) writeCommand(val byte) error {
	switch {
	case val&0x10 != 0: // ICW1
		p.irr, p.isr, p.imr = 0, 0, 0
		p.readIRR = true
		p.edge = val&0x08 == 0
		p.cascaded = val&0x02 == 0
		p.expectICW4 = val&0x01 != 0
		p.initStage = 1
		if !p.expectICW4 {
			return fmt.Errorf("i8259: ICW1 %#02x without ICW4: %w", val, ErrUnsupportedCommand)
		}
	case val&0x18 == 0: // OCW2
		switch val >> 5 {
		case 0x1: // non-specific EOI
			p.isr &^= lowestSetBit(p.isr)
		case 0x3: // specific EOI
			p.isr &^= 1 << (val & picLineMask)
		default:
			return fmt.Errorf("i8259: OCW2 %#02x: %w", val, ErrUnsupportedCommand)
		}
	case val&0x18 == 0x08: // OCW3
		if val&0x02 != 0 {
			p.readIRR = val&0x01 == 0
		}
		if val&0x04 != 0 {
			return fmt.Errorf("i8259: poll command: %w", ErrUnsupportedCommand)
		}
		if val&0x40 != 0 {
			return fmt.Errorf("i8259: special mask mode: %w", ErrUnsupportedCommand)
		}
	}
	return nil
}

func (p *I8259) writeData(val byte) error {
	switch p.initStage {
	case 0: // OCW1
		p.imr = val
	case 1: // ICW2
		p.vectorOffset = val &^ picLineMask
		p.initStage = p.nextStage(2)
	case 2: // ICW3
		p.cascadeBits = val
		p.initStage = p.nextStage(3)
	case 3: // ICW4
		if val&0x01 == 0 {
			p.initStage = 0
			return fmt.Errorf("i8259: ICW4 %#02x selects 8080 mode: %w", val, ErrUnsupportedCommand)
		}
		p.autoEOI = val&0x02 != 0
		p.initStage = 0
	}
	return nil
}

// nextStage returns the initialization word expected after the current one.
func (p *I8259) nextStage(next int) int {
	if next == 2 && !p.cascaded {
		next = 3
	}
	if next == 3 && !p.expectICW4 {
		next = 0
	}
	return next
}

// SignalInterrupt raises a request on line.
func (p *I8259) SignalInterrupt(line uint8) error {
	if line > picLineMask {
		return fmt.Errorf("i8259: interrupt line %d out of range", line)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.irr |= 1 << line
	p.syncOutputLocked()
	return nil
}

// SetIRQ implements chipset.InterruptSink. Lowering a line withdraws the
// request in level-triggered mode.
func (p *I8259) SetIRQ(line uint8, level bool) {
	if level {
		_ = p.SignalInterrupt(line)
		return
	}
	if line > picLineMask {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.edge {
		p.irr &^= 1 << line
		p.syncOutputLocked()
	}
}

// Acknowledge performs the INTA cycle: the highest priority unmasked
// request moves to in-service and its vector is returned. Requests on a
// cascade line are answered by the attached slave.
func (p *I8259) Acknowledge() (uint8, bool) {
	p.mu.Lock()
	pending := p.pendingLocked()
	if pending == 0 {
		p.mu.Unlock()
		return 0, false
	}
	line := uint8(bits.TrailingZeros8(pending))
	bit := byte(1) << line
	p.irr &^= bit
	if !p.autoEOI {
		p.isr |= bit
	}
	slave := p.slaves[line]
	forward := p.mode == CascadeMaster && p.cascadeBits&bit != 0 && slave != nil
	vector := p.vectorOffset | line
	p.syncOutputLocked()
	p.mu.Unlock()

	if forward {
		return slave.Acknowledge()
	}
	return vector, true
}

// Pending reports whether an unmasked request is waiting.
func (p *I8259) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingLocked() != 0
}

func (p *I8259) pendingLocked() byte {
	return p.irr &^ p.imr
}

func (p *I8259) syncOutputLocked() {
	p.output.SetLevel(p.pendingLocked() != 0)
}

func (p *I8259) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("i8259(%s irr=%#02x isr=%#02x imr=%#02x base=%#02x)",
		p.mode, p.irr, p.isr, p.imr, p.vectorOffset)
}

func lowestSetBit(b byte) byte {
	return b & byte(-int8(b))
}

// Snapshot support ----------------------------------------------------------

type i8259Snapshot struct {
	IRR, ISR, IMR byte
	VectorOffset  byte
	CascadeBits   byte
	Cascaded      bool
	Edge          bool
	AutoEOI       bool
	ReadIRR       bool
	ExpectICW4    bool
	InitStage     int
}

func (p *I8259) DeviceId() string { return fmt.Sprintf("i8259@%#x", p.base) }

func (p *I8259) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &i8259Snapshot{
		IRR:          p.irr,
		ISR:          p.isr,
		IMR:          p.imr,
		VectorOffset: p.vectorOffset,
		CascadeBits:  p.cascadeBits,
		Cascaded:     p.cascaded,
		Edge:         p.edge,
		AutoEOI:      p.autoEOI,
		ReadIRR:      p.readIRR,
		ExpectICW4:   p.expectICW4,
		InitStage:    p.initStage,
	}, nil
}

func (p *I8259) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*i8259Snapshot)
	if !ok {
		return fmt.Errorf("i8259: invalid snapshot type")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.irr, p.isr, p.imr = data.IRR, data.ISR, data.IMR
	p.vectorOffset = data.VectorOffset
	p.cascadeBits = data.CascadeBits
	p.cascaded = data.Cascaded
	p.edge = data.Edge
	p.autoEOI = data.AutoEOI
	p.readIRR = data.ReadIRR
	p.expectICW4 = data.ExpectICW4
	p.initStage = data.InitStage
	p.syncOutputLocked()
	return nil
}

var (
	_ hv.X86IOPortDevice    = (*I8259)(nil)
	_ hv.DeviceSnapshotter  = (*I8259)(nil)
	_ chipset.ChipsetDevice = (*I8259)(nil)
	_ chipset.InterruptSink = (*I8259)(nil)
	_ chipset.PortIOHandler = (*I8259)(nil)
)
