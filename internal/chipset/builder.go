package chipset

import (
	"fmt"

	"github.com/tinyrange/apicsim/internal/hv"
)

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

type mmioBinding struct {
	region  hv.MMIORegion
	handler MmioHandler
}

type messageBinding struct {
	region  hv.MMIORegion
	handler MessageHandler
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices    map[string]ChipsetDevice
	pio        map[uint16]PortIOHandler
	mmio       []mmioBinding
	messages   []messageBinding
	shared     []messageBinding
	interrupts map[uint8]InterruptSink
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices:    make(map[string]ChipsetDevice),
		pio:        make(map[uint16]PortIOHandler),
		interrupts: make(map[uint8]InterruptSink),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.WithPioPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMmioRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMessages(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided message regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMessageRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
		for _, region := range intercept.Shared {
			if err := b.WithSharedMessageRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort registers a single I/O port handler.
func (b *ChipsetBuilder) WithPioPort(port uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", port)
	}
	if _, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port 0x%x already registered", port)
	}
	b.pio[port] = handler
	return nil
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if err := checkRegion(base, size); err != nil {
		return err
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x overlaps existing region %s",
				base, base+size-1, existing.region)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		region:  hv.MMIORegion{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

// WithMessageRegion registers an interrupt message window handler.
func (b *ChipsetBuilder) WithMessageRegion(base, size uint64, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler for region 0x%x size 0x%x is nil", base, size)
	}
	if err := checkRegion(base, size); err != nil {
		return err
	}
	for _, bindings := range [][]messageBinding{b.messages, b.shared} {
		for _, existing := range bindings {
			if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
				return fmt.Errorf(
					"message region 0x%x-0x%x overlaps existing region %s",
					base, base+size-1, existing.region)
			}
		}
	}

	b.messages = append(b.messages, messageBinding{
		region:  hv.MMIORegion{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

// WithSharedMessageRegion registers a handler on a message window that other
// handlers may also claim. handler must implement MessageFilter.
func (b *ChipsetBuilder) WithSharedMessageRegion(base, size uint64, handler MessageHandler) error {
	if _, ok := handler.(MessageFilter); !ok {
		return fmt.Errorf("shared message handler for region 0x%x size 0x%x does not filter messages", base, size)
	}
	if err := checkRegion(base, size); err != nil {
		return err
	}
	for _, existing := range b.messages {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"shared message region 0x%x-0x%x overlaps exclusive region %s",
				base, base+size-1, existing.region)
		}
	}

	b.shared = append(b.shared, messageBinding{
		region:  hv.MMIORegion{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

// WithInterruptLine registers a sink for a specific interrupt line.
func (b *ChipsetBuilder) WithInterruptLine(line uint8, sink InterruptSink) error {
	if sink == nil {
		return fmt.Errorf("interrupt sink for line %d is nil", line)
	}
	if _, exists := b.interrupts[line]; exists {
		return fmt.Errorf("interrupt line %d already registered", line)
	}
	b.interrupts[line] = sink
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]PortIOHandler, len(b.pio))
	for port, handler := range b.pio {
		pio[port] = handler
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	messages := make([]messageBinding, len(b.messages))
	copy(messages, b.messages)

	shared := make([]messageBinding, len(b.shared))
	copy(shared, b.shared)

	interrupts := make(map[uint8]InterruptSink, len(b.interrupts))
	for line, sink := range b.interrupts {
		interrupts[line] = sink
	}

	return &Chipset{
		devices:    devices,
		pio:        pio,
		mmio:       mmio,
		messages:   messages,
		shared:     shared,
		interrupts: interrupts,
	}, nil
}

func checkRegion(base, size uint64) error {
	if size == 0 {
		return fmt.Errorf("region at 0x%x has zero size", base)
	}
	if base+size < base && base+size != 0 {
		return fmt.Errorf("region at 0x%x with size 0x%x overflows", base, size)
	}
	return nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	// Compare inclusive ends so windows reaching the top of the address
	// space do not wrap.
	lastA := baseA + sizeA - 1
	lastB := baseB + sizeB - 1
	return baseA <= lastB && baseB <= lastA
}

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices    map[string]ChipsetDevice
	pio        map[uint16]PortIOHandler
	mmio       []mmioBinding
	messages   []messageBinding
	shared     []messageBinding
	interrupts map[uint8]InterruptSink
}
