package chipset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/apicsim/internal/hv"
)

// Init hands every registered device the chipset as its machine.
func (c *Chipset) Init() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Init(c); err != nil {
			return fmt.Errorf("chipset: init device %q: %w", name, err)
		}
	}
	return nil
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Device returns the device registered under name.
func (c *Chipset) Device(name string) (ChipsetDevice, error) {
	dev, ok := c.devices[name]
	if !ok {
		return nil, fmt.Errorf("chipset: %q: %w", name, hv.ErrDeviceNotFound)
	}
	return dev, nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	if addr+uint64(len(data)) < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		if binding.region.Contains(addr, uint64(len(data))) {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// DeliverMessage routes an interrupt message to the device owning addr. A
// message on a shared window goes to every handler accepting it.
func (c *Chipset) DeliverMessage(addr uint64, data []byte) error {
	for _, binding := range c.messages {
		if binding.region.Contains(addr, 1) {
			return binding.handler.RecvMessage(addr, data)
		}
	}

	var (
		delivered bool
		errs      []error
	)
	for _, binding := range c.shared {
		if !binding.region.Contains(addr, 1) {
			continue
		}
		if !binding.handler.(MessageFilter).AcceptsMessage(addr, data) {
			continue
		}
		delivered = true
		if err := binding.handler.RecvMessage(addr, data); err != nil {
			errs = append(errs, err)
		}
	}
	if !delivered {
		return fmt.Errorf("chipset: no receiver for interrupt message at 0x%016x", addr)
	}
	return errors.Join(errs...)
}

// SendMessage implements hv.Machine.
func (c *Chipset) SendMessage(addr uint64, data []byte) error {
	return c.DeliverMessage(addr, data)
}

// SetIRQ drives a registered interrupt line.
func (c *Chipset) SetIRQ(line uint8, level bool) error {
	sink, ok := c.interrupts[line]
	if !ok {
		return fmt.Errorf("chipset: no sink for interrupt line %d", line)
	}
	sink.SetIRQ(line, level)
	return nil
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var _ hv.Machine = (*Chipset)(nil)
