package lapic

import (
	"fmt"

	"github.com/tinyrange/apicsim/internal/intmsg"
)

// RecvMessage implements hv.MessageDevice. The bus only routes messages
// from this APIC's window, or shared-window messages it accepted, here. A
// destination that does not select this APIC is a routing bug and panics.
func (a *LocalAPIC) RecvMessage(addr uint64, data []byte) error {
	switch offset := a.messageOffset(addr); offset {
	case intmsg.OffsetTrigger:
		msg, err := intmsg.Decode(data)
		if err != nil {
			return fmt.Errorf("lapic: %w", err)
		}
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.recvTrigger(msg)
	default:
		return fmt.Errorf("lapic: message at offset %#x: %w", offset, ErrUnknownMessage)
	}
}

// AcceptsMessage implements chipset.MessageFilter for the shared logical
// window: only messages whose destination mask selects this APIC are taken.
func (a *LocalAPIC) AcceptsMessage(addr uint64, data []byte) bool {
	if a.messageOffset(addr) != intmsg.OffsetTrigger {
		return true
	}
	msg, err := intmsg.Decode(data)
	if err != nil {
		// Let RecvMessage report the malformed message.
		return true
	}
	if msg.DestinationMode != intmsg.DestinationLogical {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selects(msg)
}

func (a *LocalAPIC) messageOffset(addr uint64) uint64 {
	if shared := intmsg.LogicalAddress(0); addr >= shared && addr-shared < intmsg.WindowSize {
		return addr - shared
	}
	return addr - intmsg.Address(a.id, 0)
}

func (a *LocalAPIC) recvTrigger(msg intmsg.TriggerInt) error {
	if !a.selects(msg) {
		panic(fmt.Sprintf("lapic%d: message %s not addressed to this APIC", a.id, msg))
	}
	a.logger.Debug("lapic: message", "id", a.id, "msg", msg.String())

	switch {
	case msg.DeliveryMode.Unmaskable():
		return fmt.Errorf("lapic: %s delivery: %w", msg.DeliveryMode, ErrUnimplemented)
	case msg.DeliveryMode.Maskable():
		a.requestInterrupt(msg.Vector, msg.Trigger == intmsg.TriggerLevel)
		return nil
	default:
		return fmt.Errorf("lapic: delivery mode %d: %w", uint8(msg.DeliveryMode), ErrUnknownDeliveryMode)
	}
}

func (a *LocalAPIC) selects(msg intmsg.TriggerInt) bool {
	if msg.DestinationMode == intmsg.DestinationLogical {
		return msg.Destination&uint8(a.regs[RegLogicalDestination]>>24) != 0
	}
	return msg.Destination == a.id
}
