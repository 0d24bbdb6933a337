// Package intmsg describes the interrupt messages exchanged between interrupt
// sources (IO-APICs, other local APICs) and local APICs on the system bus.
package intmsg

import (
	"encoding/binary"
	"fmt"
)

// AddrPrefix is the start of the address space reserved for interrupt
// messages. Each APIC id owns a 4 KiB window below it.
const AddrPrefix uint64 = 0xFFFFFFFF00000000

// WindowSize is the size of the message window owned by one APIC id.
const WindowSize uint64 = 1 << 12

// Offsets within an APIC's message window.
const (
	OffsetTrigger uint64 = 0x0
)

// Address returns the bus address of offset within the message window of id.
func Address(id uint8, offset uint64) uint64 {
	if offset >= WindowSize {
		panic(fmt.Sprintf("intmsg: offset 0x%x outside message window", offset))
	}
	return AddrPrefix | uint64(id)<<12 | offset
}

// LogicalAddress returns the bus address of offset within the window shared
// by every APIC. Logical destination messages are sent there and each
// receiver matches the destination mask itself.
func LogicalAddress(offset uint64) uint64 {
	if offset >= WindowSize {
		panic(fmt.Sprintf("intmsg: offset 0x%x outside message window", offset))
	}
	return AddrPrefix | 0x100<<12 | offset
}

// DeliveryMode classifies how the receiving APIC treats a message.
type DeliveryMode uint8

const (
	DeliveryFixed          DeliveryMode = 0
	DeliveryLowestPriority DeliveryMode = 1
	DeliverySMI            DeliveryMode = 2
	DeliveryNMI            DeliveryMode = 4
	DeliveryINIT           DeliveryMode = 5
	DeliverySIPI           DeliveryMode = 6
	DeliveryExtInt         DeliveryMode = 7
)

var deliveryModeNames = [8]string{
	"Fixed", "LowestPriority", "SMI", "Reserved", "NMI", "INIT", "Startup", "ExtInt",
}

func (m DeliveryMode) String() string {
	if int(m) < len(deliveryModeNames) {
		return deliveryModeNames[m]
	}
	return fmt.Sprintf("DeliveryMode(%d)", uint8(m))
}

// Maskable reports whether the mode is subject to task priority and the
// processor interrupt flag.
func (m DeliveryMode) Maskable() bool {
	switch m {
	case DeliveryFixed, DeliveryLowestPriority, DeliveryExtInt:
		return true
	}
	return false
}

// Unmaskable reports whether the mode bypasses normal prioritization.
func (m DeliveryMode) Unmaskable() bool {
	switch m {
	case DeliverySMI, DeliveryNMI, DeliveryINIT, DeliverySIPI:
		return true
	}
	return false
}

// DestinationMode selects how the destination field is matched.
type DestinationMode uint8

const (
	DestinationPhysical DestinationMode = 0
	DestinationLogical  DestinationMode = 1
)

func (m DestinationMode) String() string {
	if m == DestinationLogical {
		return "logical"
	}
	return "physical"
}

// TriggerMode distinguishes edge and level triggered interrupts.
type TriggerMode uint8

const (
	TriggerEdge  TriggerMode = 0
	TriggerLevel TriggerMode = 1
)

func (m TriggerMode) String() string {
	if m == TriggerLevel {
		return "level"
	}
	return "edge"
}

// TriggerInt is the vector trigger message delivered at OffsetTrigger.
type TriggerInt struct {
	Destination     uint8
	Vector          uint8
	DeliveryMode    DeliveryMode
	DestinationMode DestinationMode
	Level           bool
	Trigger         TriggerMode
}

// Route returns the bus address m is sent to: the destination's own window
// in physical mode, the shared window in logical mode.
func (m TriggerInt) Route() uint64 {
	if m.DestinationMode == DestinationLogical {
		return LogicalAddress(OffsetTrigger)
	}
	return Address(m.Destination, OffsetTrigger)
}

// EncodedSize is the number of bytes of an encoded TriggerInt.
const EncodedSize = 4

// Pack returns the 32-bit wire encoding of m.
//
//	bits  7:0  destination
//	bits 15:8  vector
//	bits 18:16 delivery mode
//	bit  19    destination mode
//	bit  20    level
//	bit  21    trigger mode
func (m TriggerInt) Pack() uint32 {
	v := uint32(m.Destination)
	v |= uint32(m.Vector) << 8
	v |= uint32(m.DeliveryMode&0x7) << 16
	v |= uint32(m.DestinationMode&0x1) << 19
	if m.Level {
		v |= 1 << 20
	}
	v |= uint32(m.Trigger&0x1) << 21
	return v
}

// Unpack decodes a 32-bit wire value.
func Unpack(v uint32) TriggerInt {
	return TriggerInt{
		Destination:     uint8(v),
		Vector:          uint8(v >> 8),
		DeliveryMode:    DeliveryMode((v >> 16) & 0x7),
		DestinationMode: DestinationMode((v >> 19) & 0x1),
		Level:           (v>>20)&1 == 1,
		Trigger:         TriggerMode((v >> 21) & 0x1),
	}
}

// Encode writes m to buf in little-endian byte order.
func (m TriggerInt) Encode(buf []byte) error {
	if len(buf) < EncodedSize {
		return fmt.Errorf("intmsg: buffer too small (%d < %d)", len(buf), EncodedSize)
	}
	binary.LittleEndian.PutUint32(buf, m.Pack())
	return nil
}

// Decode reads a message previously written with Encode.
func Decode(buf []byte) (TriggerInt, error) {
	if len(buf) < EncodedSize {
		return TriggerInt{}, fmt.Errorf("intmsg: short trigger message (%d bytes)", len(buf))
	}
	return Unpack(binary.LittleEndian.Uint32(buf)), nil
}

func (m TriggerInt) String() string {
	return fmt.Sprintf("vector=%#x dest=%#x/%s mode=%s trigger=%s",
		m.Vector, m.Destination, m.DestinationMode, m.DeliveryMode, m.Trigger)
}
