package lapic

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tinyrange/apicsim/internal/chipset"
	"github.com/tinyrange/apicsim/internal/intmsg"
)

func TestRecvMessageLevelTrigger(t *testing.T) {
	a, _ := newTestAPIC(t, WithID(2))

	err := sendTrigger(t, a, intmsg.TriggerInt{
		Destination:  2,
		Vector:       0x51,
		DeliveryMode: intmsg.DeliveryLowestPriority,
		Level:        true,
		Trigger:      intmsg.TriggerLevel,
	})
	if err != nil {
		t.Fatalf("message: %v", err)
	}
	if !a.Pending(0x51) || !a.LevelTriggered(0x51) {
		t.Fatalf("level message not latched as level triggered")
	}
	if a.IRRV() != 0x51 {
		t.Fatalf("irrv = %#x", a.IRRV())
	}
}

func TestRecvMessageDeliveryModes(t *testing.T) {
	a, _ := newTestAPIC(t)

	for _, mode := range []intmsg.DeliveryMode{
		intmsg.DeliverySMI, intmsg.DeliveryNMI, intmsg.DeliveryINIT, intmsg.DeliverySIPI,
	} {
		err := sendTrigger(t, a, intmsg.TriggerInt{Vector: 0x20, DeliveryMode: mode})
		if !errors.Is(err, ErrUnimplemented) {
			t.Fatalf("%s delivery: got %v, want unimplemented", mode, err)
		}
	}

	err := sendTrigger(t, a, intmsg.TriggerInt{Vector: 0x20, DeliveryMode: 3})
	if !errors.Is(err, ErrUnknownDeliveryMode) {
		t.Fatalf("reserved delivery mode: %v", err)
	}
	if a.IRRV() != 0 {
		t.Fatalf("rejected message changed irrv to %#x", a.IRRV())
	}

	if err := sendTrigger(t, a, intmsg.TriggerInt{Vector: 0x22, DeliveryMode: intmsg.DeliveryExtInt}); err != nil {
		t.Fatalf("ExtInt delivery: %v", err)
	}
	if !a.Pending(0x22) {
		t.Fatalf("ExtInt vector not pending")
	}
}

func TestRecvMessageRejectsBadInput(t *testing.T) {
	a, _ := newTestAPIC(t, WithID(4))
	buf := make([]byte, 4)

	if err := a.RecvMessage(intmsg.Address(4, 0x10), buf); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("message at offset 0x10: %v", err)
	}
	if err := a.RecvMessage(intmsg.Address(4, 0), buf[:2]); err == nil {
		t.Fatalf("short message accepted")
	}
}

func TestRecvMessageLogicalDestination(t *testing.T) {
	a, _ := newTestAPIC(t)
	writeReg(t, a, offsetLogicalDestination, 0x06000000)

	msg := intmsg.TriggerInt{
		Destination:     0x04,
		Vector:          0x70,
		DestinationMode: intmsg.DestinationLogical,
	}
	if err := sendTrigger(t, a, msg); err != nil {
		t.Fatalf("logical message: %v", err)
	}
	if !a.Pending(0x70) {
		t.Fatalf("logical message not latched")
	}

	msg.Destination = 0x01
	defer func() {
		if recover() == nil {
			t.Fatalf("mismatched logical destination did not panic")
		}
	}()
	_ = sendTrigger(t, a, msg)
}

func TestRecvMessagePhysicalMismatchPanics(t *testing.T) {
	a, _ := newTestAPIC(t, WithID(1))
	defer func() {
		if recover() == nil {
			t.Fatalf("mismatched physical destination did not panic")
		}
	}()
	_ = sendTrigger(t, a, intmsg.TriggerInt{Destination: 2, Vector: 0x30})
}

func TestChipsetRoutesToLocalAPIC(t *testing.T) {
	first, _ := newTestAPIC(t, WithID(0))
	second, _ := newTestAPIC(t, WithID(1), WithBase(DefaultBase+WindowSize))

	b := chipset.NewBuilder()
	if err := b.RegisterDevice(first.DeviceId(), first); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := b.RegisterDevice(second.DeviceId(), second); err != nil {
		t.Fatalf("register: %v", err)
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	buf := make([]byte, 4)
	if err := (intmsg.TriggerInt{Destination: 1, Vector: 0x90}).Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := cs.DeliverMessage(intmsg.Address(1, 0), buf); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if first.Pending(0x90) || !second.Pending(0x90) {
		t.Fatalf("message routed to the wrong APIC")
	}

	if err := cs.HandleMMIO(DefaultBase+WindowSize+offsetID, buf, false); err != nil {
		t.Fatalf("mmio read: %v", err)
	}
	if got := binary.LittleEndian.Uint32(buf); got != 1 {
		t.Fatalf("second APIC id = %d", got)
	}
}

func TestChipsetFansOutLogicalMessages(t *testing.T) {
	first, _ := newTestAPIC(t, WithID(0))
	second, _ := newTestAPIC(t, WithID(1), WithBase(DefaultBase+WindowSize))
	writeReg(t, first, offsetLogicalDestination, 0x01000000)
	writeReg(t, second, offsetLogicalDestination, 0x02000000)

	b := chipset.NewBuilder()
	for _, a := range []*LocalAPIC{first, second} {
		if err := b.RegisterDevice(a.DeviceId(), a); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	cs, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	deliver := func(mask, vector uint8) error {
		msg := intmsg.TriggerInt{
			Destination:     mask,
			Vector:          vector,
			DestinationMode: intmsg.DestinationLogical,
		}
		buf := make([]byte, intmsg.EncodedSize)
		if err := msg.Encode(buf); err != nil {
			t.Fatalf("encode: %v", err)
		}
		return cs.DeliverMessage(msg.Route(), buf)
	}

	if err := deliver(0x03, 0x60); err != nil {
		t.Fatalf("broadcast mask: %v", err)
	}
	if !first.Pending(0x60) || !second.Pending(0x60) {
		t.Fatalf("mask 0x03 did not reach both APICs")
	}

	if err := deliver(0x02, 0x61); err != nil {
		t.Fatalf("single mask: %v", err)
	}
	if first.Pending(0x61) || !second.Pending(0x61) {
		t.Fatalf("mask 0x02 reached the wrong APIC")
	}

	if err := deliver(0x04, 0x62); err == nil {
		t.Fatalf("mask selecting no APIC reported as delivered")
	}
	if err := deliver(0, 0x63); err == nil {
		t.Fatalf("empty mask reported as delivered")
	}
	if first.Pending(0x62) || second.Pending(0x63) {
		t.Fatalf("unmatched logical message latched")
	}
}

func TestAcceptsMessage(t *testing.T) {
	a, _ := newTestAPIC(t)
	writeReg(t, a, offsetLogicalDestination, 0x80000000)
	buf := make([]byte, intmsg.EncodedSize)

	_ = intmsg.TriggerInt{Destination: 0x80, DestinationMode: intmsg.DestinationLogical}.Encode(buf)
	if !a.AcceptsMessage(intmsg.LogicalAddress(intmsg.OffsetTrigger), buf) {
		t.Fatalf("matching logical message refused")
	}
	_ = intmsg.TriggerInt{Destination: 0x7F, DestinationMode: intmsg.DestinationLogical}.Encode(buf)
	if a.AcceptsMessage(intmsg.LogicalAddress(intmsg.OffsetTrigger), buf) {
		t.Fatalf("non-matching logical message accepted")
	}
	_ = intmsg.TriggerInt{Destination: 0x80}.Encode(buf)
	if a.AcceptsMessage(intmsg.LogicalAddress(intmsg.OffsetTrigger), buf) {
		t.Fatalf("physical message accepted on the shared window")
	}
}
