package intmsg

import "testing"

func TestTriggerIntBitLayout(t *testing.T) {
	msg := TriggerInt{
		Destination:     0x03,
		Vector:          0x41,
		DeliveryMode:    DeliveryExtInt,
		DestinationMode: DestinationLogical,
		Level:           true,
		Trigger:         TriggerLevel,
	}
	if got, want := msg.Pack(), uint32(0x03|0x41<<8|7<<16|1<<19|1<<20|1<<21); got != want {
		t.Fatalf("pack = %#x, want %#x", got, want)
	}

	buf := make([]byte, EncodedSize)
	if err := msg.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if buf[0] != 0x03 || buf[1] != 0x41 {
		t.Fatalf("unexpected little-endian layout % x", buf)
	}
	if _, err := Decode(buf[:2]); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}

func TestDeliveryModeClasses(t *testing.T) {
	for mode := DeliveryMode(0); mode < 8; mode++ {
		if mode.Maskable() && mode.Unmaskable() {
			t.Fatalf("%s is both maskable and unmaskable", mode)
		}
	}
	if !DeliveryFixed.Maskable() || !DeliveryExtInt.Maskable() {
		t.Fatalf("fixed and ExtInt must be maskable")
	}
	if !DeliveryNMI.Unmaskable() || !DeliverySMI.Unmaskable() {
		t.Fatalf("NMI and SMI must be unmaskable")
	}
	if DeliveryMode(3).Maskable() || DeliveryMode(3).Unmaskable() {
		t.Fatalf("reserved mode must be neither maskable nor unmaskable")
	}
}

func TestAddressWindows(t *testing.T) {
	if got := Address(0, OffsetTrigger); got != AddrPrefix {
		t.Fatalf("address(0,0) = %#x", got)
	}
	if got := Address(2, 0x10); got != AddrPrefix|0x2010 {
		t.Fatalf("address(2,0x10) = %#x", got)
	}
}

func TestRoute(t *testing.T) {
	phys := TriggerInt{Destination: 3, Vector: 0x40}
	if got := phys.Route(); got != Address(3, OffsetTrigger) {
		t.Fatalf("physical route = %#x", got)
	}
	logical := TriggerInt{Destination: 0x03, DestinationMode: DestinationLogical}
	if got := logical.Route(); got != LogicalAddress(OffsetTrigger) {
		t.Fatalf("logical route = %#x", got)
	}
	if top := Address(0xFF, WindowSize-1); LogicalAddress(0) <= top {
		t.Fatalf("shared window %#x overlaps APIC 255 window ending %#x", LogicalAddress(0), top)
	}
}
