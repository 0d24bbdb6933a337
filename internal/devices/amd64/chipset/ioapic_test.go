package chipset

import (
	"bytes"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tinyrange/apicsim/internal/intmsg"
)

type ioapicTestBus struct {
	addrs    []uint64
	messages []intmsg.TriggerInt
	err      error
}

func (b *ioapicTestBus) SendMessage(addr uint64, data []byte) error {
	msg, err := intmsg.Decode(data)
	if err != nil {
		return err
	}
	b.addrs = append(b.addrs, addr)
	b.messages = append(b.messages, msg)
	return b.err
}

func newTestIOAPIC(t *testing.T) (*IOAPIC, *ioapicTestBus) {
	t.Helper()
	dev := NewIOAPIC(24)
	bus := &ioapicTestBus{}
	if err := dev.Init(bus); err != nil {
		t.Fatalf("init: %v", err)
	}
	return dev, bus
}

func TestIOAPICVersionRegister(t *testing.T) {
	dev := NewIOAPIC(24)

	writeIndex(t, dev, ioapicVersionRegister)
	value := readData(t, dev)
	if got, want := value&0xff, uint32(ioapicVersion); got != want {
		t.Fatalf("version register = 0x%x, want 0x%x", got, want)
	}
	if got, want := (value>>16)&0xff, uint32(len(dev.entries)-1); got != want {
		t.Fatalf("max redirection entry = %d, want %d", got, want)
	}
}

func TestIOAPICDeliversEdgeInterrupts(t *testing.T) {
	dev, bus := newTestIOAPIC(t)

	programRedirection(t, dev, 0, 0x45, 3, false, false)

	dev.SetIRQ(0, true)
	if len(bus.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(bus.messages))
	}
	msg := bus.messages[0]
	if msg.Vector != 0x45 || msg.Destination != 3 {
		t.Fatalf("unexpected message %s", msg)
	}
	if msg.DestinationMode != intmsg.DestinationPhysical || msg.Trigger != intmsg.TriggerEdge {
		t.Fatalf("unexpected routing %s", msg)
	}
	if bus.addrs[0] != intmsg.Address(3, intmsg.OffsetTrigger) {
		t.Fatalf("message sent to %#x", bus.addrs[0])
	}

	// Keeping the line high should not retrigger.
	dev.SetIRQ(0, true)
	if len(bus.messages) != 1 {
		t.Fatalf("unexpected retrigger while line high")
	}

	// Falling edge then rising edge should retrigger.
	dev.SetIRQ(0, false)
	dev.SetIRQ(0, true)
	if len(bus.messages) != 2 {
		t.Fatalf("expected second message, got %d", len(bus.messages))
	}

	total, perLine := dev.Stats()
	if total != 2 || perLine[0] != 2 {
		t.Fatalf("stats = %d, %v", total, perLine[:1])
	}
}

func TestIOAPICLevelInterruptHoldsRemoteIRR(t *testing.T) {
	dev, bus := newTestIOAPIC(t)

	const line = 5
	const vector = 0x55
	programRedirection(t, dev, line, vector, 0, true, false)

	dev.SetIRQ(line, true)
	if len(bus.messages) != 1 {
		t.Fatalf("expected first message, got %d", len(bus.messages))
	}
	if bus.messages[0].Trigger != intmsg.TriggerLevel {
		t.Fatalf("level entry sent %s", bus.messages[0])
	}
	if !dev.entries[line].redirection.remoteIRR() {
		t.Fatalf("remote IRR not set")
	}

	// Rewriting the entry while remote IRR is set does not resend.
	programRedirection(t, dev, line, vector, 0, true, false)
	if len(bus.messages) != 1 {
		t.Fatalf("level interrupt resent while remote IRR set")
	}

	dev.SetIRQ(line, false)
	dev.SetIRQ(line, true)
	if len(bus.messages) != 2 {
		t.Fatalf("expected second message after deassert, got %d", len(bus.messages))
	}
}

func TestIOAPICUnmaskDeliversHeldLine(t *testing.T) {
	dev, bus := newTestIOAPIC(t)

	programRedirection(t, dev, 1, 0x31, 0, false, true)
	dev.SetIRQ(1, true)
	if len(bus.messages) != 0 {
		t.Fatalf("masked pin delivered")
	}
	programRedirection(t, dev, 1, 0x31, 0, false, false)
	if len(bus.messages) != 1 {
		t.Fatalf("unmasking a held pin did not deliver")
	}
}

func TestIOAPICRecordsDeliveryErrors(t *testing.T) {
	dev, bus := newTestIOAPIC(t)
	bus.err = errors.New("no receiver")

	programRedirection(t, dev, 2, 0x40, 0, false, false)
	dev.SetIRQ(2, true)
	if err := dev.DeliveryError(); err == nil {
		t.Fatalf("delivery error not recorded")
	}
	if err := dev.DeliveryError(); err != nil {
		t.Fatalf("delivery error not cleared: %v", err)
	}
}

func TestIOAPICSnapshotRoundTrip(t *testing.T) {
	dev, _ := newTestIOAPIC(t)
	programRedirection(t, dev, 4, 0x44, 1, true, false)
	dev.SetIRQ(4, true)

	snap, err := dev.CaptureSnapshot()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	restored, _ := newTestIOAPIC(t)
	if err := restored.RestoreSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.entries[4] != dev.entries[4] {
		t.Fatalf("entry 4 = %+v, want %+v", restored.entries[4], dev.entries[4])
	}
	if err := NewIOAPIC(8).RestoreSnapshot(snap); err == nil {
		t.Fatalf("restored into an IO-APIC with fewer pins")
	}
}

func TestIOAPICLogicalDestinationUsesSharedWindow(t *testing.T) {
	dev, bus := newTestIOAPIC(t)

	writeIndex(t, dev, ioapicRedirectionTableBase+1)
	writeData(t, dev, 0x05<<24)
	writeIndex(t, dev, ioapicRedirectionTableBase)
	writeData(t, dev, 0x48|1<<11)

	dev.SetIRQ(0, true)
	if len(bus.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(bus.messages))
	}
	msg := bus.messages[0]
	if msg.DestinationMode != intmsg.DestinationLogical || msg.Destination != 0x05 {
		t.Fatalf("unexpected routing %s", msg)
	}
	if bus.addrs[0] != intmsg.LogicalAddress(intmsg.OffsetTrigger) {
		t.Fatalf("logical message sent to %#x", bus.addrs[0])
	}
}

func TestIOAPICLogsDeliveryFailures(t *testing.T) {
	var out bytes.Buffer
	dev := NewIOAPIC(24, WithIOAPICLogger(slog.New(slog.NewTextHandler(&out, nil))))
	bus := &ioapicTestBus{err: errors.New("bus down")}
	if err := dev.Init(bus); err != nil {
		t.Fatalf("init: %v", err)
	}

	programRedirection(t, dev, 2, 0x40, 0, false, false)
	dev.SetIRQ(2, true)
	if err := dev.DeliveryError(); err == nil {
		t.Fatalf("delivery failure not kept")
	}
	if !strings.Contains(out.String(), "interrupt delivery failed") || !strings.Contains(out.String(), "bus down") {
		t.Fatalf("injected logger saw %q", out.String())
	}
}

func programRedirection(t *testing.T, dev *IOAPIC, line uint32, vector byte, dest uint8, level bool, masked bool) {
	t.Helper()
	low := uint32(vector)
	if level {
		low |= 1 << 15
	}
	if masked {
		low |= 1 << 16
	}

	writeIndex(t, dev, ioapicRedirectionTableBase+uint8(line*2)+1)
	writeData(t, dev, uint32(dest)<<24)

	writeIndex(t, dev, ioapicRedirectionTableBase+uint8(line*2))
	writeData(t, dev, low)
}

func writeIndex(t *testing.T, dev *IOAPIC, index uint8) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(index))
	if err := dev.WriteMMIO(IOAPICBaseAddress+ioapicRegisterSelect, buf); err != nil {
		t.Fatalf("write select: %v", err)
	}
}

func writeData(t *testing.T, dev *IOAPIC, value uint32) {
	t.Helper()
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	if err := dev.WriteMMIO(IOAPICBaseAddress+ioapicRegisterData, buf); err != nil {
		t.Fatalf("write data: %v", err)
	}
}

func readData(t *testing.T, dev *IOAPIC) uint32 {
	t.Helper()
	buf := make([]byte, 4)
	if err := dev.ReadMMIO(IOAPICBaseAddress+ioapicRegisterData, buf); err != nil {
		t.Fatalf("read data: %v", err)
	}
	return binary.LittleEndian.Uint32(buf)
}
