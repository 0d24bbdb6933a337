package chipset

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/apicsim/internal/chipset"
	"github.com/tinyrange/apicsim/internal/hv"
	"github.com/tinyrange/apicsim/internal/intmsg"
)

const (
	// IOAPICBaseAddress is the legacy MMIO base for the first IO-APIC.
	IOAPICBaseAddress uint64 = 0xFEC00000

	ioapicRegisterWindowSize = 0x20

	ioapicRegisterSelect = 0x00
	ioapicRegisterData   = 0x10

	ioapicIDRegister           = 0x00
	ioapicVersionRegister      = 0x01
	ioapicArbitrationRegister  = 0x02
	ioapicRedirectionTableBase = 0x10

	ioapicVersion = 0x11
)

// Redirection bits that the guest is permitted to write.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// IOAPIC emulates the x86 IO-APIC at 0xFEC00000. Unmasked pin assertions
// are turned into trigger messages on the interrupt bus.
type IOAPIC struct {
	mu sync.Mutex

	entries []irqRedirection
	index   uint8
	id      uint8

	bus    hv.Machine
	logger *slog.Logger
	fault  error
	stats  ioapicStats
}

// IOAPICOption configures an IOAPIC.
type IOAPICOption func(*IOAPIC)

// WithIOAPICLogger routes delivery failures to l instead of the default
// logger.
func WithIOAPICLogger(l *slog.Logger) IOAPICOption {
	return func(i *IOAPIC) {
		if l != nil {
			i.logger = l
		}
	}
}

// NewIOAPIC builds an IO-APIC exposing numEntries redirection slots.
func NewIOAPIC(numEntries int, opts ...IOAPICOption) *IOAPIC {
	if numEntries <= 0 {
		numEntries = 24
	}
	i := &IOAPIC{
		entries: make([]irqRedirection, numEntries),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.resetLocked()
	return i
}

// Init implements hv.Device. Interrupt messages are sent through m.
func (i *IOAPIC) Init(m hv.Machine) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.bus = m
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (i *IOAPIC) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (i *IOAPIC) Stop() error { return nil }

// Reset masks every redirection entry and clears the latched pin levels.
func (i *IOAPIC) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.resetLocked()
	return nil
}

func (i *IOAPIC) resetLocked() {
	for idx := range i.entries {
		i.entries[idx] = newIRQRedirection()
	}
	i.index = 0
	i.fault = nil
	i.stats = ioapicStats{perIRQ: make([]uint64, len(i.entries))}
}

// Lines returns the number of input pins.
func (i *IOAPIC) Lines() int { return len(i.entries) }

// SetIRQ changes the level of a given IO-APIC input pin. Delivery failures
// are kept for DeliveryError.
func (i *IOAPIC) SetIRQ(line uint8, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if int(line) >= len(i.entries) {
		return
	}
	entry := &i.entries[line]
	if high {
		i.record(entry.assert(i, line))
	} else {
		entry.deassert()
	}
}

// DeliveryError returns and clears the first failed message delivery since
// the last call.
func (i *IOAPIC) DeliveryError() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	err := i.fault
	i.fault = nil
	return err
}

// Stats returns the number of messages sent in total and per pin.
func (i *IOAPIC) Stats() (uint64, []uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats.interrupts, append([]uint64(nil), i.stats.perIRQ...)
}

func (i *IOAPIC) record(err error) {
	if err == nil {
		return
	}
	i.logger.Error("ioapic: interrupt delivery failed", "err", err)
	if i.fault == nil {
		i.fault = err
	}
}

// send delivers one trigger message to the APICs selected by msg.
func (i *IOAPIC) send(msg intmsg.TriggerInt) error {
	if i.bus == nil {
		return fmt.Errorf("ioapic: no interrupt bus for %s", msg)
	}
	var buf [intmsg.EncodedSize]byte
	if err := msg.Encode(buf[:]); err != nil {
		return err
	}
	if err := i.bus.SendMessage(msg.Route(), buf[:]); err != nil {
		return fmt.Errorf("ioapic: deliver %s: %w", msg, err)
	}
	return nil
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (i *IOAPIC) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{
		{Address: IOAPICBaseAddress, Size: ioapicRegisterWindowSize},
	}
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (i *IOAPIC) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (i *IOAPIC) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{Regions: i.MMIORegions(), Handler: i}
}

// SupportsMessages implements chipset.ChipsetDevice.
func (i *IOAPIC) SupportsMessages() *chipset.MessageIntercept { return nil }

// ReadMMIO implements hv.MemoryMappedIODevice.
func (i *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: read outside MMIO window: 0x%x", addr)
	}

	offset := addr - IOAPICBaseAddress
	var value uint32

	i.mu.Lock()
	switch offset {
	case ioapicRegisterSelect:
		value = uint32(i.index)
	case ioapicRegisterData:
		value = i.readRegister(i.index)
	default:
		i.mu.Unlock()
		return fmt.Errorf("ioapic: invalid read offset 0x%x", offset)
	}
	i.mu.Unlock()

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf, value)
	copy(data, buf)
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (i *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	if !i.inRange(addr, uint64(len(data))) {
		return fmt.Errorf("ioapic: write outside MMIO window: 0x%x", addr)
	}
	offset := addr - IOAPICBaseAddress

	i.mu.Lock()
	defer i.mu.Unlock()

	switch offset {
	case ioapicRegisterSelect:
		if len(data) == 0 {
			return fmt.Errorf("ioapic: empty write to select register")
		}
		i.index = data[0]
	case ioapicRegisterData:
		if len(data) != 4 && len(data) != 8 {
			return fmt.Errorf("ioapic: invalid data register write size %d", len(data))
		}
		return i.writeRegister(i.index, binary.LittleEndian.Uint32(data))
	default:
		return fmt.Errorf("ioapic: invalid write offset 0x%x", offset)
	}
	return nil
}

func (i *IOAPIC) readRegister(index uint8) uint32 {
	switch {
	case index == ioapicIDRegister:
		return uint32(i.id&0x0f) << 24
	case index == ioapicVersionRegister:
		return uint32(ioapicVersion) | uint32(len(i.entries)-1)<<16
	case index == ioapicArbitrationRegister:
		return 0
	case index >= ioapicRedirectionTableBase:
		return i.readRedirection(index - ioapicRedirectionTableBase)
	default:
		return 0
	}
}

func (i *IOAPIC) writeRegister(index uint8, value uint32) error {
	switch {
	case index == ioapicIDRegister:
		i.id = uint8((value >> 24) & 0x0f)
	case index == ioapicVersionRegister, index == ioapicArbitrationRegister:
		// Read-only.
	case index >= ioapicRedirectionTableBase:
		return i.writeRedirection(index-ioapicRedirectionTableBase, value)
	}
	return nil
}

func (i *IOAPIC) readRedirection(index uint8) uint32 {
	entry := i.entryForIndex(index)
	if entry == nil {
		return 0
	}
	raw := entry.redirection.raw()
	if index&1 == 1 {
		return uint32(raw >> 32)
	}
	return uint32(raw & 0xffffffff)
}

func (i *IOAPIC) writeRedirection(index uint8, value uint32) error {
	entry := i.entryForIndex(index)
	if entry == nil {
		return nil
	}

	raw := entry.redirection.raw()
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask & 0xffffffff00000000
	line := uint8(index / 2)

	wasMasked := entry.redirection.masked()

	if index&1 == 1 {
		raw &= ^highMask
		raw |= (val << 32) & highMask
	} else {
		raw &= ^lowMask
		raw |= val & lowMask
	}
	entry.redirection.setRaw(raw)

	// Unmasking a pin that is held high counts as a rising edge.
	forceEdge := wasMasked && !entry.redirection.masked() && entry.lineLevel

	return entry.evaluate(i, line, forceEdge)
}

func (i *IOAPIC) entryForIndex(index uint8) *irqRedirection {
	n := int(index / 2)
	if n >= len(i.entries) {
		return nil
	}
	return &i.entries[n]
}

func (i *IOAPIC) inRange(addr uint64, size uint64) bool {
	if addr < IOAPICBaseAddress {
		return false
	}
	return addr+size <= IOAPICBaseAddress+ioapicRegisterWindowSize
}

type irqRedirection struct {
	redirection redirectionEntry
	lineLevel   bool
}

func newIRQRedirection() irqRedirection {
	return irqRedirection{
		redirection: newRedirectionEntry(),
	}
}

func (r *irqRedirection) assert(dev *IOAPIC, line uint8) error {
	edge := !r.lineLevel
	r.lineLevel = true
	return r.evaluate(dev, line, edge)
}

func (r *irqRedirection) deassert() {
	r.lineLevel = false
	r.redirection.setRemoteIRR(false)
}

func (r *irqRedirection) evaluate(dev *IOAPIC, line uint8, edge bool) error {
	if r.redirection.masked() {
		return nil
	}
	isLevel := r.redirection.isLevelCapable()
	switch {
	case isLevel && (!r.lineLevel || r.redirection.remoteIRR()):
		return nil
	case !isLevel && !edge:
		return nil
	}

	r.redirection.setRemoteIRR(isLevel)
	dev.stats.interrupts++
	if int(line) < len(dev.stats.perIRQ) {
		dev.stats.perIRQ[line]++
	}

	return dev.send(r.redirection.message())
}

type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	var value uint64
	value |= 1 << 11 // destination mode logical
	value |= 1 << 16 // masked by default
	return redirectionEntry{value: value}
}

func (r redirectionEntry) raw() uint64 {
	return r.value
}

func (r *redirectionEntry) setRaw(value uint64) {
	r.value = value
}

// destination returns bits 56-63 (Destination Field)
func (r redirectionEntry) destination() uint8 {
	return uint8((r.value >> 56) & 0xFF)
}

func (r redirectionEntry) vector() uint8 {
	return uint8(r.value & 0xff)
}

func (r redirectionEntry) deliveryMode() intmsg.DeliveryMode {
	return intmsg.DeliveryMode((r.value >> 8) & 0x7)
}

func (r redirectionEntry) masked() bool {
	return (r.value>>16)&1 == 1
}

func (r redirectionEntry) remoteIRR() bool {
	return (r.value>>14)&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(val bool) {
	if val {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) triggerModeLevel() bool {
	return (r.value>>15)&1 == 1
}

func (r redirectionEntry) destinationMode() intmsg.DestinationMode {
	return intmsg.DestinationMode((r.value >> 11) & 1)
}

func (r redirectionEntry) isLevelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == intmsg.DeliveryFixed || mode == intmsg.DeliveryLowestPriority
}

func (r redirectionEntry) message() intmsg.TriggerInt {
	msg := intmsg.TriggerInt{
		Destination:     r.destination(),
		Vector:          r.vector(),
		DeliveryMode:    r.deliveryMode(),
		DestinationMode: r.destinationMode(),
		Level:           true,
		Trigger:         intmsg.TriggerEdge,
	}
	if r.isLevelCapable() {
		msg.Trigger = intmsg.TriggerLevel
	}
	return msg
}

type ioapicStats struct {
	interrupts uint64
	perIRQ     []uint64
}

// Snapshot support ----------------------------------------------------------

type ioapicEntrySnapshot struct {
	Value     uint64
	LineLevel bool
}

type ioapicSnapshot struct {
	Index   uint8
	ID      uint8
	Entries []ioapicEntrySnapshot
}

func (i *IOAPIC) DeviceId() string { return "ioapic" }

func (i *IOAPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	snap := &ioapicSnapshot{
		Index:   i.index,
		ID:      i.id,
		Entries: make([]ioapicEntrySnapshot, len(i.entries)),
	}
	for idx, entry := range i.entries {
		snap.Entries[idx] = ioapicEntrySnapshot{
			Value:     entry.redirection.raw(),
			LineLevel: entry.lineLevel,
		}
	}
	return snap, nil
}

func (i *IOAPIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*ioapicSnapshot)
	if !ok {
		return fmt.Errorf("ioapic: invalid snapshot type")
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if len(data.Entries) != len(i.entries) {
		return fmt.Errorf("ioapic: snapshot entry count mismatch: got %d, want %d", len(data.Entries), len(i.entries))
	}

	i.index = data.Index
	i.id = data.ID
	for idx, entry := range data.Entries {
		i.entries[idx].redirection.setRaw(entry.Value)
		i.entries[idx].lineLevel = entry.LineLevel
	}
	return nil
}

var (
	_ hv.MemoryMappedIODevice = (*IOAPIC)(nil)
	_ hv.DeviceSnapshotter    = (*IOAPIC)(nil)
	_ chipset.ChipsetDevice   = (*IOAPIC)(nil)
	_ chipset.InterruptSink   = (*IOAPIC)(nil)
)
