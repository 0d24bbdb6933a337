package hv

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceNotFound = errors.New("device not found")
)

// Device is implemented by every simulated device attached to a machine.
type Device interface {
	Init(m Machine) error
}

// Machine is the part of the enclosing simulator visible to devices at Init.
type Machine interface {
	// SendMessage delivers an interrupt message on the system bus.
	SendMessage(addr uint64, data []byte) error
}

type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether the access [addr, addr+size) lies inside r.
func (r MMIORegion) Contains(addr, size uint64) bool {
	end := addr + size
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("0x%x-0x%x", r.Address, r.Address+r.Size-1)
}

type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

type X86IOPortDevice interface {
	Device

	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

// MessageDevice receives interrupt messages addressed to its windows.
type MessageDevice interface {
	Device

	MessageRegions() []MMIORegion

	RecvMessage(addr uint64, data []byte) error
}

type SimpleMMIODevice struct {
	Regions []MMIORegion

	ReadFunc  func(addr uint64, data []byte) error
	WriteFunc func(addr uint64, data []byte) error
}

func (d SimpleMMIODevice) MMIORegions() []MMIORegion { return d.Regions }
func (d SimpleMMIODevice) ReadMMIO(addr uint64, data []byte) error {
	if d.ReadFunc != nil {
		return d.ReadFunc(addr, data)
	}
	return fmt.Errorf("unhandled read from MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) WriteMMIO(addr uint64, data []byte) error {
	if d.WriteFunc != nil {
		return d.WriteFunc(addr, data)
	}
	return fmt.Errorf("unhandled write to MMIO address 0x%X", addr)
}
func (d SimpleMMIODevice) Init(m Machine) error {
	return nil
}

var (
	_ MemoryMappedIODevice = SimpleMMIODevice{}
)
