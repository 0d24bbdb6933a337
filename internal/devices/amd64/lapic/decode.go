package lapic

import (
	"fmt"
	"sort"
)

// Bus-visible register offsets relative to the APIC base.
const (
	offsetID                  = 0x20
	offsetVersion             = 0x30
	offsetTaskPriority        = 0x80
	offsetArbitrationPriority = 0x90
	offsetProcessorPriority   = 0xA0
	offsetEOI                 = 0xB0
	offsetLogicalDestination  = 0xD0
	offsetDestinationFormat   = 0xE0
	offsetSpuriousVector      = 0xF0
	offsetInServiceBase       = 0x100
	offsetTriggerModeBase     = 0x180
	offsetInterruptRequest    = 0x200
	offsetErrorStatus         = 0x280
	offsetICRLow              = 0x300
	offsetICRHigh             = 0x310
	offsetLVTTimer            = 0x320
	offsetLVTThermal          = 0x330
	offsetLVTPerfCounters     = 0x340
	offsetLVTLINT0            = 0x350
	offsetLVTLINT1            = 0x360
	offsetLVTError            = 0x370
	offsetInitialCount        = 0x380
	offsetCurrentCount        = 0x390
	offsetDivideConfiguration = 0x3E0

	bankStride = 0x8

	// slotMask selects the bits ignored when matching an offset.
	slotMask = 0x7
)

// fixedOffsets maps the offset of every non-bank register. The compiler
// rejects duplicate keys in the literal.
var fixedOffsets = map[uint64]Register{
	offsetID:                  RegID,
	offsetVersion:             RegVersion,
	offsetTaskPriority:        RegTaskPriority,
	offsetArbitrationPriority: RegArbitrationPriority,
	offsetProcessorPriority:   RegProcessorPriority,
	offsetEOI:                 RegEOI,
	offsetLogicalDestination:  RegLogicalDestination,
	offsetDestinationFormat:   RegDestinationFormat,
	offsetSpuriousVector:      RegSpuriousVector,
	offsetErrorStatus:         RegErrorStatus,
	offsetICRLow:              RegICRLow,
	offsetICRHigh:             RegICRHigh,
	offsetLVTTimer:            RegLVTTimer,
	offsetLVTThermal:          RegLVTThermal,
	offsetLVTPerfCounters:     RegLVTPerfCounters,
	offsetLVTLINT0:            RegLVTLINT0,
	offsetLVTLINT1:            RegLVTLINT1,
	offsetLVTError:            RegLVTError,
	offsetInitialCount:        RegInitialCount,
	offsetCurrentCount:        RegCurrentCount,
	offsetDivideConfiguration: RegDivideConfiguration,
}

type registerBank struct {
	offset uint64
	first  Register
}

var registerBanks = [...]registerBank{
	{offset: offsetInServiceBase, first: RegInServiceBase},
	{offset: offsetTriggerModeBase, first: RegTriggerModeBase},
	{offset: offsetInterruptRequest, first: RegInterruptRequestBase},
}

// DecodeOffset returns the register addressed by a byte offset from the
// APIC base. The low three bits of the offset are ignored.
func DecodeOffset(offset uint64) (Register, error) {
	masked := offset &^ slotMask
	if reg, ok := fixedOffsets[masked]; ok {
		return reg, nil
	}
	for _, bank := range registerBanks {
		if masked < bank.offset {
			continue
		}
		index := (masked - bank.offset) / bankStride
		if index < bankEntries {
			return bank.first + Register(index), nil
		}
	}
	return 0, fmt.Errorf("lapic: offset %#x: %w", masked, ErrReservedRegister)
}

// Offset returns the bus offset of reg. Internal registers have none.
func Offset(reg Register) (uint64, bool) {
	for _, bank := range registerBanks {
		if reg.inBank(bank.first) {
			return bank.offset + uint64(reg-bank.first)*bankStride, true
		}
	}
	for offset, r := range fixedOffsets {
		if r == reg {
			return offset, true
		}
	}
	return 0, false
}

// VisibleRegisters lists every bus-visible register in offset order.
func VisibleRegisters() []Register {
	regs := make([]Register, 0, numRegisters-1)
	for r := Register(0); int(r) < numRegisters; r++ {
		if _, ok := Offset(r); ok {
			regs = append(regs, r)
		}
	}
	sort.Slice(regs, func(i, j int) bool {
		a, _ := Offset(regs[i])
		b, _ := Offset(regs[j])
		return a < b
	})
	return regs
}
