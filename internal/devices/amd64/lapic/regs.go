package lapic

import "fmt"

// Register names one logical register of the local APIC register file.
type Register uint16

// bankEntries is the number of logical registers in each of the ISR, TMR
// and IRR banks.
const bankEntries = 16

const (
	RegID Register = iota
	RegVersion
	RegTaskPriority
	RegArbitrationPriority
	RegProcessorPriority
	RegEOI
	RegLogicalDestination
	RegDestinationFormat
	RegSpuriousVector
	RegErrorStatus
	RegICRLow
	RegICRHigh
	RegLVTTimer
	RegLVTThermal
	RegLVTPerfCounters
	RegLVTLINT0
	RegLVTLINT1
	RegLVTError
	RegInitialCount
	RegCurrentCount
	RegDivideConfiguration

	// RegInternalState holds hidden status flags. It has no bus address.
	RegInternalState

	RegInServiceBase
)

const (
	RegTriggerModeBase      = RegInServiceBase + bankEntries
	RegInterruptRequestBase = RegTriggerModeBase + bankEntries

	numRegisters = int(RegInterruptRequestBase + bankEntries)
)

// InService returns the i-th in-service bank register.
func InService(i int) Register { return bankRegister(RegInServiceBase, i) }

// TriggerMode returns the i-th trigger-mode bank register.
func TriggerMode(i int) Register { return bankRegister(RegTriggerModeBase, i) }

// InterruptRequest returns the i-th interrupt-request bank register.
func InterruptRequest(i int) Register { return bankRegister(RegInterruptRequestBase, i) }

func bankRegister(base Register, i int) Register {
	if i < 0 || i >= bankEntries {
		panic(fmt.Sprintf("lapic: bank index %d out of range", i))
	}
	return base + Register(i)
}

// inBank reports whether r belongs to the bank starting at base.
func (r Register) inBank(base Register) bool {
	return r >= base && r < base+bankEntries
}

// Bits of RegInternalState.
const (
	stateErrorLogged uint32 = 1 << 0
	stateFocusClear  uint32 = 1 << 1
	stateEnabled     uint32 = 1 << 8
)

// Register field layouts.
const (
	svrEnable        uint32 = 1 << 8
	svrFocusDisabled uint32 = 1 << 9

	lvtVector         uint32 = 0xFF
	lvtDeliveryStatus uint32 = 1 << 12
	lvtRemoteIRR      uint32 = 1 << 14
	lvtMasked         uint32 = 1 << 16
	lvtReadOnlyMask          = lvtDeliveryStatus | lvtRemoteIRR

	divideConfigMask uint32 = 0xB

	// Version 0x14 with five as the highest LVT index.
	apicVersion uint32 = 0x00050014
)

var lvtRegisters = [...]Register{
	RegLVTTimer,
	RegLVTThermal,
	RegLVTPerfCounters,
	RegLVTLINT0,
	RegLVTLINT1,
	RegLVTError,
}

var registerNames = map[Register]string{
	RegID:                  "ID",
	RegVersion:             "Version",
	RegTaskPriority:        "TaskPriority",
	RegArbitrationPriority: "ArbitrationPriority",
	RegProcessorPriority:   "ProcessorPriority",
	RegEOI:                 "EOI",
	RegLogicalDestination:  "LogicalDestination",
	RegDestinationFormat:   "DestinationFormat",
	RegSpuriousVector:      "SpuriousVector",
	RegErrorStatus:         "ErrorStatus",
	RegICRLow:              "InterruptCommandLow",
	RegICRHigh:             "InterruptCommandHigh",
	RegLVTTimer:            "LVTTimer",
	RegLVTThermal:          "LVTThermal",
	RegLVTPerfCounters:     "LVTPerfCounters",
	RegLVTLINT0:            "LVTLINT0",
	RegLVTLINT1:            "LVTLINT1",
	RegLVTError:            "LVTError",
	RegInitialCount:        "InitialCount",
	RegCurrentCount:        "CurrentCount",
	RegDivideConfiguration: "DivideConfiguration",
	RegInternalState:       "InternalState",
}

func (r Register) String() string {
	switch {
	case r.inBank(RegInServiceBase):
		return fmt.Sprintf("InService[%d]", r-RegInServiceBase)
	case r.inBank(RegTriggerModeBase):
		return fmt.Sprintf("TriggerMode[%d]", r-RegTriggerModeBase)
	case r.inBank(RegInterruptRequestBase):
		return fmt.Sprintf("InterruptRequest[%d]", r-RegInterruptRequestBase)
	}
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint16(r))
}

// ParseRegister maps a register name as printed by String back to the
// register.
func ParseRegister(name string) (Register, bool) {
	for r := Register(0); int(r) < numRegisters; r++ {
		if r.String() == name {
			return r, true
		}
	}
	return 0, false
}
