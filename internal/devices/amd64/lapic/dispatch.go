package lapic

import "fmt"

type (
	readHandler  func(a *LocalAPIC, reg Register) (uint32, error)
	writeHandler func(a *LocalAPIC, reg Register, val uint32) error
)

type registerOps struct {
	read  readHandler
	write writeHandler
}

// registerTable holds the access rules of every register. Entries left
// zero fall back to plain storage.
var registerTable [numRegisters]registerOps

func init() {
	set := func(reg Register, read readHandler, write writeHandler) {
		registerTable[reg] = registerOps{read: read, write: write}
	}

	set(RegID, nil, maskedWrite(0xFF))
	set(RegVersion, nil, dropWrite)
	set(RegTaskPriority, nil, maskedWrite(0xFF))
	set(RegArbitrationPriority, unimplementedRead, unimplementedWrite)
	set(RegProcessorPriority, unimplementedRead, unimplementedWrite)
	set(RegEOI, unimplementedRead, unimplementedWrite)
	set(RegLogicalDestination, nil, maskedWrite(0xFF000000))
	set(RegDestinationFormat, nil, (*LocalAPIC).writeDestinationFormat)
	set(RegSpuriousVector, nil, (*LocalAPIC).writeSpuriousVector)
	set(RegErrorStatus, (*LocalAPIC).readErrorStatus, (*LocalAPIC).writeErrorStatus)
	set(RegICRLow, unimplementedRead, unimplementedWrite)
	set(RegICRHigh, unimplementedRead, unimplementedWrite)
	for _, reg := range lvtRegisters {
		set(reg, nil, (*LocalAPIC).writeLVT)
	}
	set(RegInitialCount, nil, (*LocalAPIC).writeInitialCount)
	set(RegCurrentCount, (*LocalAPIC).readCurrentCount, dropWrite)
	set(RegDivideConfiguration, nil, maskedWrite(divideConfigMask))

	for i := 0; i < bankEntries; i++ {
		set(InService(i), nil, unimplementedWrite)
		set(TriggerMode(i), unimplementedRead, unimplementedWrite)
		set(InterruptRequest(i), nil, unimplementedWrite)
	}
}

func (a *LocalAPIC) readRegister(reg Register) (uint32, error) {
	if read := registerTable[reg].read; read != nil {
		return read(a, reg)
	}
	return a.regs[reg], nil
}

func (a *LocalAPIC) writeRegister(reg Register, val uint32) error {
	if write := registerTable[reg].write; write != nil {
		return write(a, reg, val)
	}
	a.regs[reg] = val
	return nil
}

func maskedWrite(mask uint32) writeHandler {
	return func(a *LocalAPIC, reg Register, val uint32) error {
		a.regs[reg] = val & mask
		return nil
	}
}

func dropWrite(a *LocalAPIC, reg Register, val uint32) error { return nil }

func unimplementedRead(a *LocalAPIC, reg Register) (uint32, error) {
	return 0, fmt.Errorf("lapic: read of %s register: %w", reg, ErrUnimplemented)
}

func unimplementedWrite(a *LocalAPIC, reg Register, val uint32) error {
	return fmt.Errorf("lapic: write of %#x to %s register: %w", val, reg, ErrUnimplemented)
}

func (a *LocalAPIC) writeDestinationFormat(reg Register, val uint32) error {
	a.regs[reg] = val | 0x0FFFFFFF
	return nil
}

func (a *LocalAPIC) writeSpuriousVector(reg Register, val uint32) error {
	state := a.regs[RegInternalState]
	state &^= stateFocusClear | stateEnabled
	state |= val & svrEnable
	a.regs[RegInternalState] = state
	if val&svrFocusDisabled != 0 {
		a.logger.Warn("lapic: focus processor checking not implemented", "id", a.id)
	}
	a.regs[reg] = val
	return nil
}

func (a *LocalAPIC) readErrorStatus(reg Register) (uint32, error) {
	val := a.regs[reg]
	a.regs[RegInternalState] &^= stateErrorLogged
	return val, nil
}

// writeErrorStatus implements the arm-then-clear handshake: the first
// write only arms the latch, the second clears the register.
func (a *LocalAPIC) writeErrorStatus(reg Register, val uint32) error {
	if a.regs[RegInternalState]&stateErrorLogged != 0 {
		a.regs[RegInternalState] &^= stateErrorLogged
		a.regs[reg] = 0
		return nil
	}
	a.regs[RegInternalState] |= stateErrorLogged
	return nil
}

func (a *LocalAPIC) writeLVT(reg Register, val uint32) error {
	old := a.regs[reg]
	a.regs[reg] = (val &^ lvtReadOnlyMask) | (old & lvtReadOnlyMask)
	return nil
}

// SoftwareEnabled reports the APIC software-enable bit last written through
// the spurious-vector register.
func (a *LocalAPIC) SoftwareEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regs[RegInternalState]&stateEnabled != 0
}
