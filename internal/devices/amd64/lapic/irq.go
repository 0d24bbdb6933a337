package lapic

import (
	"fmt"
	"math/bits"
)

// rflagsIF is the interrupt enable flag in RFLAGS.
const rflagsIF = 1 << 9

// ThreadContext is the view of the processor the APIC consults when
// deciding whether an interrupt can be taken.
type ThreadContext interface {
	Rflags() uint64
}

// ExternalInterrupt is the fault raised on the processor to vector into
// the handler for an accepted interrupt.
type ExternalInterrupt struct {
	Vector uint8
}

func (f *ExternalInterrupt) String() string {
	return fmt.Sprintf("external interrupt %#02x", f.Vector)
}

// bankBit returns the bank entry and bit holding vector. Each 32 vectors
// occupy the even entry of a 16-byte architectural slot.
func bankBit(vector uint8) (int, uint32) {
	return 2 * int(vector/32), uint32(1) << (vector % 32)
}

func (a *LocalAPIC) testBit(base Register, vector uint8) bool {
	entry, bit := bankBit(vector)
	return a.regs[base+Register(entry)]&bit != 0
}

func (a *LocalAPIC) setBit(base Register, vector uint8) {
	entry, bit := bankBit(vector)
	a.regs[base+Register(entry)] |= bit
}

func (a *LocalAPIC) clearBit(base Register, vector uint8) {
	entry, bit := bankBit(vector)
	a.regs[base+Register(entry)] &^= bit
}

// requestInterrupt latches vector as pending. A vector already pending
// keeps its original trigger mode.
func (a *LocalAPIC) requestInterrupt(vector uint8, level bool) {
	if vector > a.irrv {
		a.irrv = vector
	}
	if a.testBit(RegInterruptRequestBase, vector) {
		return
	}
	a.setBit(RegInterruptRequestBase, vector)
	if level {
		a.setBit(RegTriggerModeBase, vector)
	} else {
		a.clearBit(RegTriggerModeBase, vector)
	}
}

// RequestInterrupt latches vector as a pending maskable interrupt.
func (a *LocalAPIC) RequestInterrupt(vector uint8, level bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestInterrupt(vector, level)
}

func (a *LocalAPIC) highestPending() uint8 {
	for entry := bankEntries - 2; entry >= 0; entry -= 2 {
		word := a.regs[RegInterruptRequestBase+Register(entry)]
		if word != 0 {
			return uint8(entry/2*32 + bits.Len32(word) - 1)
		}
	}
	return 0
}

func (a *LocalAPIC) deliverable(tc ThreadContext) bool {
	if a.irrv <= a.isrv {
		return false
	}
	if tc.Rflags()&rflagsIF == 0 {
		return false
	}
	return a.irrv>>4 > uint8(a.regs[RegTaskPriority])>>4
}

// CheckInterrupts reports whether the highest pending interrupt can be
// delivered to the processor now.
func (a *LocalAPIC) CheckInterrupts(tc ThreadContext) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deliverable(tc)
}

// Interrupt returns the fault for the highest pending vector. It panics
// unless CheckInterrupts holds.
func (a *LocalAPIC) Interrupt(tc ThreadContext) *ExternalInterrupt {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.deliverable(tc) {
		panic(fmt.Sprintf("lapic: interrupt fetched with none deliverable (irrv=%#x isrv=%#x)", a.irrv, a.isrv))
	}
	return &ExternalInterrupt{Vector: a.irrv}
}

// AcceptInterrupt moves the highest pending vector into service. It panics
// unless CheckInterrupts holds.
func (a *LocalAPIC) AcceptInterrupt(tc ThreadContext) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.deliverable(tc) {
		panic(fmt.Sprintf("lapic: interrupt accepted with none deliverable (irrv=%#x isrv=%#x)", a.irrv, a.isrv))
	}
	a.isrv = a.irrv
	a.setBit(RegInServiceBase, a.irrv)
	a.clearBit(RegInterruptRequestBase, a.irrv)
	a.irrv = a.highestPending()
}

// IRRV returns the highest pending vector, or zero when none is pending.
func (a *LocalAPIC) IRRV() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.irrv
}

// ISRV returns the vector most recently accepted.
func (a *LocalAPIC) ISRV() uint8 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isrv
}

// Pending reports whether vector is latched in the request register.
func (a *LocalAPIC) Pending(vector uint8) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.testBit(RegInterruptRequestBase, vector)
}

// InService reports whether vector is marked in service.
func (a *LocalAPIC) InService(vector uint8) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.testBit(RegInServiceBase, vector)
}

// LevelTriggered reports the trigger mode recorded for vector.
func (a *LocalAPIC) LevelTriggered(vector uint8) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.testBit(RegTriggerModeBase, vector)
}
