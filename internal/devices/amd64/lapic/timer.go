package lapic

import (
	"fmt"

	"github.com/tinyrange/apicsim/internal/sim"
)

// cyclesPerCount is the number of bus clock cycles per timer count at a
// divisor of one.
const cyclesPerCount = 16

// divideFromConf decodes the divide-configuration register. Bit 3 is the
// high bit of the three-bit encoding.
func divideFromConf(conf uint32) uint32 {
	shift := ((conf & 0x8) >> 1) | (conf & 0x3)
	shift = (shift + 1) % 8
	return 1 << shift
}

// Divisor returns the timer divisor selected by the divide-configuration
// register.
func (a *LocalAPIC) Divisor() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return divideFromConf(a.regs[RegDivideConfiguration])
}

func (a *LocalAPIC) clockCycles() uint64 {
	return uint64(a.events.CurTick() / a.clock)
}

func (a *LocalAPIC) writeInitialCount(reg Register, val uint32) error {
	if a.clock == 0 {
		return fmt.Errorf("lapic: write to %s: %w", reg, ErrClockNotConfigured)
	}
	div := uint64(divideFromConf(a.regs[RegDivideConfiguration]))
	now := a.events.CurTick()
	cycles := a.clockCycles()

	newCount := uint64(val) * div * cyclesPerCount
	a.regs[reg] = val
	a.regs[RegCurrentCount] = uint32(newCount + cycles)
	a.timerLatch = cycles
	a.timerCycles = newCount

	if val == 0 {
		return a.stopTimerLocked()
	}

	// Expirations land on the global grid of timer periods.
	grid := cyclesPerCount * a.clock
	start := now
	if phase := now % grid; phase != 0 {
		start = now + grid - phase
	}
	when := start + sim.Tick(uint64(val)*div)*grid
	if err := a.events.Reschedule(a.timerEvent, when, true); err != nil {
		return fmt.Errorf("lapic: arm timer: %w", err)
	}
	a.logger.Debug("lapic: timer armed", "id", a.id, "count", val, "divisor", div, "expires", when)
	return nil
}

func (a *LocalAPIC) readCurrentCount(reg Register) (uint32, error) {
	if a.clock == 0 {
		return 0, fmt.Errorf("lapic: read of %s: %w", reg, ErrClockNotConfigured)
	}
	elapsed := a.clockCycles() - a.timerLatch
	if elapsed >= a.timerCycles {
		return 0, nil
	}
	div := uint64(divideFromConf(a.regs[RegDivideConfiguration]))
	return uint32((a.timerCycles - elapsed) / (cyclesPerCount * div)), nil
}

// relatchLocked re-expresses a running countdown in cycles of a new clock
// period, keeping its scheduled expiration.
func (a *LocalAPIC) relatchLocked(period sim.Tick) {
	old := a.clock
	a.clock = period
	if old == 0 || period == 0 || !a.timerEvent.Scheduled() {
		a.timerCycles = 0
		if period != 0 {
			a.timerLatch = a.clockCycles()
		}
		return
	}
	now := a.events.CurTick()
	remaining := a.timerEvent.When() - now
	a.timerLatch = a.clockCycles()
	a.timerCycles = uint64(remaining / period)
}

func (a *LocalAPIC) stopTimerLocked() error {
	if !a.timerEvent.Scheduled() {
		return nil
	}
	if err := a.events.Deschedule(a.timerEvent); err != nil {
		return fmt.Errorf("lapic: stop timer: %w", err)
	}
	return nil
}

// timerExpired runs from the event queue when the countdown reaches zero.
func (a *LocalAPIC) timerExpired() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.expirations++
	lvt := a.regs[RegLVTTimer]
	if lvt&lvtMasked != 0 {
		a.logger.Debug("lapic: timer expired while masked", "id", a.id)
		return
	}
	vector := uint8(lvt & lvtVector)
	a.logger.Debug("lapic: timer expired", "id", a.id, "vector", vector)
	a.requestInterrupt(vector, false)
}

// TimerExpiration returns when the pending countdown fires.
func (a *LocalAPIC) TimerExpiration() (sim.Tick, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.timerEvent.Scheduled() {
		return 0, false
	}
	return a.timerEvent.When(), true
}

// TimerExpirations counts countdowns that reached zero since reset.
func (a *LocalAPIC) TimerExpirations() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expirations
}
