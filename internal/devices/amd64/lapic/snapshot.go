package lapic

import (
	"encoding/gob"
	"fmt"

	"github.com/tinyrange/apicsim/internal/hv"
	"github.com/tinyrange/apicsim/internal/sim"
)

func init() {
	gob.Register(&lapicSnapshot{})
}

type lapicSnapshot struct {
	ID    uint8
	Clock uint64
	Regs  []uint32
	IRRV  uint8
	ISRV  uint8

	TimerLatch     uint64
	TimerCycles    uint64
	TimerScheduled bool
	TimerWhen      uint64
	Expirations    uint64
}

func (a *LocalAPIC) DeviceId() string { return fmt.Sprintf("lapic%d", a.id) }

func (a *LocalAPIC) CaptureSnapshot() (hv.DeviceSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := &lapicSnapshot{
		ID:             a.id,
		Clock:          uint64(a.clock),
		Regs:           append([]uint32(nil), a.regs[:]...),
		IRRV:           a.irrv,
		ISRV:           a.isrv,
		TimerLatch:     a.timerLatch,
		TimerCycles:    a.timerCycles,
		TimerScheduled: a.timerEvent.Scheduled(),
		Expirations:    a.expirations,
	}
	if snap.TimerScheduled {
		snap.TimerWhen = uint64(a.timerEvent.When())
	}
	return snap, nil
}

// RestoreSnapshot loads saved state. A pending expiration is rescheduled on
// the APIC's event queue, which must not have advanced past it.
func (a *LocalAPIC) RestoreSnapshot(snap hv.DeviceSnapshot) error {
	data, ok := snap.(*lapicSnapshot)
	if !ok {
		return fmt.Errorf("lapic: invalid snapshot type")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if data.ID != a.id {
		return fmt.Errorf("lapic: snapshot for APIC %d restored into APIC %d", data.ID, a.id)
	}
	if len(data.Regs) != numRegisters {
		return fmt.Errorf("lapic: snapshot register count mismatch: got %d, want %d", len(data.Regs), numRegisters)
	}

	if err := a.stopTimerLocked(); err != nil {
		return err
	}
	a.clock = sim.Tick(data.Clock)
	copy(a.regs[:], data.Regs)
	a.irrv = data.IRRV
	a.isrv = data.ISRV
	a.timerLatch = data.TimerLatch
	a.timerCycles = data.TimerCycles
	a.expirations = data.Expirations

	if data.TimerScheduled {
		if err := a.events.Schedule(a.timerEvent, sim.Tick(data.TimerWhen)); err != nil {
			return fmt.Errorf("lapic: restore timer: %w", err)
		}
	}
	return nil
}

var _ hv.DeviceSnapshotter = (*LocalAPIC)(nil)
