package lapic

import (
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/apicsim/internal/sim"
)

func advance(t *testing.T, events *sim.EventQueue, delta sim.Tick) {
	t.Helper()
	if err := events.Advance(context.Background(), delta); err != nil {
		t.Fatalf("advance %s: %v", delta, err)
	}
}

func TestTimerDivideConfigurationScenario(t *testing.T) {
	a, events := newTestAPIC(t)

	writeReg(t, a, offsetDivideConfiguration, 0x2)
	writeReg(t, a, offsetInitialCount, 1000)

	if got := readReg(t, a, offsetCurrentCount); got != 1000 {
		t.Fatalf("current count = %d, want 1000", got)
	}
	when, ok := a.TimerExpiration()
	if !ok {
		t.Fatalf("timer not scheduled")
	}
	if want := sim.Tick(1000 * 8 * 16 * testClock); when != want {
		t.Fatalf("expiration at %s, want %s", when, want)
	}
	if events.Len() != 1 {
		t.Fatalf("queue holds %d events", events.Len())
	}
}

func TestTimerAlignsToGrid(t *testing.T) {
	a, events := newTestAPIC(t)
	advance(t, events, 5*testClock+7)

	writeReg(t, a, offsetDivideConfiguration, 0xB)
	writeReg(t, a, offsetInitialCount, 10)

	grid := 16 * testClock
	when, _ := a.TimerExpiration()
	if want := grid + 10*grid; when != want {
		t.Fatalf("expiration at %s, want %s", when, want)
	}
	if got := readReg(t, a, offsetCurrentCount); got != 10 {
		t.Fatalf("current count = %d, want 10", got)
	}

	// An aligned write starts counting immediately.
	advance(t, events, 3*grid-events.CurTick())
	writeReg(t, a, offsetInitialCount, 4)
	when, _ = a.TimerExpiration()
	if want := 3*grid + 4*grid; when != want {
		t.Fatalf("aligned expiration at %s, want %s", when, want)
	}
}

func TestCurrentCountDecrementsPerPeriod(t *testing.T) {
	a, events := newTestAPIC(t)

	writeReg(t, a, offsetDivideConfiguration, 0x0)
	writeReg(t, a, offsetInitialCount, 50)
	period := 16 * 2 * testClock

	for want := uint32(49); want > 45; want-- {
		advance(t, events, period)
		if got := readReg(t, a, offsetCurrentCount); got != want {
			t.Fatalf("current count = %d, want %d", got, want)
		}
	}

	advance(t, events, 100*period)
	if got := readReg(t, a, offsetCurrentCount); got != 0 {
		t.Fatalf("current count after expiry = %d, want 0", got)
	}
	if a.TimerExpirations() != 1 {
		t.Fatalf("expirations = %d, want 1", a.TimerExpirations())
	}
}

func TestRewriteReplacesPendingExpiration(t *testing.T) {
	a, events := newTestAPIC(t)
	writeReg(t, a, offsetDivideConfiguration, 0xB)

	writeReg(t, a, offsetInitialCount, 100)
	writeReg(t, a, offsetInitialCount, 10)
	if events.Len() != 1 {
		t.Fatalf("queue holds %d events after rewrite", events.Len())
	}
	when, _ := a.TimerExpiration()
	if want := 10 * 16 * testClock; when != want {
		t.Fatalf("expiration at %s, want %s", when, want)
	}

	writeReg(t, a, offsetInitialCount, 0)
	if !events.Empty() {
		t.Fatalf("zero initial count left the timer scheduled")
	}
	if got := readReg(t, a, offsetCurrentCount); got != 0 {
		t.Fatalf("current count = %d after stop", got)
	}
}

func TestTimerExpiryRaisesLVTVector(t *testing.T) {
	a, events := newTestAPIC(t)
	writeReg(t, a, offsetDivideConfiguration, 0xB)

	// Masked by default.
	writeReg(t, a, offsetInitialCount, 1)
	advance(t, events, 16*testClock)
	if a.TimerExpirations() != 1 {
		t.Fatalf("timer did not expire")
	}
	if a.IRRV() != 0 {
		t.Fatalf("masked timer raised vector %#x", a.IRRV())
	}

	writeReg(t, a, offsetLVTTimer, 0x40)
	writeReg(t, a, offsetInitialCount, 1)
	advance(t, events, 16*testClock)
	if !a.Pending(0x40) {
		t.Fatalf("timer vector 0x40 not pending")
	}
	if a.LevelTriggered(0x40) {
		t.Fatalf("timer interrupt recorded as level triggered")
	}
	if !events.Empty() {
		t.Fatalf("one-shot timer re-armed")
	}
}

func TestTimerRequiresClock(t *testing.T) {
	a := New(sim.NewEventQueue())
	var buf [4]byte

	if err := a.WriteMMIO(a.Base()+offsetInitialCount, buf[:]); !errors.Is(err, ErrClockNotConfigured) {
		t.Fatalf("initial count write: %v", err)
	}
	if err := a.ReadMMIO(a.Base()+offsetCurrentCount, buf[:]); !errors.Is(err, ErrClockNotConfigured) {
		t.Fatalf("current count read: %v", err)
	}

	a.SetClock(testClock)
	if err := a.WriteMMIO(a.Base()+offsetInitialCount, buf[:]); err != nil {
		t.Fatalf("initial count write after SetClock: %v", err)
	}
}

func TestStopCancelsTimer(t *testing.T) {
	a, events := newTestAPIC(t)
	writeReg(t, a, offsetInitialCount, 5)
	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !events.Empty() {
		t.Fatalf("timer still scheduled after stop")
	}
}

func TestCurrentCountLargeInitialCount(t *testing.T) {
	for _, tc := range []struct {
		conf  uint32
		count uint32
	}{
		{0xB, 0x10000000},
		{0xA, 0x200000},
		{0xB, 0xFFFFFFFF},
	} {
		a, events := newTestAPIC(t)
		writeReg(t, a, offsetDivideConfiguration, tc.conf)
		writeReg(t, a, offsetInitialCount, tc.count)
		if got := readReg(t, a, offsetCurrentCount); got != tc.count {
			t.Fatalf("conf %#x: current count = %#x, want %#x", tc.conf, got, tc.count)
		}

		div := sim.Tick(divideFromConf(tc.conf))
		advance(t, events, 16*div*testClock)
		if got := readReg(t, a, offsetCurrentCount); got != tc.count-1 {
			t.Fatalf("conf %#x: count after one period = %#x, want %#x", tc.conf, got, tc.count-1)
		}
	}
}

func TestSetClockRelatchesCountdown(t *testing.T) {
	a, events := newTestAPIC(t)
	writeReg(t, a, offsetDivideConfiguration, 0xB)
	writeReg(t, a, offsetInitialCount, 100)
	when, _ := a.TimerExpiration()

	advance(t, events, 50*16*testClock)
	if got := readReg(t, a, offsetCurrentCount); got != 50 {
		t.Fatalf("current count = %d, want 50", got)
	}

	// Halving the clock rate halves the counts left before the same deadline.
	a.SetClock(2 * testClock)
	if got := readReg(t, a, offsetCurrentCount); got != 25 {
		t.Fatalf("current count after SetClock = %d, want 25", got)
	}
	if got, _ := a.TimerExpiration(); got != when {
		t.Fatalf("expiration moved from %s to %s", when, got)
	}

	advance(t, events, when-events.CurTick())
	if got := readReg(t, a, offsetCurrentCount); got != 0 {
		t.Fatalf("current count after expiry = %d", got)
	}
	if a.TimerExpirations() != 1 {
		t.Fatalf("expirations = %d", a.TimerExpirations())
	}
}
