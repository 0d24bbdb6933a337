package sim

import (
	"fmt"
	"time"
)

// Tick is the global unit of simulated time. One tick is one picosecond.
type Tick uint64

// TicksPerSecond is the resolution of the simulated clock.
const TicksPerSecond Tick = 1_000_000_000_000

// MaxTick is the largest representable point in simulated time.
const MaxTick = ^Tick(0)

// TicksFromDuration converts a wall-clock style duration into ticks.
func TicksFromDuration(d time.Duration) Tick {
	if d <= 0 {
		return 0
	}
	return Tick(d.Nanoseconds()) * (TicksPerSecond / Tick(time.Second))
}

// Duration converts ticks back into a duration, truncating sub-nanosecond parts.
func (t Tick) Duration() time.Duration {
	return time.Duration(t / (TicksPerSecond / Tick(time.Second)))
}

func (t Tick) String() string {
	return fmt.Sprintf("%dt", uint64(t))
}

// Frequency is a clock rate in hertz.
type Frequency uint64

const (
	Hz  Frequency = 1
	KHz           = 1000 * Hz
	MHz           = 1000 * KHz
	GHz           = 1000 * MHz
)

// Period returns the number of ticks in one cycle of f. A zero frequency has
// no period and returns 0.
func (f Frequency) Period() Tick {
	if f == 0 {
		return 0
	}
	return TicksPerSecond / Tick(f)
}
