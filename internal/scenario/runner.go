package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/apicsim/internal/machine"
	"github.com/tinyrange/apicsim/internal/sim"
)

// ErrExpectation is returned when a read or poll does not produce the
// expected value.
var ErrExpectation = errors.New("expectation failed")

// Result describes one executed step.
type Result struct {
	Index  int
	Kind   string
	Tick   sim.Tick
	Detail string
}

func (r Result) String() string {
	return fmt.Sprintf("%4d %-8s @%s %s", r.Index, r.Kind, r.Tick, r.Detail)
}

// Run executes the scenario against m, calling report after each step.
// It stops at the first failing step.
func Run(ctx context.Context, m *machine.Machine, sc *Scenario, report func(Result)) error {
	for i, step := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		detail, err := runStep(ctx, m, step)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i+1, step.Kind(), err)
		}
		res := Result{Index: i + 1, Kind: step.Kind(), Tick: m.Now(), Detail: detail}
		slog.Debug("scenario: step", "index", res.Index, "kind", res.Kind, "tick", res.Tick, "detail", res.Detail)
		if report != nil {
			report(res)
		}
	}
	return nil
}

func runStep(ctx context.Context, m *machine.Machine, step Step) (string, error) {
	switch {
	case step.Write != nil:
		w := step.Write
		if err := m.WriteRegister(w.CPU, w.Reg.Offset, w.Value); err != nil {
			return "", err
		}
		return fmt.Sprintf("cpu%d %s <- %#x", w.CPU, w.Reg, w.Value), nil

	case step.Read != nil:
		r := step.Read
		val, err := m.ReadRegister(r.CPU, r.Reg.Offset)
		if err != nil {
			return "", err
		}
		if r.Expect != nil && val != *r.Expect {
			return "", fmt.Errorf("cpu%d %s = %#x, want %#x: %w", r.CPU, r.Reg, val, *r.Expect, ErrExpectation)
		}
		return fmt.Sprintf("cpu%d %s = %#x", r.CPU, r.Reg, val), nil

	case step.MMIO != nil:
		b := step.MMIO
		if b.Value != nil {
			if err := m.WriteMMIO(b.Addr, *b.Value); err != nil {
				return "", err
			}
			return fmt.Sprintf("[%#x] <- %#x", b.Addr, *b.Value), nil
		}
		val, err := m.ReadMMIO(b.Addr)
		if err != nil {
			return "", err
		}
		if b.Expect != nil && val != *b.Expect {
			return "", fmt.Errorf("[%#x] = %#x, want %#x: %w", b.Addr, val, *b.Expect, ErrExpectation)
		}
		return fmt.Sprintf("[%#x] = %#x", b.Addr, val), nil

	case step.Port != nil:
		b := step.Port
		port := uint16(b.Addr)
		if b.Value != nil {
			if err := m.WritePort(port, byte(*b.Value)); err != nil {
				return "", err
			}
			return fmt.Sprintf("port %#x <- %#x", port, byte(*b.Value)), nil
		}
		val, err := m.ReadPort(port)
		if err != nil {
			return "", err
		}
		if b.Expect != nil && uint32(val) != *b.Expect {
			return "", fmt.Errorf("port %#x = %#x, want %#x: %w", port, val, *b.Expect, ErrExpectation)
		}
		return fmt.Sprintf("port %#x = %#x", port, val), nil

	case step.Message != nil:
		msg, err := step.Message.TriggerInt()
		if err != nil {
			return "", err
		}
		if err := m.SendMessage(msg); err != nil {
			return "", err
		}
		return msg.String(), nil

	case step.IRQ != nil:
		if err := m.SetIRQ(step.IRQ.Line, step.IRQ.Level); err != nil {
			return "", err
		}
		return fmt.Sprintf("line %d level=%v", step.IRQ.Line, step.IRQ.Level), nil

	case step.Advance != nil:
		delta := sim.Tick(step.Advance.Ticks)
		if d := step.Advance.Duration.Duration(); d > 0 {
			delta = sim.TicksFromDuration(d)
		}
		if err := m.Advance(ctx, delta); err != nil {
			return "", err
		}
		return fmt.Sprintf("+%s", delta), nil

	case step.Poll != nil:
		p := step.Poll
		cpu, err := m.CPU(p.CPU)
		if err != nil {
			return "", err
		}
		fault, ok := cpu.Poll()
		switch {
		case p.ExpectNone && ok:
			return "", fmt.Errorf("cpu%d took %#x, want none: %w", p.CPU, fault.Vector, ErrExpectation)
		case p.Expect != nil && !ok:
			return "", fmt.Errorf("cpu%d took nothing, want %#x: %w", p.CPU, *p.Expect, ErrExpectation)
		case p.Expect != nil && fault.Vector != *p.Expect:
			return "", fmt.Errorf("cpu%d took %#x, want %#x: %w", p.CPU, fault.Vector, *p.Expect, ErrExpectation)
		}
		if !ok {
			return fmt.Sprintf("cpu%d nothing deliverable", p.CPU), nil
		}
		return fmt.Sprintf("cpu%d %s", p.CPU, fault), nil

	case step.CLI != nil, step.STI != nil:
		flags, enable := step.CLI, false
		if step.STI != nil {
			flags, enable = step.STI, true
		}
		cpu, err := m.CPU(flags.CPU)
		if err != nil {
			return "", err
		}
		cpu.SetInterruptFlag(enable)
		return fmt.Sprintf("cpu%d IF=%v", flags.CPU, enable), nil
	}
	return "", fmt.Errorf("empty step")
}
