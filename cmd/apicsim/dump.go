package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/apicsim/internal/devices/amd64/lapic"
	"github.com/tinyrange/apicsim/internal/machine"
)

const (
	nameColumnMax = 24
	styleBold     = "\x1b[1m"
	styleReset    = "\x1b[0m"
)

// writeDump prints the bus visible registers of every local APIC. Escape
// sequences are only kept when color is set.
func writeDump(w io.Writer, m *machine.Machine, color bool) error {
	regs := lapic.VisibleRegisters()

	width := ansi.StringWidth("register")
	for _, reg := range regs {
		if n := ansi.StringWidth(reg.String()); n > width {
			width = n
		}
	}
	if width > nameColumnMax {
		width = nameColumnMax
	}

	var sb strings.Builder
	for _, cpu := range m.CPUs() {
		apic := cpu.APIC()
		fmt.Fprintf(&sb, "%slapic%d%s base=%#x clock=%s divisor=%d irrv=%#x isrv=%#x IF=%v\n",
			styleBold, apic.ID(), styleReset, apic.Base(), apic.Clock(), apic.Divisor(),
			apic.IRRV(), apic.ISRV(), cpu.InterruptFlag())
		fmt.Fprintf(&sb, "  %s%s  %-6s  %s%s\n", styleBold, pad("register", width), "offset", "value", styleReset)
		for _, reg := range regs {
			off, _ := lapic.Offset(reg)
			fmt.Fprintf(&sb, "  %s  %#-6x  %#010x\n", pad(reg.String(), width), off, apic.Peek(reg))
		}
		if when, ok := apic.TimerExpiration(); ok {
			fmt.Fprintf(&sb, "  timer expires @%s\n", when)
		}
	}

	out := sb.String()
	if !color {
		out = ansi.Strip(out)
	}
	_, err := io.WriteString(w, out)
	return err
}

// pad fits s into exactly width terminal cells.
func pad(s string, width int) string {
	s = ansi.Truncate(s, width, "…")
	if n := ansi.StringWidth(s); n < width {
		s += strings.Repeat(" ", width-n)
	}
	return s
}
