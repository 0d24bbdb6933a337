package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinyrange/apicsim/internal/sim"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("name: test\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Version != 1 {
		t.Fatalf("version = %d", cfg.Version)
	}
	if len(cfg.CPUs) != 1 || cfg.CPUs[0].APICID != 0 {
		t.Fatalf("cpus = %+v", cfg.CPUs)
	}
	if cfg.CPUs[0].Base != DefaultLAPICBase {
		t.Fatalf("base = %#x", cfg.CPUs[0].Base)
	}
	if got := cfg.CPUs[0].BusFrequency.Period(); got != 10_000 {
		t.Fatalf("default bus period = %s, want 10000t", got)
	}
	if cfg.IOAPIC.Pins != DefaultIOAPICPins || cfg.PIC.Mode != "none" {
		t.Fatalf("ioapic=%+v pic=%+v", cfg.IOAPIC, cfg.PIC)
	}
}

func TestParseMachine(t *testing.T) {
	data := `
name: smp
cpus:
  - apicId: 0
    busFrequency: 200MHz
  - apicId: 1
    busFrequency: 1000000000
    interruptsDisabled: true
ioapic:
  enabled: true
  pins: 16
pic:
  enabled: true
  mode: master
  target: 1
maxAdvance: 10ms
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := cfg.CPUs[0].BusFrequency; got != Frequency(200*sim.MHz) {
		t.Fatalf("cpu0 frequency = %d", got)
	}
	if got := cfg.CPUs[1].BusFrequency.Period(); got != 1000 {
		t.Fatalf("cpu1 period = %s", got)
	}
	if cfg.CPUs[1].Base != DefaultLAPICBase+0x1000 {
		t.Fatalf("cpu1 base = %#x", cfg.CPUs[1].Base)
	}
	if !cfg.CPUs[1].InterruptsDisabled {
		t.Fatalf("cpu1 interrupts not disabled")
	}
	if cfg.MaxAdvance.Duration() != 10*time.Millisecond {
		t.Fatalf("maxAdvance = %v", cfg.MaxAdvance.Duration())
	}
	if cfg.PIC.Target != 1 || cfg.IOAPIC.Pins != 16 {
		t.Fatalf("pic=%+v ioapic=%+v", cfg.PIC, cfg.IOAPIC)
	}
}

func TestValidateRejectsBadMachines(t *testing.T) {
	cases := map[string]string{
		"duplicate id":   "cpus: [{apicId: 1}, {apicId: 1}]",
		"unaligned base": "cpus: [{apicId: 0, base: 0xFEE00100}]",
		"too fast":       "cpus: [{apicId: 0, busFrequency: 2THz}]",
		"pins":           "ioapic: {enabled: true, pins: 500}",
		"pic target":     "pic: {enabled: true, target: 3}",
		"pic slave":      "pic: {enabled: true, mode: slave}",
		"version":        "version: 2",
		"duration":       "maxAdvance: soon",
	}
	for name, data := range cases {
		if _, err := Parse([]byte(data)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestParseFrequency(t *testing.T) {
	cases := map[string]Frequency{
		"1":      1,
		"1Hz":    1,
		"33kHz":  33_000,
		"2.5GHz": 2_500_000_000,
		" 66MHz": 66_000_000,
	}
	for in, want := range cases {
		got, err := ParseFrequency(in)
		if err != nil {
			t.Fatalf("ParseFrequency(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseFrequency(%q) = %d, want %d", in, got, want)
		}
	}
	if _, err := ParseFrequency("fast"); err == nil {
		t.Fatalf("expected error for non-numeric frequency")
	}
}

func TestLoadAndMarshal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machine.yaml")
	if err := os.WriteFile(path, []byte("cpus: [{apicId: 2}]\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), "busFrequency: 100000000Hz") {
		t.Fatalf("marshalled config missing frequency:\n%s", out)
	}
	again, err := Parse(out)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.CPUs[0] != cfg.CPUs[0] {
		t.Fatalf("reparsed cpu = %+v, want %+v", again.CPUs[0], cfg.CPUs[0])
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
