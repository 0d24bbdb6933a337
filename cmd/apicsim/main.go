package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/apicsim/internal/config"
	"github.com/tinyrange/apicsim/internal/hv"
	"github.com/tinyrange/apicsim/internal/machine"
	"github.com/tinyrange/apicsim/internal/scenario"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Machine description (YAML); defaults to one CPU with an IO-APIC")
	scenarioPath := fs.String("scenario", "", "Scenario script (YAML) to replay")
	verbose := fs.Bool("v", false, "Enable debug logging")
	savePath := fs.String("save", "", "Write a snapshot to file after the run")
	restorePath := fs.String("restore", "", "Restore a snapshot before the run")
	dump := fs.Bool("dump", false, "Print the local APIC registers after the run")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Replay a scenario against a simulated local APIC machine.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	m, err := machine.New(cfg, machine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build machine: %w", err)
	}
	slog.Debug("machine ready", "name", cfg.Name, "cpus", len(cfg.CPUs))

	if *restorePath != "" {
		snap, err := hv.LoadSnapshot(*restorePath)
		if err != nil {
			return err
		}
		if err := m.Restore(ctx, snap); err != nil {
			return err
		}
		slog.Info("restored snapshot", "path", *restorePath, "tick", m.Now())
	}

	if *scenarioPath != "" {
		sc, err := scenario.Load(*scenarioPath)
		if err != nil {
			return err
		}
		if err := replay(ctx, m, sc); err != nil {
			return err
		}
	}

	if *dump {
		if err := writeDump(os.Stdout, m, term.IsTerminal(int(os.Stdout.Fd()))); err != nil {
			return err
		}
	}

	if *savePath != "" {
		snap, err := m.Snapshot()
		if err != nil {
			return err
		}
		if err := hv.SaveSnapshot(*savePath, snap); err != nil {
			return err
		}
		slog.Info("saved snapshot", "path", *savePath, "tick", m.Now())
	}

	return nil
}

// replay runs sc, printing each step. A progress bar is drawn on stderr
// when the trace is redirected away from an interactive terminal.
func replay(ctx context.Context, m *machine.Machine, sc *scenario.Scenario) error {
	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) && !term.IsTerminal(int(os.Stdout.Fd())) {
		pb = progressbar.Default(int64(len(sc.Steps)), sc.Name)
		defer pb.Close()
	}

	err := scenario.Run(ctx, m, sc, func(res scenario.Result) {
		fmt.Fprintln(os.Stdout, res)
		if pb != nil {
			pb.Add(1)
		}
	})
	if err != nil {
		return fmt.Errorf("scenario %q: %w", sc.Name, err)
	}
	return nil
}
