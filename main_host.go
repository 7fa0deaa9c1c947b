//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"ember/app"
	"ember/hal"
	"ember/internal/buildinfo"
	"ember/kernel"
)

func main() {
	var cfg hal.HeadlessConfig
	var acfg app.Config
	var policy string
	var version bool
	flag.BoolVar(&cfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&cfg.Hz, "hz", 60, "Host step rate in headless mode.")
	flag.Uint64Var(&cfg.Ticks, "ticks", 0, "Stop after N steps in headless mode (0 = run forever).")
	flag.StringVar(&policy, "policy", "pri", "Scheduling policy: fcfs, pri, rm or dm.")
	flag.BoolVar(&acfg.Debug, "debug", false, "Verbose kernel diagnostics.")
	flag.BoolVar(&acfg.Autorun, "autorun", false, "Start the demo tasks at boot.")
	flag.IntVar(&acfg.Rounds, "rounds", 10, "Rounds each demo task runs.")
	flag.IntVar(&acfg.LogEntries, "log-entries", 0, "Context log capacity (0 = default).")
	flag.BoolVar(&acfg.LogFailStop, "log-failstop", false, "Freeze the kernel when the context log overflows.")
	flag.BoolVar(&version, "version", false, "Print the build identifier and exit.")
	flag.Parse()

	if version {
		fmt.Println(buildinfo.String())
		return
	}

	p, err := kernel.ParsePolicy(policy)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	acfg.Policy = p

	newApp := func(h hal.HAL) func() error {
		return app.NewWithConfig(h, acfg)
	}

	if !cfg.Enabled {
		err := hal.RunWindow(newApp)
		if !errors.Is(err, hal.ErrNoWindow) {
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintln(os.Stderr, "no window backend, running headless")
	}

	acfg.ExitOnHalt = true
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := hal.RunHeadless(ctx, newApp, cfg); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
