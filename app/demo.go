package app

import (
	"errors"
	"fmt"
	"io"
	"strconv"

	"ember/hal"
	"ember/kernel"
)

// demo is the task set started by the console run command.
type demo struct {
	k      *kernel.Kernel
	m      *Machine
	led    hal.LED
	out    io.Writer
	rounds int
}

func (d *demo) printf(format string, args ...any) {
	fmt.Fprintf(d.out, format, args...)
}

// specs returns the task set for the active policy. Real-time policies get
// a feasible periodic set; the others get a blinker, a worker and a
// sleeper at distinct priorities.
func (d *demo) specs() []kernel.TaskSpec {
	args := []string{strconv.Itoa(d.rounds)}
	switch d.k.Policy() {
	case kernel.PolicyRM, kernel.PolicyDM:
		return []kernel.TaskSpec{
			{Name: "rt-fast", Entry: d.periodic, StackSize: 0x100, Args: args,
				Timing: kernel.Periodic{Period: 100, Exec: 10, Deadline: 100}},
			{Name: "rt-slow", Entry: d.periodic, StackSize: 0x100, Args: args,
				Timing: kernel.Periodic{Period: 200, Exec: 20, Deadline: 150}},
		}
	}
	return []kernel.TaskSpec{
		{Name: "blink", Entry: d.blink, Priority: 2, StackSize: 0x100, Args: args},
		{Name: "worker", Entry: d.worker, Priority: 3, StackSize: 0x200, Args: args},
		{Name: "sleeper", Entry: d.sleeper, Priority: 4, StackSize: 0x100, Args: args},
	}
}

func (d *demo) setLED(on bool) {
	switch {
	case d.led == nil:
	case on:
		d.led.High()
	default:
		d.led.Low()
	}
}

func rounds(argv []string) int {
	if len(argv) == 0 {
		return 1
	}
	n, err := strconv.Atoi(argv[0])
	if err != nil || n <= 0 {
		return 1
	}
	return n
}

func (d *demo) self() string {
	if t, err := d.k.Task(d.k.Current()); err == nil {
		return t.Name
	}
	return "?"
}

// blink toggles the LED and leaves no trace once done.
func (d *demo) blink(argc int, argv []string) int {
	n := rounds(argv)
	for i := 0; i < n; i++ {
		d.setLED(i%2 == 0)
		if err := d.k.Delay(50); err != nil {
			d.printf("blink: %v\n", err)
			break
		}
	}
	d.setLED(false)
	d.printf("blink: done\n")
	d.k.ExitDelete()
	return 0
}

// worker burns CPU between delays, polling for preemption, and borrows a
// block from the memory pool for each round.
func (d *demo) worker(argc int, argv []string) int {
	n := rounds(argv)
	sum := 0
	for i := 0; i < n; i++ {
		blk, err := d.k.Acquire(64)
		if err != nil {
			d.printf("worker: %v\n", err)
			return 1
		}
		for j := 0; j < 1000; j++ {
			sum += j
			if j%100 == 0 {
				d.m.Poll()
			}
		}
		if err := d.k.ReleaseMem(blk); err != nil {
			d.printf("worker: %v\n", err)
			return 1
		}
		d.k.Delay(20)
	}
	d.printf("worker: done, sum %d\n", sum)
	return 0
}

// sleeper waits to be woken, timing out after a while.
func (d *demo) sleeper(argc int, argv []string) int {
	n := rounds(argv)
	for i := 0; i < n; i++ {
		err := d.k.Sleep(100)
		switch {
		case err == nil:
			d.printf("sleeper: woken\n")
		case errors.Is(err, kernel.ErrTmout):
			d.printf("sleeper: timeout\n")
		default:
			d.printf("sleeper: %v\n", err)
			return 1
		}
	}
	return 0
}

// periodic runs its budget every period.
func (d *demo) periodic(argc int, argv []string) int {
	name := d.self()
	info, err := d.k.Task(d.k.Current())
	if err != nil {
		return 1
	}
	p, ok := info.Timing.(kernel.Periodic)
	if !ok {
		return 1
	}
	n := rounds(argv)
	for i := 0; i < n; i++ {
		for j := 0; j < p.Exec*100; j++ {
			if j%100 == 0 {
				d.m.Poll()
			}
		}
		if err := d.k.Delay(p.Period); err != nil {
			d.printf("%s: %v\n", name, err)
			return 1
		}
	}
	d.printf("%s: done, pri %d\n", name, info.Priority)
	return 0
}
