package app

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"ember/kernel"
	"ember/kernel/ctxlog"
)

const (
	prompt     = "> "
	maxLine    = 128
	rxCapacity = 256
)

type cmdFunc func(c *console, args []string) error

type command struct {
	Name    string
	Aliases []string
	Usage   string
	Desc    string
	Run     cmdFunc
}

type registry struct {
	primary map[string]command
	lookup  map[string]string
}

func newRegistry() *registry {
	return &registry{
		primary: make(map[string]command),
		lookup:  make(map[string]string),
	}
}

func (r *registry) register(cmd command) error {
	cmd.Name = strings.TrimSpace(cmd.Name)
	if cmd.Name == "" {
		return fmt.Errorf("console registry: empty command name")
	}
	if cmd.Run == nil {
		return fmt.Errorf("console registry: %q has no handler", cmd.Name)
	}
	if _, ok := r.lookup[cmd.Name]; ok {
		return fmt.Errorf("console registry: duplicate command %q", cmd.Name)
	}

	r.primary[cmd.Name] = cmd
	r.lookup[cmd.Name] = cmd.Name

	for _, alias := range cmd.Aliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if _, ok := r.lookup[alias]; ok {
			return fmt.Errorf("console registry: duplicate alias %q", alias)
		}
		r.lookup[alias] = cmd.Name
	}
	return nil
}

func (r *registry) resolve(name string) (command, bool) {
	if primary, ok := r.lookup[name]; ok {
		cmd, ok := r.primary[primary]
		return cmd, ok
	}
	return command{}, false
}

func (r *registry) names() []string {
	out := make([]string, 0, len(r.primary))
	for name := range r.primary {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// console is the serial command interpreter. Input bytes are queued by
// feed from any goroutine; interrupt runs as the serial interrupt handler
// and may only use non-task-context calls.
type console struct {
	k    *kernel.Kernel
	rec  *ctxlog.Recorder
	reg  *registry
	demo func() []kernel.TaskSpec

	out  io.Writer // command output
	data io.Writer // sendlog stream
	echo io.Writer // input echo, may be nil

	rx   rxRing
	line []byte
}

func newConsole(k *kernel.Kernel, rec *ctxlog.Recorder, out, data, echo io.Writer, demo func() []kernel.TaskSpec) *console {
	c := &console{
		k:    k,
		rec:  rec,
		reg:  newRegistry(),
		demo: demo,
		out:  out,
		data: data,
		echo: echo,
	}
	for _, cmd := range builtins() {
		if err := c.reg.register(cmd); err != nil {
			panic(err)
		}
	}
	return c
}

func builtins() []command {
	return []command{
		{Name: "echo", Usage: "echo <text>", Desc: "print text", Run: cmdEcho},
		{Name: "help", Aliases: []string{"?"}, Usage: "help", Desc: "list commands", Run: cmdHelp},
		{Name: "run", Usage: "run", Desc: "create and start the demo tasks", Run: cmdRun},
		{Name: "sendlog", Usage: "sendlog", Desc: "stream the context-switch log", Run: cmdSendlog},
		{Name: "ps", Usage: "ps", Desc: "list tasks", Run: cmdPs},
		{Name: "wake", Usage: "wake <id>", Desc: "wake a sleeping task", Run: cmdWake},
		{Name: "pri", Usage: "pri <id> <level>", Desc: "change a task's priority", Run: cmdPri},
	}
}

// feed queues received bytes and reports how many fit.
func (c *console) feed(p []byte) int {
	return c.rx.put(p)
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) echoBytes(s string) {
	if c.echo != nil {
		io.WriteString(c.echo, s)
	}
}

// interrupt drains the receive queue and runs every completed line.
func (c *console) interrupt() {
	for {
		b, ok := c.rx.get()
		if !ok {
			return
		}
		c.input(b)
	}
}

func (c *console) input(b byte) {
	switch b {
	case '\r', '\n':
		c.echoBytes("\n")
		line := string(c.line)
		c.line = c.line[:0]
		c.exec(line)
		c.printf("%s", prompt)
	case 0x08, 0x7f:
		if len(c.line) > 0 {
			c.line = c.line[:len(c.line)-1]
			c.echoBytes("\b \b")
		}
	case 0x03, 0x15:
		c.line = c.line[:0]
		c.echoBytes("^C\n" + prompt)
	default:
		if b < 0x20 || len(c.line) >= maxLine {
			return
		}
		c.line = append(c.line, b)
		c.echoBytes(string(b))
	}
}

func (c *console) exec(line string) {
	args, err := shlex.Split(line)
	if err != nil {
		c.printf("%v\n", err)
		return
	}
	if len(args) == 0 {
		return
	}
	cmd, ok := c.reg.resolve(args[0])
	if !ok {
		c.printf("command unknown.\n")
		return
	}
	if err := cmd.Run(c, args[1:]); err != nil {
		c.printf("%s: %v\n", cmd.Name, err)
	}
}

func cmdEcho(c *console, args []string) error {
	c.printf("%s\n", strings.Join(args, " "))
	return nil
}

func cmdHelp(c *console, _ []string) error {
	for _, name := range c.reg.names() {
		cmd := c.reg.primary[name]
		c.printf("%-18s %s\n", cmd.Usage, cmd.Desc)
	}
	return nil
}

func cmdRun(c *console, _ []string) error {
	if c.demo == nil {
		return fmt.Errorf("no demo tasks")
	}
	for _, spec := range c.demo() {
		id, err := c.k.ICreate(spec)
		if err != nil {
			return fmt.Errorf("create %s: %w", spec.Name, err)
		}
		if err := c.k.IStart(id); err != nil {
			return fmt.Errorf("start %s: %w", spec.Name, err)
		}
		c.printf("run: %s is task %d\n", spec.Name, id)
	}
	return nil
}

func cmdSendlog(c *console, _ []string) error {
	// Frames must start on a fresh line.
	if _, err := io.WriteString(c.data, "\n"); err != nil {
		return err
	}
	_, err := ctxlog.Encode(c.data, c.rec.Entries(), c.rec.Dropped())
	return err
}

func cmdPs(c *console, _ []string) error {
	for _, t := range c.k.Tasks() {
		mark := " "
		if t.ID == c.k.Current() {
			mark = "*"
		}
		c.printf("%s%3d %-10s pri %3d  %s\n", mark, t.ID, t.Name, t.Priority, t.State)
	}
	return nil
}

func taskArg(s string) (kernel.TaskID, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return kernel.NoTask, fmt.Errorf("bad task id %q", s)
	}
	return kernel.TaskID(n), nil
}

func cmdWake(c *console, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: wake <id>")
	}
	id, err := taskArg(args[0])
	if err != nil {
		return err
	}
	return c.k.IWake(id)
}

func cmdPri(c *console, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: pri <id> <level>")
	}
	id, err := taskArg(args[0])
	if err != nil {
		return err
	}
	pri, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("bad priority %q", args[1])
	}
	return c.k.IChangePriority(id, pri)
}
