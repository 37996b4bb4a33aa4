// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"

	"github.com/spelunkdbg/spelunk/pkg/config"
	"github.com/spelunkdbg/spelunk/service/debugger"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the spelunk terminal process.
type Commands struct {
	cmds []command
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"threads"}, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"thread", "tr"}, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"continue", "c"}, cmdFn: cont, helpMsg: "Run until the next stop."},
		{aliases: []string{"step-instruction", "si"}, cmdFn: stepInstruction, helpMsg: `Single step a single cpu instruction.

	step-instruction [thread id]

Steps the selected thread unless a thread id is given.`},
		{aliases: []string{"step-range", "sr"}, cmdFn: stepRange, helpMsg: `Step until execution leaves an address range.

	step-range <start> <end>

Runs the current thread until the program counter falls outside [start, end).`},
		{aliases: []string{"stepout", "so"}, cmdFn: stepOut, helpMsg: `Step out of the current frame.

	stepout <return address>

Runs the current thread until it reaches the given return address.`},
		{aliases: []string{"call"}, cmdFn: callFunction, helpMsg: `Run an injected function call on the current thread.

	call <return address> [-keep]

Runs the current thread until it returns to the given address, then
restores the plan completion state captured before the call. With -keep
the completions recorded during the call are kept instead.`},
		{aliases: []string{"plans"}, cmdFn: plans, helpMsg: `Print the thread plans of one or all threads.

	plans [-v] [-a] [-u] [thread id]

	-v	include plans internal to the debugger
	-a	include threads that only have their base plan
	-u	include threads the backend no longer reports`},
		{aliases: []string{"prune"}, cmdFn: prune, helpMsg: `Discard the plans of a thread that is gone.

	prune <thread id>

The pruned plans remain inspectable with "plans -u" until enough other
threads are pruned to push them out of the history.`},
		{aliases: []string{"trace-plans"}, cmdFn: tracePlans, helpMsg: `Enable or disable thread plan tracing.

	trace-plans <on|off> [step]

With "step" the tracer also logs every single-step stop.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config alias <command> <alias>

Defines <alias> as an alias of <command>.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger.

	exit [-kill]

With -kill the target process is killed without asking.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			v.cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	// If <enter> use last command, if there was one.
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.helpMsg
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

func threads(t *Term, args string) error {
	state, err := t.dbg.State()
	if err != nil {
		return err
	}
	for _, th := range state.Threads {
		prefix := "  "
		if state.CurrentThread != nil && th.ID == state.CurrentThread.ID {
			prefix = "* "
		}
		fmt.Fprintf(t.stdout, "%sThread %d at %#x (%s, %d active plans)\n",
			prefix, th.ID, th.PC, th.StopReason, th.ActivePlans)
	}
	return nil
}

func thread(t *Term, args string) error {
	tid, err := parseTID(args)
	if err != nil {
		return err
	}
	state, err := t.dbg.SwitchThread(tid)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Switched to thread %d\n", state.CurrentThread.ID)
	return nil
}

func cont(t *Term, args string) error {
	state, err := t.dbg.Continue()
	if err != nil {
		return err
	}
	printState(t, state)
	return nil
}

func stepInstruction(t *Term, args string) error {
	tid := 0
	if args != "" {
		var err error
		tid, err = parseTID(args)
		if err != nil {
			return err
		}
	}
	state, err := t.dbg.StepInstruction(tid)
	if err != nil {
		return err
	}
	printState(t, state)
	return nil
}

func stepRange(t *Term, args string) error {
	tokens, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(tokens) != 2 {
		return errors.New("step-range expects a start and an end address")
	}
	start, err := parseAddr(tokens[0])
	if err != nil {
		return err
	}
	end, err := parseAddr(tokens[1])
	if err != nil {
		return err
	}
	state, err := t.dbg.StepRange(0, start, end)
	if err != nil {
		return err
	}
	printState(t, state)
	return nil
}

func stepOut(t *Term, args string) error {
	if args == "" {
		return errors.New("stepout expects a return address")
	}
	retAddr, err := parseAddr(args)
	if err != nil {
		return err
	}
	state, err := t.dbg.StepOut(0, retAddr)
	if err != nil {
		return err
	}
	printState(t, state)
	return nil
}

func callFunction(t *Term, args string) error {
	tokens, err := splitArgs(args)
	if err != nil {
		return err
	}
	keep := false
	addrArg := ""
	for _, tok := range tokens {
		if tok == "-keep" {
			keep = true
			continue
		}
		if addrArg != "" {
			return errors.New("too many arguments to call")
		}
		addrArg = tok
	}
	if addrArg == "" {
		return errors.New("call expects a return address")
	}
	retAddr, err := parseAddr(addrArg)
	if err != nil {
		return err
	}
	state, err := t.dbg.CallFunction(0, retAddr, keep)
	if err != nil {
		return err
	}
	printState(t, state)
	return nil
}

func plans(t *Term, args string) error {
	tokens, err := splitArgs(args)
	if err != nil {
		return err
	}
	includePrivate := false
	includeBoring := false
	skipUnreported := true
	tid := 0
	for _, tok := range tokens {
		switch tok {
		case "-v":
			includePrivate = true
		case "-a":
			includeBoring = true
		case "-u":
			skipUnreported = false
		default:
			tid, err = parseTID(tok)
			if err != nil {
				return err
			}
		}
	}
	if t.conf.ShowPrivatePlans {
		includePrivate = true
	}
	return t.dbg.DumpThreadPlans(t.stdout, tid, includePrivate, includeBoring, skipUnreported)
}

func prune(t *Term, args string) error {
	tid, err := parseTID(args)
	if err != nil {
		return err
	}
	if !t.dbg.PrunePlans(tid) {
		return fmt.Errorf("no plans for thread %d", tid)
	}
	fmt.Fprintf(t.stdout, "Pruned plans of thread %d\n", tid)
	return nil
}

func tracePlans(t *Term, args string) error {
	tokens, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return errors.New("trace-plans expects on or off")
	}
	singleStep := false
	if len(tokens) > 1 {
		if tokens[1] != "step" {
			return fmt.Errorf("unknown argument %q", tokens[1])
		}
		singleStep = true
	}
	switch tokens[0] {
	case "on":
		t.dbg.EnablePlanTracing(true, singleStep)
	case "off":
		t.dbg.EnablePlanTracing(false, false)
	default:
		return errors.New("trace-plans expects on or off")
	}
	return nil
}

func configureCmd(t *Term, args string) error {
	tokens, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(tokens) == 0 || tokens[0] == "-list" {
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 1, ' ', 0)
		fmt.Fprintf(w, "show-private-plans\t%v\n", t.conf.ShowPrivatePlans)
		if t.conf.PlanHistory != nil {
			fmt.Fprintf(w, "plan-history\t%d\n", *t.conf.PlanHistory)
		} else {
			fmt.Fprintf(w, "plan-history\t<not defined>\n")
		}
		for cmd, aliases := range t.conf.Aliases {
			fmt.Fprintf(w, "alias %s\t%s\n", cmd, strings.Join(aliases, " "))
		}
		return w.Flush()
	}
	if tokens[0] == "alias" {
		if len(tokens) != 3 {
			return errors.New("wrong number of arguments to alias")
		}
		if t.conf.Aliases == nil {
			t.conf.Aliases = make(map[string][]string)
		}
		t.conf.Aliases[tokens[1]] = append(t.conf.Aliases[tokens[1]], tokens[2])
		t.cmds.Merge(t.conf.Aliases)
		return config.SaveConfig(t.conf)
	}
	return fmt.Errorf("unknown argument %q", tokens[0])
}

// ExitRequestError is returned when the user
// exits the debugger.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	if args == "-kill" {
		t.quitKill = true
	}
	t.quittingMutex.Lock()
	t.quitting = true
	t.quittingMutex.Unlock()
	return ExitRequestError{}
}

func printState(t *Term, state *debugger.State) {
	if state.Exited {
		fmt.Fprintf(t.stdout, "Process %d has exited with status %d\n", state.Pid, state.ExitStatus)
		return
	}
	th := state.CurrentThread
	if th == nil {
		return
	}
	fmt.Fprintf(t.stdout, "Thread %d stopped at %#x (%s)\n", th.ID, th.PC, th.StopReason)
}

func splitArgs(args string) ([]string, error) {
	if args == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal argument list '%s'", args)
	}
	return v[0], nil
}

func parseTID(args string) (int, error) {
	tid, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil {
		return 0, fmt.Errorf("invalid thread id %q", strings.TrimSpace(args))
	}
	return tid, nil
}

func parseAddr(arg string) (uint64, error) {
	addr, err := strconv.ParseUint(arg, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", arg)
	}
	return addr, nil
}
