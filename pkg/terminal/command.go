// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	"github.com/derekparker/trie"
	"github.com/spf13/pflag"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
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

// Commands represents the commands for the fiberdbg terminal.
type Commands struct {
	cmds []command
	trie *trie.Trie
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"info"}, group: fiberCmds, cmdFn: infoCommand, helpMsg: `Prints a summary of the target.

	info fibers
	info threads
	info segments

"info fibers" prints one line per fiber: its id and the function it is
executing. "info threads" and "info segments" are the same as the "threads"
and "segments" commands.`},
		{aliases: []string{"list-fibers"}, group: fiberCmds, cmdFn: listFibers, helpMsg: `Prints the registers and the call stack of every fiber.

	list-fibers [-i]

Fibers running on a thread show the registers of that thread. With -i the
instruction at the current instruction pointer of every fiber is printed
as well (see the show-instruction configuration key).`},
		{aliases: []string{"list-fibers-compact"}, group: fiberCmds, cmdFn: listFibersCompact, helpMsg: `Prints the call stack of every fiber, grouping fibers with identical call stacks.

	list-fibers-compact`},
		{aliases: []string{"fiber"}, group: fiberCmds, cmdFn: fiberCommand, helpMsg: `Prints the registers and the call stack of a single fiber.

	fiber [-i] <id>`},
		{aliases: []string{"threads"}, group: targetCmds, cmdFn: threadsCommand, helpMsg: `Prints out info for every thread of the target.

For every thread the instruction pointer, the stack pointer and the fiber
it is running (if any) are printed.`},
		{aliases: []string{"segments"}, group: targetCmds, cmdFn: segmentsCommand, helpMsg: `Prints the memory map of the target.`},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter. Changes to the fiber runtime
layout take effect on the next command.

	config substitute-path <from> <to>
	config substitute-path <from>

Adds or removes a path substitution rule.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of fiberdbg commands.

	source <path>

Empty lines and lines starting with # are ignored.`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the debugger, detaching from the target.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.trie = commandTrie(c.cmds)
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.trie = commandTrie(c.cmds)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will return nullCommand.
func (c *Commands) Find(cmdstr string) cmdfunc {
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
	cmdname, args := split2PartsBySpace(strings.TrimSpace(cmdstr))
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
	c.trie = commandTrie(c.cmds)
}

// complete returns the completions of line. Only the command name and the
// first argument of "info" and "help" are completed.
func (c *Commands) complete(line string) []string {
	cmdname, args := split2PartsBySpace(strings.TrimLeft(line, " "))
	if !strings.Contains(line, " ") {
		r := c.trie.PrefixSearch(strings.ToLower(cmdname))
		sort.Strings(r)
		return r
	}
	var candidates []string
	switch cmdname {
	case "info":
		candidates = infoSubcommands
	case "help", "h":
		candidates = c.trie.PrefixSearch(args)
	}
	var r []string
	for _, cand := range candidates {
		if strings.HasPrefix(cand, args) {
			r = append(r, cmdname+" "+cand)
		}
	}
	sort.Strings(r)
	return r
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

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
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
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

var infoSubcommands = []string{"fibers", "segments", "threads"}

func infoCommand(t *Term, args string) error {
	switch args {
	case "fibers":
		return infoFibers(t)
	case "threads":
		return threadsCommand(t, "")
	case "segments":
		return segmentsCommand(t, "")
	case "":
		return fmt.Errorf("not enough arguments, expected one of: %s", strings.Join(infoSubcommands, ", "))
	default:
		return fmt.Errorf("unknown info subcommand %q", args)
	}
}

func listFibers(t *Term, args string) error {
	showInstruction, rest, err := parseInstructionFlag(t, "list-fibers", args)
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("too many arguments to list-fibers")
	}
	fibers, err := t.loadFibers()
	if err != nil {
		return err
	}
	for _, f := range fibers {
		t.printFiber(f, showInstruction)
		fmt.Fprintln(t.stdout)
	}
	fmt.Fprintf(t.stdout, "Found %d fiber(s) in total.\n", len(fibers))
	return nil
}

func listFibersCompact(t *Term, args string) error {
	if args != "" {
		return fmt.Errorf("too many arguments to list-fibers-compact")
	}
	fibers, err := t.loadFibers()
	if err != nil {
		return err
	}
	for _, g := range t.groupFibers(fibers) {
		ids := make([]string, 0, len(g.Fibers))
		for _, id := range g.IDs() {
			ids = append(ids, "#"+strconv.FormatUint(id, 10))
		}
		fmt.Fprintln(t.stdout, t.colorize(ansiCyan, fmt.Sprintf("Fiber %s:", strings.Join(ids, ", "))))
		t.printStack(g.Stack)
		fmt.Fprintln(t.stdout)
	}
	fmt.Fprintf(t.stdout, "Found %d fiber(s) in total.\n", len(fibers))
	return nil
}

func fiberCommand(t *Term, args string) error {
	showInstruction, rest, err := parseInstructionFlag(t, "fiber", args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errors.New("you must specify a fiber")
	}
	id, err := strconv.ParseUint(strings.TrimPrefix(rest[0], "#"), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid fiber id %q", rest[0])
	}
	f, err := t.session.Fiber(id)
	if err != nil {
		return err
	}
	t.printFiber(f, showInstruction)
	return nil
}

func threadsCommand(t *Term, args string) error {
	threads, err := t.target.Threads()
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Fprintln(t.stdout, "No threads.")
		return nil
	}
	var running map[int]uint64
	if !t.target.Recorded() {
		// Fibers are only matched to threads of live processes.
		running = make(map[int]uint64)
		if fibers, err := t.session.Fibers(nil); err == nil {
			for _, f := range fibers {
				if f.Running() {
					running[f.ThreadID] = f.ID
				}
			}
		}
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "Thread\tRIP\tRSP\tFiber\n")
	for _, th := range threads {
		fib := ""
		if id, ok := running[th.ID]; ok {
			fib = "#" + strconv.FormatUint(id, 10)
		}
		fmt.Fprintf(w, "%d\t%#016x\t%#016x\t%s\n", th.ID, th.Rip, th.Rsp, fib)
	}
	return w.Flush()
}

func segmentsCommand(t *Term, args string) error {
	segs, err := t.target.Segments()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(t.stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "Start\tEnd\tSize\tFile\n")
	for _, s := range segs {
		fmt.Fprintf(w, "%#016x\t%#016x\t%#x\t%s\n", s.Start, s.End, s.Size(), s.File)
	}
	return w.Flush()
}

// ExitRequestError is returned by the exit command.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}
	return c.executeFile(t, args)
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()
	return c.executeScript(t, name, fh)
}

func (c *Commands) executeScript(t *Term, name string, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}

func split2PartsBySpace(s string) (string, string) {
	v := strings.SplitN(s, " ", 2)
	if len(v) == 1 {
		return v[0], ""
	}
	return v[0], strings.TrimSpace(v[1])
}

// splitArgs splits args the way a shell would, honouring quotes.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
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
		return nil, fmt.Errorf("illegal command line '%s'", args)
	}
	return v[0], nil
}

// parseInstructionFlag parses the -i flag of list-fibers and fiber,
// returning the remaining arguments.
func parseInstructionFlag(t *Term, cmdname, args string) (bool, []string, error) {
	words, err := splitArgs(args)
	if err != nil {
		return false, nil, err
	}
	fs := pflag.NewFlagSet(cmdname, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	showInstruction := fs.BoolP("instruction", "i", t.conf.ShowInstruction, "print the current instruction")
	if err := fs.Parse(words); err != nil {
		return false, nil, fmt.Errorf("%s: %v", cmdname, err)
	}
	return *showInstruction, fs.Args(), nil
}
