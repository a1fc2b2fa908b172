package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"github.com/fiberdbg/fiberdbg/pkg/config"
	"github.com/fiberdbg/fiberdbg/pkg/fiber"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
)

const historyFile string = ".fiberdbg_history"

// Term represents the terminal running fiberdbg.
type Term struct {
	target   proc.Target
	session  *fiber.Session
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   io.Writer
	errout   io.Writer
	InitFile string
}

// New returns a new Term inspecting target.
func New(target proc.Target, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := isDumb()
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	t := &Term{
		target: target,
		conf:   conf,
		prompt: "(fiberdbg) ",
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
	}
	t.reload()
	return t
}

// SessionOptions returns the fiber session options described by conf.
func SessionOptions(conf *config.Config) fiber.Options {
	return fiber.Options{
		RegistrySymbol: conf.GetStackRegistrySymbol(),
		EntityType:     conf.GetFiberEntityType(),
		ReservedSize:   conf.GetFiberStackReservedSize(),
		DeadState:      conf.GetFiberStateDead(),
		MaxStackDepth:  conf.GetMaxStackDepth(),
		SwitchRoutine:  conf.GetSwitchRoutine(),
	}
}

type substitutePathSetter interface {
	SetSubstitutePath(func(string) string)
}

// reload starts a new fiber session with the current configuration.
func (t *Term) reload() {
	if t.target == nil {
		return
	}
	if s, ok := t.target.DebugInfo().(substitutePathSetter); ok {
		rules := t.conf.SubstitutePath
		s.SetSubstitutePath(rules.Substitute)
	}
	t.session = fiber.NewSession(t.target, SessionOptions(t.conf))
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// sigintGuard reports interrupts until ch is closed.
func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintln(t.stderr(), "received SIGINT, the target stays stopped until fiberdbg exits")
	}
}

func (t *Term) stderr() io.Writer {
	if t.errout != nil {
		return t.errout
	}
	return os.Stderr
}

// Call executes a single command.
func (t *Term) Call(cmdstr string) error {
	return t.cmds.Call(cmdstr, t)
}

// Run begins running fiberdbg in the terminal.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		t.sigintGuard(ch)
		close(done)
	}()
	defer func() {
		signal.Stop(ch)
		close(ch)
		<-done
	}()

	t.line.SetCompleter(t.cmds.complete)

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}

	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.executeFile(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	var lastCmd string
	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed")
		}

		// <enter> repeats the last command.
		if strings.TrimSpace(cmdstr) == "" {
			cmdstr = lastCmd
		}
		lastCmd = cmdstr

		if err := t.Call(cmdstr); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// RunCommands executes cmds without prompting and detaches from the
// target. Execution stops at the first exit command.
func (t *Term) RunCommands(cmds []string) (int, error) {
	status := 0
	for _, cmdstr := range cmds {
		if err := t.Call(cmdstr); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				break
			}
			fmt.Fprintf(os.Stderr, "Command %q failed: %s\n", cmdstr, err)
			status = 1
		}
	}
	if s, err := t.handleExit(); err != nil || s != 0 {
		return s, err
	}
	return status, nil
}

func (t *Term) colorize(color int, str string) string {
	if t.dumb || str == "" {
		return str
	}
	return fmt.Sprintf(terminalHighlightEscapeCode, color) + str + terminalResetEscapeCode
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) saveHistory() {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
		return
	}
	if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_TRUNC, 0666); err == nil {
		_, err = t.line.WriteHistory(f)
		if err != nil {
			fmt.Println("readline history error:", err)
		}
		f.Close()
	}
}

// handleExit saves the history and detaches from the target.
func (t *Term) handleExit() (int, error) {
	if t.line != nil {
		t.saveHistory()
	}
	if t.target == nil {
		return 0, nil
	}
	if err := t.target.Detach(); err != nil && err != proc.ErrProcessDetached {
		return 1, err
	}
	return 0, nil
}

// commandTrie indexes every alias of every command for completion.
func commandTrie(cmds []command) *trie.Trie {
	tr := trie.New()
	for _, cmd := range cmds {
		for _, alias := range cmd.aliases {
			tr.Add(alias, nil)
		}
	}
	return tr
}
