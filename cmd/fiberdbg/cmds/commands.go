package cmds

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/fiberdbg/fiberdbg/pkg/config"
	"github.com/fiberdbg/fiberdbg/pkg/logflags"
	"github.com/fiberdbg/fiberdbg/pkg/proc"
	"github.com/fiberdbg/fiberdbg/pkg/proc/core"
	"github.com/fiberdbg/fiberdbg/pkg/proc/native"
	"github.com/fiberdbg/fiberdbg/pkg/terminal"
	"github.com/fiberdbg/fiberdbg/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// initFile is the path to initialization file.
	initFile string
	// commands are executed in order instead of starting the interactive
	// terminal.
	commands []string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const fiberdbgCommandLongDesc = `fiberdbg inspects the fibers of programs built on the flare runtime.

It attaches to a running process, or opens a core file, walks the stack
registry of the fiber runtime and prints the call stack of every live fiber.
The target is never modified: a process stays stopped while fiberdbg is
attached and resumes when it detaches.

The executable must carry symbols and DWARF information for the fiber
control block type.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	// Main fiberdbg root command.
	rootCommand = &cobra.Command{
		Use:   "fiberdbg",
		Short: "fiberdbg lists the fibers of flare programs and their call stacks.",
		Long:  fiberdbgCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'fiberdbg help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'fiberdbg help log').")
	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringArrayVarP(&commands, "command", "c", nil, "Execute a terminal command and exit, can be repeated.")

	// 'attach' subcommand.
	attachCommand := &cobra.Command{
		Use:   "attach pid [executable]",
		Short: "Attach to running process and inspect its fibers.",
		Long: `Attach to an already running process and inspect its fibers.

Every thread of the process is stopped until fiberdbg exits.

The executable argument is optional, by default it is read from /proc.`,
		Args: cobra.RangeArgs(1, 2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(attachCmd(args))
		},
	}
	rootCommand.AddCommand(attachCommand)

	// 'core' subcommand.
	coreCommand := &cobra.Command{
		Use:   "core <executable> <core>",
		Short: "Inspect the fibers of a core dump.",
		Long: `Inspect the fibers of a core dump.

The core command will open the specified core file and the associated
executable. Fibers running on a thread when the core was dumped are shown
with their last saved context.`,
		Args: cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(coreCmd(args))
		},
	}
	rootCommand.AddCommand(coreCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fiberdbg\n%s\n", version.FiberdbgVersion)
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", version.BuildInfo())
			}
		},
	}
	versionCommand.Flags().BoolP("verbose", "v", false, "print build info")
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	fibers		Log fiber decoding and thread reconciliation (default)
	memory		Log the core and native backends
	symbols		Log symbol and type lookups
	unwind		Log stack unwinding

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func attachCmd(args []string) int {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		return 1
	}
	var exe string
	if len(args) > 1 {
		exe = args[1]
	}
	return execute(func() (proc.Target, error) {
		return native.Attach(pid, exe)
	})
}

func coreCmd(args []string) int {
	return execute(func() (proc.Target, error) {
		return core.OpenCore(args[1], args[0])
	})
}

func execute(open func() (proc.Target, error)) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		logflags.WriteError(err.Error())
		return 1
	}
	defer logflags.Close()

	target, err := open()
	if err != nil {
		logflags.WriteError(err.Error())
		return 1
	}

	term := terminal.New(target, conf)
	term.InitFile = initFile

	var status int
	if len(commands) > 0 {
		status, err = term.RunCommands(commands)
	} else {
		status, err = term.Run()
	}
	if err != nil {
		logflags.WriteError(err.Error())
	}
	return status
}
