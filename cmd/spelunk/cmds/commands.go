package cmds

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/spelunkdbg/spelunk/pkg/config"
	"github.com/spelunkdbg/spelunk/pkg/logflags"
	"github.com/spelunkdbg/spelunk/pkg/terminal"
	"github.com/spelunkdbg/spelunk/pkg/version"
	"github.com/spelunkdbg/spelunk/service/debugger"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const spelunkCommandLongDesc = `Spelunk is a native debugger for stopped processes.

Spelunk attaches to a running process and lets you control its execution
thread by thread: single stepping, stepping through address ranges,
stepping out of frames and inspecting the plans that drive each thread.`

// New returns an initialized command tree.
func New() *cobra.Command {
	// Config setup and load.
	conf = config.LoadConfig()

	rootCommand = &cobra.Command{
		Use:   "spelunk",
		Short: "Spelunk is a native process debugger.",
		Long:  spelunkCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugger logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (see 'spelunk help log')")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'spelunk help log').")

	attachCommand := &cobra.Command{
		Use:   "attach pid",
		Short: "Attach to running process and begin debugging.",
		Long: `Attach to an already running process and begin debugging it.

This command will cause spelunk to take control of an already running process. You can
interactively examine and control the execution of that process.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a PID")
			}
			return logflags.Setup(log, logOutput, logDest)
		},
		Run: attachCmd,
	}
	rootCommand.AddCommand(attachCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Spelunk Debugger\n%s\n%s\n", version.SpelunkVersion, version.BuildInfo())
		},
	}
	hideGlobalFlags(versionCommand)
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:

	plan		Log thread plan stack changes and plan stops
	control		Log the execution control loop and the native backend
	debugger	Log debugger commands
	terminal	Log terminal session events

Logs will be redirected to standard error by default, use

	--log-dest=<filename>

to write them to the specified file or

	--log-dest=<file descriptor number>

to write to the given file descriptor.`,
	})

	return rootCommand
}

// hideGlobalFlags hides the root command's persistent flags from the
// usage of subcommands they do not apply to. Cobra still parses them.
func hideGlobalFlags(cmd *cobra.Command) {
	cmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		cmd.InheritedFlags().VisitAll(func(f *pflag.Flag) {
			f.Hidden = true
		})
		cmd.Parent().HelpFunc()(cmd, args)
	})
}

func attachCmd(cmd *cobra.Command, args []string) {
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pid: %s\n", args[0])
		os.Exit(1)
	}
	os.Exit(execute(pid, conf))
}

func execute(attachPid int, conf *config.Config) int {
	// Ptrace requests must all come from the same thread.
	runtime.LockOSThread()

	planHistory := 0
	if conf.PlanHistory != nil {
		planHistory = *conf.PlanHistory
	}

	dbg, err := debugger.New(&debugger.Config{
		AttachPid:   attachPid,
		PlanHistory: planHistory,
	}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	term := terminal.New(dbg, conf)
	status, err := term.Run()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	return status
}
