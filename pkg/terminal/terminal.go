package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/peterh/liner"

	"github.com/spelunkdbg/spelunk/pkg/config"
	"github.com/spelunkdbg/spelunk/pkg/logflags"
	"github.com/spelunkdbg/spelunk/service/debugger"
)

const historyFile string = ".spelunk_history"

const (
	ansiBlack   = 30
	ansiBrWhite = 97
)

// Term represents the terminal running spelunk.
type Term struct {
	dbg    *debugger.Debugger
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer
	log    logflags.Logger

	// quitKill is set by exitCommand when the user asked for the target
	// to be killed on exit.
	quitKill bool

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term.
func New(dbg *debugger.Debugger, conf *config.Config) *Term {
	cmds := DebugCommands()
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	prompt := "(spk) "
	if !dumb && conf.PromptColor >= ansiBlack && conf.PromptColor <= ansiBrWhite {
		prompt = fmt.Sprintf("\033[%2dm%s\033[0m", conf.PromptColor, prompt)
	}

	return &Term{
		dbg:    dbg,
		conf:   conf,
		prompt: prompt,
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: w,
		log:    logflags.TerminalLogger(),
	}
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	t.line.Close()
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Printf("received SIGINT, stopping process (will not forward signal)\n")
		if err := t.dbg.Halt(); err != nil {
			fmt.Fprintf(os.Stderr, "%v", err)
		}
	}
}

// Run begins running spelunk in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()
	t.log.Debugf("terminal session started (pid %d)", os.Getpid())

	// Send the debugger a halt command on SIGINT.
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	go t.sigintGuard(ch)

	completer := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			completer.Add(alias, nil)
		}
	}
	t.line.SetCompleter(func(line string) []string {
		if line == "" {
			return nil
		}
		return completer.PrefixSearch(strings.ToLower(line))
	})

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
	t.line.ReadHistory(f)
	f.Close()
	fmt.Println("Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			t.quittingMutex.Lock()
			quitting := t.quitting
			t.quittingMutex.Unlock()
			if quitting {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
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

func (t *Term) handleExit() (int, error) {
	if fullHistoryFile, err := config.GetConfigFilePath(historyFile); err == nil {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600); err == nil {
			_, _ = t.line.WriteHistory(f)
			f.Close()
		}
	}

	if t.dbg.Exited() {
		return 0, nil
	}

	kill := t.quitKill
	if !kill {
		answer, err := t.line.Prompt("Would you like to kill the process? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		kill = answer != "n"
	}
	if err := t.dbg.Detach(kill); err != nil {
		return 1, err
	}
	return 0, nil
}
