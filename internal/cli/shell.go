// Package cli is the line-oriented "!command args" shell shared by the proxy,
// the file servers and the client.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/sp1r1t/ds13/internal/nodeclient"
)

var (
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Command is one shell command. Run gets the arguments after the command name.
type Command struct {
	Name    string
	Usage   string
	MinArgs int
	Run     func(ctx context.Context, args []string) (string, error)
}

// Shell reads commands until "!exit", end of input or context cancellation.
type Shell struct {
	name     string
	in       io.Reader
	out      io.Writer
	commands map[string]Command
	logger   *zap.Logger
}

// New creates a Shell. "!exit" and "!help" are built in.
func New(name string, in io.Reader, out io.Writer, logger *zap.Logger) *Shell {
	return &Shell{
		name:     name,
		in:       in,
		out:      out,
		commands: make(map[string]Command),
		logger:   logger,
	}
}

// Register adds commands, replacing any with the same name.
func (s *Shell) Register(cmds ...Command) {
	for _, c := range cmds {
		s.commands[c.Name] = c
	}
}

// Run blocks until the user exits. A cancelled context is noticed between lines.
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	s.prompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			s.prompt()
			continue
		}
		if line == "!exit" {
			s.logger.Info("Shell exit requested", zap.String("shell", s.name))
			return nil
		}
		s.execute(ctx, line)
		s.prompt()
	}
	return scanner.Err()
}

func (s *Shell) prompt() {
	fmt.Fprint(s.out, promptStyle.Render(s.name+">")+" ")
}

func (s *Shell) execute(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if !strings.HasPrefix(fields[0], "!") {
		s.printError("invalid command")
		return
	}
	name := strings.TrimPrefix(fields[0], "!")
	if name == "help" {
		s.help()
		return
	}
	cmd, ok := s.commands[name]
	if !ok {
		s.printError("unknown command " + fields[0])
		return
	}
	args := fields[1:]
	if len(args) < cmd.MinArgs {
		s.printError("usage: !" + cmd.Name + " " + cmd.Usage)
		return
	}

	out, err := cmd.Run(ctx, args)
	if err != nil {
		var re *nodeclient.RemoteError
		if errors.As(err, &re) {
			// server replies are answers, not local failures
			s.print(re.Message)
			return
		}
		s.printError(err.Error())
		return
	}
	s.print(out)
}

func (s *Shell) help() {
	names := make([]string, 0, len(s.commands)+1)
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	names = append(names, "exit")
	for _, name := range names {
		usage := ""
		if c, ok := s.commands[name]; ok {
			usage = c.Usage
		}
		fmt.Fprintln(s.out, "!"+name+" "+dimStyle.Render(usage))
	}
}

func (s *Shell) print(text string) {
	text = strings.TrimRight(text, "\n")
	if text != "" {
		fmt.Fprintln(s.out, text)
	}
}

func (s *Shell) printError(text string) {
	fmt.Fprintln(s.out, errorStyle.Render(text))
}
