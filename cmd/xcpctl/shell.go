package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/muurk/xcpgate/internal/client"
	"github.com/muurk/xcpgate/internal/config"
	"github.com/muurk/xcpgate/internal/ui"
)

const shellPrompt = "xcpctl> "

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive session on one connection",
	Long: `Open a single connection and issue commands interactively.

The session stays open between commands, so reads and writes need only one
init. Transfer events for this con_id are printed as they arrive.`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

type shellCommand struct {
	usage string
	help  string
	run   func(s *shell, ctx context.Context, args []string) error
}

var shellCommands map[string]shellCommand

func init() {
	shellCommands = map[string]shellCommand{
		"init":    {"init [image]", "open the session", (*shell).open},
		"end":     {"end", "close the session", (*shell).end},
		"read":    {"read <address|symbol> [size]", "read target memory", (*shell).read},
		"write":   {"write <address|symbol> <value> [size]", "write target memory", (*shell).write},
		"symbols": {"symbols", "list the session's symbols", (*shell).symbols},
		"ota":     {"ota status|cancel", "inspect or cancel the transfer", (*shell).ota},
		"help":    {"help", "show this list", (*shell).help},
	}
}

type shell struct {
	c       *client.Client
	printer *ui.Printer
}

func newShell(c *client.Client, out io.Writer) *shell {
	return &shell{c: c, printer: ui.NewPrinter(out)}
}

// exec runs one line. It reports true when the shell should exit.
func (s *shell) exec(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	name, args := strings.ToLower(fields[0]), fields[1:]
	if name == "quit" || name == "exit" {
		return true, nil
	}
	sc, ok := shellCommands[name]
	if !ok {
		return false, fmt.Errorf("unknown command %q, try help", name)
	}
	return false, sc.run(s, ctx, args)
}

func (s *shell) open(ctx context.Context, args []string) error {
	image := ""
	if len(args) > 0 {
		image = args[0]
	}
	r, err := s.c.Init(ctx, image)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("session %s open", s.c.ConID())
	if id := r.String("image"); id != "" {
		msg += fmt.Sprintf(", image %s (%d symbols)", id, r.Int("symbols"))
	}
	s.printer.Println(msg)
	return nil
}

func (s *shell) end(ctx context.Context, _ []string) error {
	if err := s.c.End(ctx); err != nil {
		return err
	}
	s.printer.Println("session closed")
	return nil
}

func optionalSize(args []string, i int) (int, error) {
	if len(args) <= i {
		return 0, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil {
		return 0, fmt.Errorf("bad size %q", args[i])
	}
	return n, nil
}

func (s *shell) read(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errors.New("usage: " + shellCommands["read"].usage)
	}
	size, err := optionalSize(args, 1)
	if err != nil {
		return err
	}
	r, err := s.c.Read(ctx, parseTarget(args[0]), size)
	if err != nil {
		return err
	}
	if verbose {
		s.printer.PrintFrame("mem_read", r)
		return nil
	}
	s.printer.Println(fmt.Sprintf("%s = %s", r.String("add"), r.String("value")))
	return nil
}

func (s *shell) write(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: " + shellCommands["write"].usage)
	}
	size, err := optionalSize(args, 2)
	if err != nil {
		return err
	}
	r, err := s.c.Write(ctx, parseTarget(args[0]), size, args[1])
	if err != nil {
		return err
	}
	s.printer.Println(fmt.Sprintf("%s <- %s (%s)", r.String("add"), args[1], r.State()))
	return nil
}

func (s *shell) symbols(ctx context.Context, _ []string) error {
	image, list, err := s.c.Symbols(ctx)
	if err != nil {
		return err
	}
	if image == "" {
		s.printer.Println("no symbol image bound to this session")
		return nil
	}
	s.printer.PrintTable([]string{"NAME", "ADDRESS", "SIZE", "TYPE", "SCOPE"}, symbolRows(list))
	return nil
}

func (s *shell) ota(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: " + shellCommands["ota"].usage)
	}
	var (
		r   client.Response
		err error
	)
	switch args[0] {
	case "status":
		r, err = s.c.OTAStatus(ctx)
	case "cancel":
		r, err = s.c.OTACancel(ctx)
	default:
		return errors.New("usage: " + shellCommands["ota"].usage)
	}
	if err != nil {
		return err
	}
	s.printer.PrintFrame("ota", r)
	return nil
}

func (s *shell) help(context.Context, []string) error {
	rows := [][]string{}
	for _, name := range completions("") {
		if sc, ok := shellCommands[name]; ok {
			rows = append(rows, []string{sc.usage, sc.help})
		}
	}
	rows = append(rows, []string{"quit", "leave the shell"})
	s.printer.PrintTable([]string{"COMMAND", "DESCRIPTION"}, rows)
	return nil
}

func completions(line string) []string {
	names := []string{"end", "exit", "help", "init", "ota", "quit", "read", "symbols", "write"}
	var out []string
	for _, n := range names {
		if strings.HasPrefix(n, line) {
			out = append(out, n)
		}
	}
	return out
}

func (s *shell) event(r client.Response) {
	s.printer.PrintFrame("event", r)
}

func runShell(cmd *cobra.Command, args []string) error {
	var sh *shell
	c, cfg, err := connect(cmd, func(r client.Response) {
		if sh != nil {
			sh.event(r)
		}
	})
	if err != nil {
		return err
	}
	defer c.Close()
	sh = newShell(c, cmd.OutOrStdout())

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completions)

	history, _ := config.ExpandPath(cfg.Client.HistoryFile)
	if history != "" {
		if f, err := os.Open(history); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(history); err == nil {
				_, _ = line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	sh.printer.Println(fmt.Sprintf("Connected as %s. Type help for commands.", c.ConID()))
	for {
		input, err := line.Prompt(shellPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		quit, err := sh.exec(cmd.Context(), input)
		if err != nil {
			sh.printer.Println(ui.ErrorMessageStyle.Render("error: " + err.Error()))
			if errors.Is(err, client.ErrClosed) {
				return err
			}
		}
		if quit {
			return nil
		}
	}
}
