// Package repl provides an interactive operator console for a running
// repair loop. It speaks to the loop over the control socket; every
// command maps to one control request.
package repl

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/mendlabs/pagemend/internal/control"
)

// Console is the interactive shell
type Console struct {
	client   *control.Client
	rl       *readline.Instance
	commands map[string]CommandHandler
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// Config holds console configuration
type Config struct {
	// SocketPath is the control socket of the loop to attach to
	SocketPath string
}

// New creates a console attached to the given control socket
func New(cfg *Config) (*Console, error) {
	if cfg == nil || cfg.SocketPath == "" {
		return nil, fmt.Errorf("control socket path is required")
	}

	c := &Console{
		client:   control.NewClient(cfg.SocketPath),
		commands: make(map[string]CommandHandler),
	}
	c.registerCommands()
	return c, nil
}

// Run starts the console loop. Returns on exit command or EOF.
func (c *Console) Run() error {
	cyan := color.New(color.FgCyan).SprintFunc()
	prompt := cyan("pagemend> ")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            prompt,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	c.rl = rl

	c.printWelcome()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println("bye")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.processInput(line); err != nil {
			if err == io.EOF {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s %v\n", red("error:"), err)
		}
	}
}

func (c *Console) processInput(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	if handler, ok := c.commands[parts[0]]; ok {
		return handler(parts[1:])
	}
	fmt.Printf("unknown command %q, try 'help'\n", parts[0])
	return nil
}

func (c *Console) registerCommands() {
	c.commands["help"] = c.cmdHelp
	c.commands["?"] = c.cmdHelp
	c.commands["status"] = c.cmdStatus
	c.commands["stats"] = c.cmdStats
	c.commands["stop"] = c.cmdStop
	c.commands["halt"] = c.cmdHalt
	c.commands["exit"] = c.cmdExit
	c.commands["quit"] = c.cmdExit
}

func (c *Console) printWelcome() {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s — attached to %s\n", bold("pagemend console"), c.client.SocketPath())
	fmt.Println("type 'help' for commands, Ctrl+D to leave")
}

func (c *Console) cmdHelp(args []string) error {
	fmt.Println(`commands:
  status        show loop session and detector state
  stats         show repair engine statistics
  stop          request a graceful stop at the iteration boundary
  halt [reason] emergency-stop the loop immediately
  exit          leave the console (the loop keeps running)`)
	return nil
}

func (c *Console) cmdStatus(args []string) error {
	resp, err := c.client.Status()
	if err != nil {
		return err
	}
	return c.render(resp)
}

func (c *Console) cmdStats(args []string) error {
	resp, err := c.client.Stats()
	if err != nil {
		return err
	}
	return c.render(resp)
}

func (c *Console) cmdStop(args []string) error {
	resp, err := c.client.Stop()
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	color.Green("stop requested")
	return nil
}

func (c *Console) cmdHalt(args []string) error {
	reason := strings.Join(args, " ")
	resp, err := c.client.Halt(reason)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	color.Red("emergency stop requested")
	return nil
}

func (c *Console) cmdExit(args []string) error {
	fmt.Println("bye")
	return io.EOF
}

func (c *Console) render(resp *control.Response) error {
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	out, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
