package main

import (
	"github.com/spf13/cobra"

	"github.com/mendlabs/pagemend/internal/repl"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Open an interactive console attached to a running loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		console, err := repl.New(&repl.Config{SocketPath: cfg.Control.SocketPath})
		if err != nil {
			return err
		}
		return console.Run()
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
