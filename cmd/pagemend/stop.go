package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mendlabs/pagemend/internal/control"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running loop to stop at the next iteration boundary",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(cfg.Control.SocketPath)
		resp, err := client.Stop()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("stop failed: %s", resp.Error)
		}
		color.Green("stop requested; the loop will finish its current iteration")
		return nil
	},
}

var haltReason string

var haltCmd = &cobra.Command{
	Use:   "halt",
	Short: "Emergency-stop a running loop immediately",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(cfg.Control.SocketPath)
		resp, err := client.Halt(haltReason)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("halt failed: %s", resp.Error)
		}
		color.Red("emergency stop requested")
		return nil
	},
}

func init() {
	haltCmd.Flags().StringVar(&haltReason, "reason", "", "reason recorded on the session")
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(haltCmd)
}
