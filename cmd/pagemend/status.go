package main

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mendlabs/pagemend/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(cfg.Control.SocketPath)
		resp, err := client.Status()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("status failed: %s", resp.Error)
		}
		color.Cyan("loop status")
		return printData(resp.Data)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show repair engine statistics for a running loop",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client := control.NewClient(cfg.Control.SocketPath)
		resp, err := client.Stats()
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("stats failed: %s", resp.Error)
		}
		color.Cyan("repair statistics")
		return printData(resp.Data)
	},
}

func printData(data map[string]interface{}) error {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
}
