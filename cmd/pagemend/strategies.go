package main

import (
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mendlabs/pagemend/internal/repair"
	"github.com/mendlabs/pagemend/internal/types"
)

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List the registered repair strategies",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := repair.NewRegistry(repair.BuiltinStrategies()...)
		if err != nil {
			return err
		}
		strategies := registry.List()
		sort.SliceStable(strategies, func(i, j int) bool {
			return strategies[i].Priority > strategies[j].Priority
		})
		for _, s := range strategies {
			riskColor(s.Risk).Printf("%-24s", s.Name)
			fmt.Printf("  priority=%-3d risk=%-6s  %s\n", s.Priority, s.Risk, s.Description)
		}
		return nil
	},
}

func riskColor(risk types.RiskLevel) *color.Color {
	switch risk {
	case types.RiskHigh:
		return color.New(color.FgRed)
	case types.RiskMedium:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

func init() {
	rootCmd.AddCommand(strategiesCmd)
}
