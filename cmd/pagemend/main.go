package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mendlabs/pagemend/internal/config"
	"github.com/mendlabs/pagemend/internal/log"
)

var (
	cfgPath    string
	socketFlag string

	cfg    *config.Config
	logger *log.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pagemend",
	Short: "Autonomous browser error detection and repair",
	Long: `pagemend watches web pages for runtime errors, applies repair
strategies against the live page, validates the outcome, and loops until
the target is stable or a safety limit fires.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if socketFlag != "" {
			cfg.Control.SocketPath = socketFlag
		}
		if cfg.Control.SocketPath == "" {
			cfg.Control.SocketPath = defaultSocketPath()
		}
		logger = log.NewLogger(cfg.LogLevel)
		return nil
	},
}

func defaultSocketPath() string {
	dir := os.TempDir()
	return dir + "/pagemend.sock"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&socketFlag, "socket", "", "control socket path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
