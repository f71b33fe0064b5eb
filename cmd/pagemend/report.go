package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/mendlabs/pagemend/internal/loop"
	"github.com/mendlabs/pagemend/internal/report"
	"github.com/mendlabs/pagemend/internal/storage"
	"github.com/mendlabs/pagemend/internal/types"
)

var (
	reportList  bool
	reportWrite bool
)

var reportCmd = &cobra.Command{
	Use:   "report [session-id]",
	Short: "Show a stored session report (latest by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("persistence is disabled (storage.path is empty)")
		}
		store, err := storage.New(cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()

		if reportList {
			summaries, err := store.ListSessions(ctx, 20)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("no sessions recorded")
				return nil
			}
			for _, s := range summaries {
				fmt.Printf("%s  %-14s  %-40s  iters=%d errors=%d repairs=%d/%d\n",
					s.StartedAt.Format("2006-01-02 15:04:05"), s.Status, s.TargetURL,
					s.Iterations, s.TotalErrors, s.SuccessfulRepairs, s.TotalRepairs)
				fmt.Printf("  id: %s\n", s.ID)
			}
			return nil
		}

		session, err := loadSession(cmd, store, args)
		if err != nil {
			return err
		}

		if reportWrite {
			jsonPath, mdPath, err := report.Write(cfg.Storage.ReportDir, session)
			if err != nil {
				return err
			}
			color.Green("wrote %s and %s", jsonPath, mdPath)
			return nil
		}

		fmt.Println(loop.Summary(session))
		return nil
	},
}

func loadSession(cmd *cobra.Command, store *storage.Store, args []string) (session *types.LoopSession, err error) {
	if len(args) == 1 {
		return store.GetSession(cmd.Context(), args[0])
	}
	session, err = store.LatestSession(cmd.Context())
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("no sessions recorded")
	}
	return session, nil
}

func init() {
	reportCmd.Flags().BoolVar(&reportList, "list", false, "list recent sessions")
	reportCmd.Flags().BoolVar(&reportWrite, "write", false, "write JSON and Markdown artifacts to the report directory")
	rootCmd.AddCommand(reportCmd)
}
