package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/corates/backend/internal/persistence"
)

func newCompactCommand() *cobra.Command {
	var minUpdates int
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Fold stored update logs into snapshots once and exit",
		Long: "Compacts every project whose update log holds at least --min-updates entries. " +
			"Safe to run while the server is live.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, db, err := loadRuntime()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			store, err := persistence.NewService(persistence.ServiceConfig{Database: db, Logger: logger})
			if err != nil {
				return err
			}
			result, err := store.Sweep(cmd.Context(), minUpdates)
			logger.Info("compaction finished",
				zap.Int("candidates", result.Candidates),
				zap.Int("compacted", result.Compacted),
				zap.Int("failed", result.Failed))
			return err
		},
	}
	cmd.Flags().IntVar(&minUpdates, "min-updates", 1, "Only compact projects with at least this many logged updates")
	return cmd
}
