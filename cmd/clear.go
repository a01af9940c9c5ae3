package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/beacon-station/internal/station"
	"procodus.dev/beacon-station/internal/store"
)

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the persisted beacons",
	Long: `Empty the persisted live table and history log. Stop the station first;
a running station can be cleared through DELETE /api/beacons instead.`,
	RunE: runClear,
}

func init() {
	rootCmd.AddCommand(clearCmd)

	clearCmd.Flags().Bool("force", false, "Confirm that every stored record should be deleted")
	addPersistenceFlags(clearCmd, "clear")

	_ = viper.BindPFlag("clear.force", clearCmd.Flags().Lookup("force"))
}

func runClear(_ *cobra.Command, _ []string) error {
	logger := GetStderrLogger()

	if !viper.GetBool("clear.force") {
		return errors.New("refusing to clear persisted beacons without --force")
	}

	cfg := persistenceConfig("clear", logger)
	persistence, err := station.OpenPersistence(cfg)
	if err != nil {
		return fmt.Errorf("failed to open persistence: %w", err)
	}

	ctx := context.Background()
	st, err := store.New(ctx, &store.Config{
		Logger:      logger,
		Persistence: persistence,
	})
	if err != nil {
		persistence.Close()
		return fmt.Errorf("failed to load store: %w", err)
	}
	defer st.Close()

	live, history := st.Len()
	if err := st.ClearAll(ctx); err != nil {
		return err
	}

	logger.Info("persisted beacons cleared",
		"persistence", cfg.PersistenceKind,
		"live", live,
		"history", history,
	)
	return nil
}
