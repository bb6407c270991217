package main

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"deptrack/internal/config"
	"deptrack/internal/service"
	"deptrack/internal/store"

	"github.com/spf13/cobra"
)

var statsDimension string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show deployment statistics",
	Long: `Print status-category counts over the deployment table, either flat or
grouped by repository, environment, or creator.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringVarP(&statsDimension, "dimension", "d", "none", "Grouping dimension: none, repository, environment, or creator")
}

// openService opens the configured deployment table for a one-shot CLI call.
// The returned closer must be called when done.
func openService(cmd *cobra.Command) (*service.Service, func() error, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	applyOverrides(cfg)

	table, err := store.OpenSQLite(cfg.Storage.Path, cfg.Storage.Table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open deployment table: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	table.SetLogger(logger)

	return service.New(table, logger), table.Close, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	svc, closer, err := openService(cmd)
	if err != nil {
		return err
	}
	defer closer()

	ctx := cmd.Context()

	if statsDimension == "" || statsDimension == "none" {
		stats, err := svc.Statistics(ctx)
		if err != nil {
			return err
		}
		printCounts(stats)
		return nil
	}

	grouped, err := svc.StatisticsBy(ctx, service.StatDimension(statsDimension))
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fmt.Printf("%s:\n", key)
		printCounts(grouped[key])
	}
	return nil
}

func printCounts(counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		if k != "total" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Printf("  %-16s %d\n", k, counts[k])
	}
	fmt.Printf("  %-16s %d\n", "total", counts["total"])
}
