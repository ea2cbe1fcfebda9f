package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/quarantine"
)

var quarantineLimit int64

var quarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Inspect and manage quarantined events",
	Long: `Inspect and manage events whose side effects exhausted their retries.

Quarantined events are never dropped: they wait in a Redis list until an
operator replays them (after fixing the underlying fault) or clears them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var quarantineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List quarantined events, oldest first",
	RunE:  runQuarantineList,
}

var quarantineReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Republish quarantined events through the durable stream",
	Long: `Republish quarantined events into the event stream, oldest first.
Each event is removed from quarantine once its publish succeeds; the
replay stops at the first failure, leaving the rest in place.

Requires bus.backend: stream.`,
	RunE: runQuarantineReplay,
}

var quarantineClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all quarantined events",
	RunE:  runQuarantineClear,
}

func init() {
	quarantineListCmd.Flags().Int64VarP(&quarantineLimit, "limit", "l", 0, "Maximum records to show (0 = all)")
	quarantineCmd.AddCommand(quarantineListCmd)
	quarantineCmd.AddCommand(quarantineReplayCmd)
	quarantineCmd.AddCommand(quarantineClearCmd)
	rootCmd.AddCommand(quarantineCmd)
}

// openQuarantine loads config, connects and returns the store.
// The caller closes the returned cleanup.
func openQuarantine(ctx context.Context) (*quarantine.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	rdb, err := connect(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	q, err := quarantine.NewStore(rdb, cfg.Instance)
	if err != nil {
		rdb.Close()
		return nil, nil, err
	}
	return q, func() { rdb.Close() }, nil
}

func runQuarantineList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	q, cleanup, err := openQuarantine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := q.List(ctx, quarantineLimit)
	if err != nil {
		return fmt.Errorf("failed to list quarantine: %w", err)
	}

	if len(records) == 0 {
		printer.Success("Quarantine is empty\n")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Event", "Entity", "Kind", "Identifier", "Failed At", "Reason"})
	for _, record := range records {
		failedAt := time.UnixMilli(record.FailedAtMs).UTC().Format(time.RFC3339)
		reason := record.Reason
		if len(reason) > 60 {
			reason = reason[:57] + "..."
		}
		table.Append([]string{
			shortID(record.Event.EventID),
			string(record.Event.Entity),
			string(record.Event.Kind),
			record.Event.Identifier,
			failedAt,
			reason,
		})
	}
	table.Render()

	printer.Info("%d quarantined event(s)\n", len(records))
	return nil
}

func runQuarantineReplay(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bus.Backend != "stream" {
		return printer.Error(
			"instance does not use the durable stream bus",
			"Replay republishes into the shared event stream; the memory bus lives inside the dreyd process.",
			[]string{"Set bus.backend: stream in drey.yml and restart dreyd"},
		)
	}

	rdb, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	q, err := quarantine.NewStore(rdb, cfg.Instance)
	if err != nil {
		return err
	}
	b, err := bus.NewStreamBus(rdb, cfg.Instance, bus.StreamBusOptions{
		Group:    cfg.Bus.Stream.Group,
		Consumer: cfg.Bus.Stream.Consumer,
		MaxLen:   *cfg.Bus.Stream.MaxLen,
		Block:    time.Duration(*cfg.Bus.Stream.BlockMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	replayed, err := q.Replay(ctx, b)
	if err != nil {
		return printer.Error(
			"replay stopped",
			fmt.Sprintf("Replayed %d event(s) before a publish failed: %v", replayed, err),
			[]string{"The remaining records stay quarantined; fix the fault and replay again"},
		)
	}

	printer.Success("Replayed %d event(s)\n", replayed)
	return nil
}

func runQuarantineClear(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	q, cleanup, err := openQuarantine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	count, err := q.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count quarantine: %w", err)
	}
	if err := q.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear quarantine: %w", err)
	}

	printer.Success("Dropped %d quarantined event(s)\n", count)
	return nil
}

// shortID returns the first 8 characters of a UUID for table display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
