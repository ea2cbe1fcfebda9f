package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/quarantine"
	"github.com/dyluth/drey/pkg/twin"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline state for the configured instance",
	Long: `Show the configured instance's pipeline state: event backlog,
quarantine depth and stored document counts per entity kind.

Examples:
  # Status of the instance in ./drey.yml
  drey status

  # Status of another deployment
  drey status --config /etc/drey/prod.yml`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadConfig()
	if err != nil {
		return err
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
	quarantined, err := q.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count quarantined events: %w", err)
	}

	backlog := "n/a (memory bus is in-process)"
	if cfg.Bus.Backend == "stream" {
		n, err := rdb.XLen(ctx, twin.EventStream(cfg.Instance)).Result()
		if err != nil {
			return fmt.Errorf("failed to read event stream length: %w", err)
		}
		backlog = fmt.Sprintf("%d entries in stream", n)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{"Field", "Value"})
	table.Append([]string{"Instance", cfg.Instance})
	table.Append([]string{"Redis", cfg.Redis.URL})
	table.Append([]string{"Bus backend", cfg.Bus.Backend})
	table.Append([]string{"Writer mode", cfg.Writer.Mode})
	table.Append([]string{"Partitions", fmt.Sprintf("%d", *cfg.Writer.Partitions)})
	table.Append([]string{"Event backlog", backlog})
	table.Append([]string{"Quarantined", fmt.Sprintf("%d", quarantined)})

	for _, entity := range []twin.EntityKind{twin.EntityShell, twin.EntityDocument, twin.EntityElement, twin.EntityConcept} {
		count, err := countDocuments(ctx, rdb, cfg.Instance, entity)
		if err != nil {
			return err
		}
		table.Append([]string{fmt.Sprintf("Documents (%s)", entity), fmt.Sprintf("%d", count)})
	}

	table.Render()
	return nil
}

// countDocuments scans the instance's document keys for one entity kind.
func countDocuments(ctx context.Context, rdb *redis.Client, instance string, entity twin.EntityKind) (int64, error) {
	pattern := twin.DocumentKey(instance, entity, "*")

	var total int64
	var cursor uint64
	for {
		keys, next, err := rdb.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan document keys: %w", err)
		}
		total += int64(len(keys))
		if next == 0 {
			return total, nil
		}
		cursor = next
	}
}
