package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/bus"
	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/twin"
)

var (
	publishKind        string
	publishPayloadFile string
	publishETag        string
)

var publishCmd = &cobra.Command{
	Use:   "publish ENTITY IDENTIFIER",
	Short: "Publish a document change event to the durable stream",
	Long: `Publish a document change event into the instance's durable event
stream, where the running dreyd writer consumes it.

Requires bus.backend: stream - with the in-process memory bus there is
no shared queue an external publisher could append to.

ENTITY is one of: shell, document, element, concept.

Examples:
  # Upsert a shell from a payload file
  drey publish shell SHELL-001 --payload hull.json --etag v42

  # Delete a document (no payload)
  drey publish document plant-A/report-7 --kind deleted`,
	Args: cobra.ExactArgs(2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&publishKind, "kind", "k", "updated", "Event kind: created, updated or deleted")
	publishCmd.Flags().StringVarP(&publishPayloadFile, "payload", "p", "", "Path to the full document payload (required unless kind=deleted)")
	publishCmd.Flags().StringVarP(&publishETag, "etag", "e", "", "Version tag of this document revision")
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	entity := twin.EntityKind(args[0])
	if err := entity.Validate(); err != nil {
		return printer.Error(
			"invalid entity kind",
			err.Error(),
			[]string{"Valid kinds: shell, document, element, concept"},
		)
	}
	kind := twin.EventKind(publishKind)
	if err := kind.Validate(); err != nil {
		return printer.Error(
			"invalid event kind",
			err.Error(),
			[]string{"Valid kinds: created, updated, deleted"},
		)
	}
	identifier := args[1]

	var payload []byte
	if kind != twin.EventDeleted {
		if publishPayloadFile == "" {
			return printer.Error(
				"payload is required",
				fmt.Sprintf("A %s event carries the full document payload.", kind),
				[]string{"Pass the document:\n  drey publish " + string(entity) + " " + identifier + " --payload doc.json"},
			)
		}
		var err error
		payload, err = os.ReadFile(publishPayloadFile)
		if err != nil {
			return fmt.Errorf("failed to read payload file: %w", err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Bus.Backend != "stream" {
		return printer.Error(
			"instance does not use the durable stream bus",
			"External publishing needs a shared queue; the memory bus lives inside the dreyd process.",
			[]string{"Set bus.backend: stream in drey.yml and restart dreyd"},
		)
	}

	rdb, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	b, err := bus.NewStreamBus(rdb, cfg.Instance, bus.StreamBusOptions{
		Group:    cfg.Bus.Stream.Group,
		Consumer: cfg.Bus.Stream.Consumer,
		MaxLen:   *cfg.Bus.Stream.MaxLen,
		Block:    time.Duration(*cfg.Bus.Stream.BlockMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	event := twin.NewEvent(entity, kind, identifier, payload, publishETag)
	if err := b.Publish(ctx, event); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	printer.Success("Published %s %s event for '%s' (event %s)\n", entity, kind, identifier, event.EventID)
	return nil
}
