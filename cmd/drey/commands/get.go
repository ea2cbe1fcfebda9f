package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/internal/store"
	"github.com/dyluth/drey/pkg/twin"
)

var getCmd = &cobra.Command{
	Use:   "get ENTITY IDENTIFIER",
	Short: "Fetch the current document for an identifier",
	Long: `Fetch a document through the read path: shared cache first, then the
repository. Prints the payload as pretty-printed JSON with the etag.

ENTITY is one of: shell, document, element, concept.

Examples:
  # Fetch a shell by its identifier
  drey get shell SHELL-001

  # Identifiers may contain any characters
  drey get document "plant-A/line-3/report 7"`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	entity := twin.EntityKind(args[0])
	if err := entity.Validate(); err != nil {
		return printer.Error(
			"invalid entity kind",
			err.Error(),
			[]string{"Valid kinds: shell, document, element, concept"},
		)
	}
	identifier := args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rdb, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	repository, err := store.NewRedisRepository(rdb, cfg.Instance)
	if err != nil {
		return err
	}
	cache, err := store.NewRedisCache(rdb, cfg.Instance, cfg.Cache.TTL())
	if err != nil {
		return err
	}

	entry, err := store.NewReader(repository, cache, nil).Get(ctx, entity, identifier)
	if err != nil {
		if err == redis.Nil {
			return printer.Error(
				fmt.Sprintf("%s '%s' not found", entity, identifier),
				"The document exists neither in the cache nor in the repository.",
				[]string{"List what is stored:\n  drey status"},
			)
		}
		return fmt.Errorf("failed to fetch document: %w", err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, entry.Payload, "", "  "); err != nil {
		// Payload is opaque bytes; fall back to raw output.
		pretty.Write(entry.Payload)
	}

	printer.Printf("%s\n", pretty.String())
	printer.Info("etag: %s\n", entry.ETag)
	return nil
}
