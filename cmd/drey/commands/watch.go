package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/twin"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream document change notifications in real time",
	Long: `Stream the instance's document change notifications as the writer
applies them.

Output Formats:
  default - Human-readable output with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch all changes
  drey watch

  # Export changes as JSONL
  drey watch --output=json > changes.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// One pattern covers the notification channels of all entity kinds.
	pattern := fmt.Sprintf("drey:%s:notify:*", cfg.Instance)
	pubsub := rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", pattern, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
		pubsub.Close()
	}()

	printer.Info("Watching document changes for instance '%s' (Ctrl+C to stop)\n", cfg.Instance)

	for msg := range pubsub.Channel() {
		if watchOutputFormat == "json" {
			fmt.Println(msg.Payload)
			continue
		}

		var event twin.Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			printer.Warning("Skipping unparseable notification: %v\n", err)
			continue
		}

		ts := time.UnixMilli(event.CreatedAtMs).Format("15:04:05")
		printer.Printf("[%s] %-7s %-8s %s (etag %s)\n", ts, event.Kind, event.Entity, event.Identifier, event.ETag)
	}

	return nil
}
