package commands

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/config"
	"github.com/dyluth/drey/internal/printer"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drey",
	Short: "Drey - Write-consistency pipeline for digital twin documents",
	Long: `Drey keeps a document repository, a shared cache and per-process near
caches consistent under concurrent writes.

Document change events flow through an ordered event bus into a single
writer per partition, which applies the repository write, the cache
update and the cross-process invalidation broadcast in a fixed order.
The drey CLI inspects and operates a running pipeline.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// If no subcommand is specified, show help
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "drey.yml", "Path to the drey.yml configuration")
}

// loadConfig reads the configuration named by --config.
func loadConfig() (*config.DreyConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"failed to load configuration",
			err.Error(),
			[]string{fmt.Sprintf("Check the file at %s, or point --config at a valid drey.yml", configPath)},
		)
	}
	return cfg, nil
}

// connect opens a Redis client for the configured instance and verifies
// connectivity. The caller owns the returned client.
func connect(ctx context.Context, cfg *config.DreyConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s: %v", cfg.Redis.URL, err),
			[]string{"Check that Redis is running and that redis.url in drey.yml is correct"},
		)
	}
	return rdb, nil
}
