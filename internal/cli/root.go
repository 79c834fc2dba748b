// Package cli implements msctl, the operator CLI for the membersync
// pipeline: dead-letter inspection and replay, queue depth, and health.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/lanternpress/membersync/internal/config"
	"github.com/lanternpress/membersync/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "msctl",
	Short: "membersync operator CLI",
	Long: `msctl is the operator command-line interface for the membersync
pipeline.

Inspect and replay dead-lettered events, check queue depth, and verify
service health.`,
	Version: "0.1.0",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")
}

func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: could not load config: %v\n", err)
		os.Exit(1)
	}
	// The CLI logs warnings and errors only, in text form.
	logging.SetDefault(logging.New(slog.LevelWarn, "text"))
}

// redisClient connects to the configured Redis and verifies the
// connection.
func redisClient() (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	return redis.NewClient(opt), nil
}
