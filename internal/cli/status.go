package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lanternpress/membersync/internal/dlq"
	"github.com/lanternpress/membersync/internal/queue"
	"github.com/lanternpress/membersync/internal/tenant"
)

var depthCmd = &cobra.Command{
	Use:   "depth",
	Short: "Show queue and dead-letter depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := redisClient()
		if err != nil {
			return err
		}
		defer rdb.Close()

		sites, err := tenant.LoadRegistry(cfg.Sites.Path)
		if err != nil {
			return fmt.Errorf("failed to load site registry: %w", err)
		}

		ctx := context.Background()
		q := queue.New(rdb, cfg.Queue.Name, sites.IDs())
		depth, err := q.Depth(ctx)
		if err != nil {
			return fmt.Errorf("failed to read queue depth: %w", err)
		}

		deadSize, err := dlq.NewStore(rdb, cfg.Queue.Name).Size(ctx)
		if err != nil {
			return fmt.Errorf("failed to read dead-letter size: %w", err)
		}

		fmt.Printf("queue depth:       %d\n", depth)
		fmt.Printf("dead-letter size:  %d\n", deadSize)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check Redis connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		rdb, err := redisClient()
		if err != nil {
			return err
		}
		defer rdb.Close()

		if err := rdb.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
		fmt.Println("redis: healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(depthCmd, healthCmd)
}
