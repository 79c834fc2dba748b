package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lanternpress/membersync/internal/breaker"
	"github.com/lanternpress/membersync/internal/dlq"
	"github.com/lanternpress/membersync/internal/listclient"
	"github.com/lanternpress/membersync/internal/logging"
	"github.com/lanternpress/membersync/internal/processor"
	"github.com/lanternpress/membersync/internal/tenant"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Dead-letter queue operations",
	Long:  "Inspect and replay events that exhausted their retries",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseRange(cmd)
		if err != nil {
			return err
		}

		rdb, err := redisClient()
		if err != nil {
			return err
		}
		defer rdb.Close()

		store := dlq.NewStore(rdb, cfg.Queue.Name)
		entries, err := store.List(context.Background(), from, to)
		if err != nil {
			return fmt.Errorf("failed to list dead-letter entries: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("Dead-letter store is empty.")
			return nil
		}

		for _, e := range entries {
			fmt.Printf("%s  %-16s %-16s retries=%d  failed_at=%s\n",
				e.OriginalEventID,
				e.Envelope.SiteID,
				e.Envelope.EventType,
				e.Envelope.RetryCount,
				e.FailedAt.Format(time.RFC3339),
			)
			fmt.Printf("    reason: %s\n", e.FailureReason)
		}
		fmt.Printf("\n%d entries\n", len(entries))
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay dead-letter entries",
	Long: `Re-process dead-lettered events directly, bypassing the queue and its
retry/backoff machinery. Successfully replayed entries are removed from
the store unless --keep is set; failures are reported and left in place.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := parseRange(cmd)
		if err != nil {
			return err
		}
		keep, _ := cmd.Flags().GetBool("keep")

		rdb, err := redisClient()
		if err != nil {
			return err
		}
		defer rdb.Close()

		sites, err := tenant.LoadRegistry(cfg.Sites.Path)
		if err != nil {
			return fmt.Errorf("failed to load site registry: %w", err)
		}

		brk := breaker.New(rdb, cfg.Queue.Name, cfg.Breaker.Threshold, cfg.Breaker.Cooldown)
		clients := listclient.NewRegistry(sites, cfg.CampaignMonitor.BaseURL, cfg.CampaignMonitor.Timeout, brk)
		defer clients.Close()

		logger := logging.Default()
		proc := processor.New(processor.FromRegistry(clients), logger)
		store := dlq.NewStore(rdb, cfg.Queue.Name)
		replayer := dlq.NewReplayer(store, proc, logger)

		report, err := replayer.Replay(context.Background(), from, to, keep)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}

		for _, o := range report.Outcomes {
			state := "FAILED"
			if o.Success {
				state = "ok"
				if o.Removed {
					state = "ok, removed"
				}
			}
			fmt.Printf("%s  [%s]  %s\n", o.EventID, state, o.Message)
		}
		fmt.Printf("\nattempted=%d succeeded=%d failed=%d\n",
			report.Attempted, report.Succeeded, report.Failed)
		return nil
	},
}

// parseRange reads the optional --from/--to date filters.
func parseRange(cmd *cobra.Command) (from, to *time.Time, err error) {
	parse := func(flag string) (*time.Time, error) {
		v, _ := cmd.Flags().GetString(flag)
		if v == "" {
			return nil, nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if t, perr := time.Parse(layout, v); perr == nil {
				return &t, nil
			}
		}
		return nil, fmt.Errorf("invalid --%s value %q (want RFC3339 or YYYY-MM-DD)", flag, v)
	}

	if from, err = parse("from"); err != nil {
		return nil, nil, err
	}
	if to, err = parse("to"); err != nil {
		return nil, nil, err
	}
	return from, to, nil
}

func init() {
	for _, c := range []*cobra.Command{dlqListCmd, dlqReplayCmd} {
		c.Flags().String("from", "", "only entries failed at or after this time")
		c.Flags().String("to", "", "only entries failed at or before this time")
	}
	dlqReplayCmd.Flags().Bool("keep", false, "keep successfully replayed entries in the store")

	dlqCmd.AddCommand(dlqListCmd, dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}
