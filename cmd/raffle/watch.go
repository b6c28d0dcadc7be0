package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raffleBridge/internal/config"
	"raffleBridge/internal/indexer"
	"raffleBridge/internal/pipeline"
	"raffleBridge/internal/storage"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream lottery and bridge contract events to a JSONL file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgFile, _ := cmd.Flags().GetString("config")
			wcfg, err := config.LoadWatch(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			labels, err := indexer.ParseLabels(wcfg.Labels)
			if err != nil {
				return err
			}

			s, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			networks := wcfg.Networks
			if len(networks) == 0 {
				networks = s.env.Registry.IDs()
			}
			sink := storage.NewJsonlStorage(wcfg.Out)
			retry := pipeline.RetryPolicy{MaxAttempts: s.env.Config.MaxRetries, Backoff: s.env.Config.RetryBackoff}

			g, ctx := errgroup.WithContext(s.ctx)
			for _, id := range networks {
				runner := indexer.NewRunner(indexer.RunConfig{
					Network:      id,
					FromBlock:    wcfg.From,
					HasFrom:      wcfg.HasFrom,
					Window:       wcfg.Window,
					PollInterval: wcfg.PollInterval,
					Labels:       labels,
					Retry:        retry,
				}, s.env.Registry, s.env.Chains, s.env.Markers, sink, s.logger.Named("watch"))

				id := id
				g.Go(func() error {
					if wcfg.Once {
						n, err := runner.Sync(ctx)
						if err != nil {
							return err
						}
						s.logger.Info("watch sync complete", zap.Uint64("network", id), zap.Int("records", n))
						return nil
					}
					return runner.Follow(ctx)
				})
			}
			return ignoreCanceled(g.Wait())
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("watch-networks", nil, "network ids to watch (default: all)")
	flags.String("out", "./data/events.jsonl", "JSONL output path")
	flags.Uint64("from", 0, "start block (overrides the stored marker)")
	flags.Uint64("window", 500, "max block range per log query")
	flags.Duration("poll-interval", 15*time.Second, "head polling interval")
	flags.Bool("once", false, "sync to the current head and exit")
	flags.StringToString("topic0-labels", nil, "extra topic0 labels (topic0=Name)")
	return cmd
}
