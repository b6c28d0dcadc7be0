package main

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"raffleBridge/internal/api"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the snapshot refresher and transfer tracker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			if settled, err := s.env.Resume(s.ctx); err != nil {
				s.logger.Warn("resume pending transfers", zap.Error(err))
			} else if settled > 0 {
				s.logger.Info("pending transfers settled on startup", zap.Int("settled", settled))
			}

			listen := s.env.Config.Listen
			g, ctx := errgroup.WithContext(s.ctx)
			g.Go(func() error {
				return api.NewServer(s.env, s.logger.Named("api")).ListenAndServe(ctx, listen)
			})
			g.Go(func() error {
				return s.env.Run(ctx)
			})
			return ignoreCanceled(g.Wait())
		},
	}
	cmd.Flags().String("listen", ":8080", "HTTP listen address")
	cmd.Flags().Duration("refresh-interval", 30*time.Second, "snapshot refresh interval")
	return cmd
}
