package main

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"raffleBridge/internal/lottery"
)

func newUpkeepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upkeep <network>",
		Short: "Trigger the lottery upkeep when it is eligible",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			check, _ := cmd.Flags().GetBool("check")
			s, err := open(cmd, !check)
			if err != nil {
				return err
			}
			defer s.Close()

			cfg, err := s.network(args[0])
			if err != nil {
				return err
			}
			if check {
				eligible, err := s.env.Upkeep.CheckEligible(s.ctx, cfg.ID)
				if err != nil {
					return err
				}
				return s.print(map[string]interface{}{"network": cfg.ID, "eligible": eligible})
			}
			res, err := s.env.Upkeep.Trigger(s.ctx, cfg.ID)
			if err != nil {
				return s.finish("trigger upkeep", err)
			}
			return s.print(res)
		},
	}
	cmd.Flags().Bool("check", false, "only report eligibility")
	return cmd
}

func newEnterCmd() *cobra.Command {
	return entryCmd("enter", "Enter the raffle with the connected signer", func(s *session, id uint64) (lottery.Result, error) {
		return s.env.Entries.Enter(s.ctx, id)
	})
}

func newCancelCmd() *cobra.Command {
	return entryCmd("cancel", "Withdraw the connected signer's raffle entry", func(s *session, id uint64) (lottery.Result, error) {
		return s.env.Entries.Cancel(s.ctx, id)
	})
}

func entryCmd(use, short string, run func(*session, uint64) (lottery.Result, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <network>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			cfg, err := s.network(args[0])
			if err != nil {
				return err
			}
			res, err := run(s, cfg.ID)
			if err != nil {
				return s.finish(use+" raffle", err)
			}
			s.env.PublishEntry(s.ctx, res)
			if res.TxHash != (common.Hash{}) {
				s.logger.Info(use+" submitted", zap.String("explorer", cfg.TxURL(res.TxHash)))
			}
			return s.print(res)
		},
	}
}

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <network>",
		Short: "Read the lottery, pool, and account state of a network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			cfg, err := s.network(args[0])
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")
			snap, err := s.env.Reader.Snapshot(s.ctx, cfg.ID, force)
			if err != nil {
				return err
			}
			return s.print(snap)
		},
	}
	cmd.Flags().Bool("force", false, "bypass cached reads")
	return cmd
}
