package main

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"raffleBridge/internal/bridge"
	"raffleBridge/internal/ledger"
	"raffleBridge/internal/network"
)

func newFeeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fee <source> <destination> <amount>",
		Short: "Quote the bridge fee for a transfer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			src, dst, amount, err := s.route(args)
			if err != nil {
				return err
			}
			quote, err := s.env.Bridge.EstimateFee(s.ctx, src.ID, dst.ID, amount)
			if err != nil {
				return err
			}
			return s.print(map[string]interface{}{
				"source":      src.Name,
				"destination": dst.Name,
				"amount":      bridge.FormatAmount(amount, src.TokenDecimals),
				"quote":       quote,
			})
		},
	}
}

func newTransferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfer <source> <destination> <amount>",
		Short: "Bridge tokens to another network",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd, true)
			if err != nil {
				return err
			}
			defer s.Close()

			src, dst, amount, err := s.route(args)
			if err != nil {
				return err
			}
			t, err := s.env.Bridge.Transfer(s.ctx, src.ID, dst.ID, amount)
			if t.ID != "" {
				if perr := s.print(t); perr != nil {
					return perr
				}
				if t.TxHash != "" {
					s.logger.Info("transfer submitted", zap.String("explorer", explorerURL(src, t.TxHash)))
				}
			}
			return s.finish("bridge transfer", err)
		},
	}
	cmd.Flags().String("approval-amount", "", "token approval in base units (default: unlimited)")
	return cmd
}

func newTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers",
		Short: "List recorded bridge transfers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			status, _ := cmd.Flags().GetString("status")
			out := make([]ledger.BridgeTransfer, 0)
			for _, t := range s.env.Ledger.List() {
				if status == "" || string(t.Status) == status {
					out = append(out, t)
				}
			}
			return s.print(out)
		},
	}
	cmd.Flags().String("status", "", "filter by status (pending, success, failed)")
	return cmd
}

func newTrackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Settle pending transfers from on-chain receipts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := open(cmd, false)
			if err != nil {
				return err
			}
			defer s.Close()

			settled, err := s.env.Resume(s.ctx)
			if err != nil {
				s.logger.Warn("resume pending transfers", zap.Error(err))
			}
			s.logger.Info("pending transfers checked", zap.Int("settled", settled), zap.Int("pending", len(s.env.Ledger.Pending())))

			if once, _ := cmd.Flags().GetBool("once"); once {
				return nil
			}
			return ignoreCanceled(s.env.Tracker.Run(s.ctx))
		},
	}
	cmd.Flags().Bool("once", false, "check once and exit")
	cmd.Flags().Duration("track-interval", ledger.DefaultTrackInterval, "interval between receipt checks")
	return cmd
}

func newPoolCmd() *cobra.Command {
	pool := &cobra.Command{
		Use:   "pool",
		Short: "Inspect or fund a bridge liquidity pool",
	}

	pool.AddCommand(&cobra.Command{
		Use:   "balance <network>",
		Short: "Show the pool balance",
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
			balance, err := s.env.Bridge.PoolBalance(s.ctx, cfg.ID, true)
			if err != nil {
				return err
			}
			return s.print(map[string]string{
				"network": cfg.Name,
				"balance": bridge.FormatAmount(balance, cfg.TokenDecimals),
			})
		},
	})

	fund := func(use, short string, initialize bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <network> <amount>",
			Short: short,
			Args:  cobra.ExactArgs(2),
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
				amount, err := bridge.ParseAmount(args[1], cfg.TokenDecimals)
				if err != nil {
					return err
				}
				submit := s.env.Bridge.ReplenishPool
				if initialize {
					submit = s.env.Bridge.InitializePool
				}
				res, err := submit(s.ctx, cfg.ID, amount)
				if err != nil {
					return s.finish(use+" pool", err)
				}
				return s.print(res)
			},
		}
	}
	pool.AddCommand(
		fund("init", "Initialize the pool with liquidity", true),
		fund("replenish", "Add liquidity to the pool", false),
	)
	return pool
}

func (s *session) route(args []string) (network.Config, network.Config, *big.Int, error) {
	src, err := s.network(args[0])
	if err != nil {
		return network.Config{}, network.Config{}, nil, err
	}
	dst, err := s.network(args[1])
	if err != nil {
		return network.Config{}, network.Config{}, nil, err
	}
	amount, err := bridge.ParseAmount(args[2], src.TokenDecimals)
	if err != nil {
		return network.Config{}, network.Config{}, nil, fmt.Errorf("amount: %w", err)
	}
	return src, dst, amount, nil
}

func explorerURL(cfg network.Config, txHash string) string {
	return cfg.TxURL(common.HexToHash(txHash))
}
