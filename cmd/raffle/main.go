package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"raffleBridge/internal/config"
	"raffleBridge/internal/engine"
	"raffleBridge/internal/failure"
	"raffleBridge/internal/network"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "raffle",
		Short:        "Multi-network raffle and token bridge client",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("networks", "", "network registry YAML (defaults are built in)")
	flags.Uint64("home-network", 43113, "network used to derive the abstracted account")
	flags.String("store", "file", "state store driver (memory, file, redis, postgres, sqlite)")
	flags.String("store-path", "./data/raffle.json", "state file for the file and sqlite drivers")
	flags.String("redis-addr", "", "redis address for the redis driver")
	flags.String("pg-dsn", "", "Postgres DSN for the postgres driver")
	flags.String("signer", config.SignerKey, "signer mode (key, identity, none); key reads RAFFLE_WALLET_KEY")
	flags.String("identity", "", "identity provider kind for the identity signer")
	flags.String("identity-hint", "", "login hint passed to the identity provider")
	flags.String("notify", "none", "status event driver (kafka, stdio, none)")
	flags.StringSlice("notify-brokers", nil, "kafka brokers (comma-separated)")
	flags.String("notify-topic", "raffle.events", "kafka topic for status events")
	flags.Duration("wait-timeout", 2*time.Minute, "how long to wait for confirmation in-call")
	flags.Int("max-retries", 3, "maximum attempts when building account clients")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newFeeCmd(),
		newTransferCmd(),
		newTransfersCmd(),
		newTrackCmd(),
		newUpkeepCmd(),
		newEnterCmd(),
		newCancelCmd(),
		newSnapshotCmd(),
		newWatchCmd(),
		newPoolCmd(),
		newSignerCmd(),
	)
	return root
}

// session is an engine opened for one command invocation.
type session struct {
	ctx    context.Context
	env    *engine.Env
	logger *zap.Logger
	out    io.Writer
	stop   context.CancelFunc
}

func (s *session) Close() {
	if err := s.env.Close(); err != nil {
		s.logger.Warn("close engine", zap.Error(err))
	}
	s.stop()
	_ = s.logger.Sync()
}

// open loads configuration and builds the engine. withSigner connects the
// configured signer before returning.
func open(cmd *cobra.Command, withSigner bool) (*session, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	env, err := engine.New(ctx, cfg, logger)
	if err != nil {
		stop()
		return nil, err
	}
	s := &session{ctx: ctx, env: env, logger: logger, out: cmd.OutOrStdout(), stop: stop}

	if withSigner {
		active, err := env.ConnectSigner(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("connect signer: %w", err)
		}
		if active != nil {
			logger.Info("signer ready", zap.String("kind", string(active.Kind())), zap.String("address", active.Address().Hex()))
		}
	}
	return s, nil
}

func (s *session) network(input string) (network.Config, error) {
	return s.env.Registry.Lookup(input)
}

func (s *session) print(v interface{}) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// finish swallows a user-declined failure after logging it.
func (s *session) finish(op string, err error) error {
	if err == nil {
		return nil
	}
	if failure.Is(err, failure.UserDeclined) {
		s.logger.Info(op+" declined by user", zap.Error(err))
		return nil
	}
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
