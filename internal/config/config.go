package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "RAFFLE"

// Signer modes.
const (
	SignerNone     = "none"
	SignerKey      = "key"
	SignerIdentity = "identity"
)

// StoreConfig selects the key-value driver backing the ledger, session and markers.
type StoreConfig struct {
	Driver      string
	Path        string
	RedisAddr   string
	RedisPrefix string
	PostgresDSN string
}

// SignerConfig describes how the engine obtains its active signer at startup.
type SignerConfig struct {
	Mode         string
	IdentityKind string
	IdentityHint string
	// WalletKey is read from RAFFLE_WALLET_KEY only, never from files or flags.
	WalletKey   string
	Salt        int64
	SettleDelay time.Duration
}

type NotifyConfig struct {
	Driver  string
	Brokers []string
	Topic   string
	TLS     bool
	Timeout time.Duration
}

// Config holds engine configuration loaded from flags, env, or config file.
type Config struct {
	NetworksFile    string
	HomeNetwork     uint64
	Store           StoreConfig
	Signer          SignerConfig
	Notify          NotifyConfig
	RefreshInterval time.Duration
	RefreshTimeout  time.Duration
	TrackInterval   time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	WaitTimeout     time.Duration
	WaitPoll        time.Duration
	ApprovalAmount  string
	Listen          string
	LogLevel        string
}

type secrets struct {
	WalletKey string `envconfig:"WALLET_KEY"`
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v, err := open(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("home-network", uint64(43113))
		v.SetDefault("store", "file")
		v.SetDefault("store-path", "./data/raffle.json")
		v.SetDefault("redis-prefix", "raffle:")
		v.SetDefault("signer", SignerKey)
		v.SetDefault("settle-delay", 500*time.Millisecond)
		v.SetDefault("notify", "none")
		v.SetDefault("notify-topic", "raffle.events")
		v.SetDefault("notify-timeout", 5*time.Second)
		v.SetDefault("refresh-interval", 30*time.Second)
		v.SetDefault("refresh-timeout", 20*time.Second)
		v.SetDefault("track-interval", 15*time.Second)
		v.SetDefault("max-retries", 3)
		v.SetDefault("retry-backoff", 500*time.Millisecond)
		v.SetDefault("wait-timeout", 2*time.Minute)
		v.SetDefault("wait-poll", 2*time.Second)
		v.SetDefault("listen", ":8080")
		v.SetDefault("log-level", "info")
	})
	if err != nil {
		return Config{}, err
	}

	var sec secrets
	if err := envconfig.Process(envPrefix, &sec); err != nil {
		return Config{}, fmt.Errorf("read secrets: %w", err)
	}

	cfg := Config{
		NetworksFile: v.GetString("networks"),
		HomeNetwork:  v.GetUint64("home-network"),
		Store: StoreConfig{
			Driver:      strings.ToLower(strings.TrimSpace(v.GetString("store"))),
			Path:        v.GetString("store-path"),
			RedisAddr:   v.GetString("redis-addr"),
			RedisPrefix: v.GetString("redis-prefix"),
			PostgresDSN: v.GetString("pg-dsn"),
		},
		Signer: SignerConfig{
			Mode:         strings.ToLower(strings.TrimSpace(v.GetString("signer"))),
			IdentityKind: v.GetString("identity"),
			IdentityHint: v.GetString("identity-hint"),
			WalletKey:    sec.WalletKey,
			Salt:         v.GetInt64("salt"),
			SettleDelay:  v.GetDuration("settle-delay"),
		},
		Notify: NotifyConfig{
			Driver:  strings.ToLower(strings.TrimSpace(v.GetString("notify"))),
			Brokers: getStringSlice(v, "notify-brokers"),
			Topic:   v.GetString("notify-topic"),
			TLS:     v.GetBool("notify-tls"),
			Timeout: v.GetDuration("notify-timeout"),
		},
		RefreshInterval: v.GetDuration("refresh-interval"),
		RefreshTimeout:  v.GetDuration("refresh-timeout"),
		TrackInterval:   v.GetDuration("track-interval"),
		MaxRetries:      v.GetInt("max-retries"),
		RetryBackoff:    v.GetDuration("retry-backoff"),
		WaitTimeout:     v.GetDuration("wait-timeout"),
		WaitPoll:        v.GetDuration("wait-poll"),
		ApprovalAmount:  v.GetString("approval-amount"),
		Listen:          v.GetString("listen"),
		LogLevel:        v.GetString("log-level"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "memory", "file", "redis", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported store driver %q", c.Store.Driver)
	}
	switch c.Signer.Mode {
	case SignerNone, SignerKey:
	case SignerIdentity:
		if strings.TrimSpace(c.Signer.IdentityKind) == "" {
			return fmt.Errorf("identity signer requires --identity")
		}
	default:
		return fmt.Errorf("unsupported signer mode %q", c.Signer.Mode)
	}
	if c.Store.Driver == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("redis store requires redis-addr")
	}
	if c.Store.Driver == "postgres" && c.Store.PostgresDSN == "" {
		return fmt.Errorf("postgres store requires pg-dsn")
	}
	return nil
}

// open builds a viper instance bound to flags, RAFFLE_* env and the optional config file.
func open(cfgFile string, flags *pflag.FlagSet, defaults func(*viper.Viper)) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log-level", "info")
	if defaults != nil {
		defaults(v)
	}

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return v, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
