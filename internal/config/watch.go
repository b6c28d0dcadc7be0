package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// WatchConfig holds configuration for the watch command.
type WatchConfig struct {
	Networks     []uint64
	Out          string
	From         uint64
	HasFrom      bool
	Window       uint64
	PollInterval time.Duration
	Once         bool
	// Labels names extra topic0 hashes that are not part of the bundled ABIs.
	Labels map[string]string
}

// LoadWatch merges config file, environment variables, and flags into WatchConfig.
func LoadWatch(cfgFile string, flags *pflag.FlagSet) (WatchConfig, error) {
	v, err := open(cfgFile, flags, func(v *viper.Viper) {
		v.SetDefault("out", "./data/events.jsonl")
		v.SetDefault("window", uint64(500))
		v.SetDefault("poll-interval", 15*time.Second)
	})
	if err != nil {
		return WatchConfig{}, err
	}

	networks, err := parseNetworks(getStringSlice(v, "watch-networks"))
	if err != nil {
		return WatchConfig{}, err
	}

	cfg := WatchConfig{
		Networks:     networks,
		Out:          v.GetString("out"),
		From:         v.GetUint64("from"),
		HasFrom:      v.IsSet("from"),
		Window:       v.GetUint64("window"),
		PollInterval: v.GetDuration("poll-interval"),
		Once:         v.GetBool("once"),
		Labels:       getStringMap(v, "topic0-labels"),
	}
	if cfg.Window == 0 {
		return WatchConfig{}, fmt.Errorf("window must be greater than zero")
	}
	return cfg, nil
}

func parseNetworks(items []string) ([]uint64, error) {
	out := make([]uint64, 0, len(items))
	for _, item := range items {
		var id uint64
		if _, err := fmt.Sscan(item, &id); err != nil {
			return nil, fmt.Errorf("invalid network id %q", item)
		}
		out = append(out, id)
	}
	return out, nil
}

func getStringMap(v *viper.Viper, key string) map[string]string {
	if !v.IsSet(key) {
		return map[string]string{}
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case map[string]string:
		return typed
	case map[string]interface{}:
		out := make(map[string]string, len(typed))
		for k, v := range typed {
			out[k] = fmt.Sprintf("%v", v)
		}
		return out
	case string:
		return parseStringMap(typed)
	default:
		return map[string]string{}
	}
}

func parseStringMap(input string) map[string]string {
	out := make(map[string]string)
	if strings.TrimSpace(input) == "" {
		return out
	}
	pairs := strings.Split(input, ",")
	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}
