package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Source values select the query-layer implementation.
const (
	SourceSubgraph = "subgraph"
	SourcePostgres = "postgres"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL            string
	ChainID           uint64
	Pool              string
	Source            string
	SubgraphURL       string
	SubgraphEndpoints map[uint64]string
	SubgraphAPIKey    string
	PGDSN             string
	PollInterval      time.Duration
	DedupeInterval    time.Duration
	RevalidateOnFocus bool
	MaxRetries        int
	RetryBackoff      time.Duration
	Out               string
	MetricsAddr       string
	LogLevel          string
}

// Load merges .env, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	// a missing .env is not an error
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("POOLSCOPE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("source", SourceSubgraph)
	v.SetDefault("poll-interval", 15*time.Second)
	v.SetDefault("dedupe-interval", 2*time.Second)
	v.SetDefault("revalidate-on-focus", false)
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("poolscope")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	endpoints, err := parseEndpoints(getStringMap(v, "subgraph-endpoints"))
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		RPCURL:            v.GetString("rpc"),
		ChainID:           v.GetUint64("chain-id"),
		Pool:              strings.TrimSpace(v.GetString("pool")),
		Source:            strings.ToLower(v.GetString("source")),
		SubgraphURL:       v.GetString("subgraph-url"),
		SubgraphEndpoints: endpoints,
		SubgraphAPIKey:    v.GetString("subgraph-api-key"),
		PGDSN:             v.GetString("pg-dsn"),
		PollInterval:      v.GetDuration("poll-interval"),
		DedupeInterval:    v.GetDuration("dedupe-interval"),
		RevalidateOnFocus: v.GetBool("revalidate-on-focus"),
		MaxRetries:        v.GetInt("max-retries"),
		RetryBackoff:      v.GetDuration("retry-backoff"),
		Out:               v.GetString("out"),
		MetricsAddr:       v.GetString("metrics-addr"),
		LogLevel:          v.GetString("log-level"),
	}

	if cfg.SubgraphURL != "" && cfg.ChainID != 0 {
		if _, ok := cfg.SubgraphEndpoints[cfg.ChainID]; !ok {
			cfg.SubgraphEndpoints[cfg.ChainID] = cfg.SubgraphURL
		}
	}

	return cfg, nil
}

// Validate checks the settings every command needs.
func (c Config) Validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}
	if c.Pool == "" {
		return fmt.Errorf("pool address is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	switch c.Source {
	case SourceSubgraph:
		if c.SubgraphEndpoints[c.ChainID] == "" {
			return fmt.Errorf("subgraph url is required for chain %d", c.ChainID)
		}
	case SourcePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("pg dsn is required")
		}
	default:
		return fmt.Errorf("unknown source %q", c.Source)
	}
	if c.PollInterval < 0 || c.DedupeInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	return nil
}

func parseEndpoints(raw map[string]string) (map[uint64]string, error) {
	out := make(map[uint64]string, len(raw))
	for key, url := range raw {
		chainID, err := strconv.ParseUint(strings.TrimSpace(key), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chain id in subgraph-endpoints: %s", key)
		}
		out[chainID] = url
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
