package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"pricehub/internal/worker"
)

// Duration wraps time.Duration so intervals can be written as "60s" in
// YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type StreamSource struct {
	URL string `yaml:"url"`
}

type PollSource struct {
	URL            string   `yaml:"url"`
	UpdateInterval Duration `yaml:"update_interval"`
	APIKey         string   `yaml:"api_key"`
}

// Sources lists the enabled providers. A nil entry means the worker is not
// built.
type Sources struct {
	Binance       *StreamSource `yaml:"binance"`
	Coinbase      *StreamSource `yaml:"coinbase"`
	CoinGecko     *PollSource   `yaml:"coingecko"`
	CoinMarketCap *PollSource   `yaml:"coinmarketcap"`
}

type IPFS struct {
	Endpoint     string   `yaml:"endpoint"`
	FetchTimeout Duration `yaml:"fetch_timeout"`
}

type Monitoring struct {
	Enabled           bool     `yaml:"enabled"`
	Endpoint          string   `yaml:"endpoint"`
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

type Config struct {
	APIPort               int        `yaml:"api_port"`
	DatabaseURL           string     `yaml:"database_url"`
	AdminJWTSecret        string     `yaml:"admin_jwt_secret"`
	StaleThresholdSeconds int64      `yaml:"stale_threshold_seconds"`
	VersionRequirement    string     `yaml:"registry_version_requirement"`
	IPFS                  IPFS       `yaml:"ipfs"`
	Monitoring            Monitoring `yaml:"monitoring"`
	Sources               Sources    `yaml:"sources"`
}

// Default returns the configuration used when no file is present: memory
// store, public endpoints, binance + coingecko enabled.
func Default() *Config {
	return &Config{
		APIPort:               8080,
		StaleThresholdSeconds: 300,
		VersionRequirement:    "*",
		IPFS:                  IPFS{Endpoint: "https://ipfs.io", FetchTimeout: Duration(10 * time.Second)},
		Monitoring:            Monitoring{HeartbeatInterval: Duration(time.Minute)},
		Sources: Sources{
			Binance:   &StreamSource{URL: worker.DefaultBinanceURL},
			CoinGecko: &PollSource{URL: worker.DefaultCoinGeckoURL, UpdateInterval: Duration(60 * time.Second)},
		},
	}
}

// Load reads the YAML config at path. Unknown fields are rejected so typos
// in worker opts fail loudly. Environment variables DATABASE_URL, PORT and
// ADMIN_JWT_SECRET override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(cfg)
	return cfg, nil
}

// LoadOrDefault falls back to the default configuration (plus env
// overrides) when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if os.IsNotExist(err) {
		cfg = Default()
		applyEnv(cfg)
		return cfg, nil
	}
	return cfg, err
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.APIPort)
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		cfg.AdminJWTSecret = v
	}
	if v := os.Getenv("COINMARKETCAP_API_KEY"); v != "" && cfg.Sources.CoinMarketCap != nil {
		cfg.Sources.CoinMarketCap.APIKey = v
	}
}
