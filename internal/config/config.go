// Package config loads process configuration from the environment, with an
// optional YAML symbols file. The environment is authoritative: anything set
// there wins over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigurationError makes startup fail with exit code 2.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return "configuration: " + e.Msg }

// Config is the resolved process configuration.
type Config struct {
	BrokerURL  string
	LogLevel   string
	ListenAddr string

	// Symbols per venue, canonical form (upper-case, no separator).
	Symbols map[string][]string

	// TickSizes overrides the built-in tick table, keyed by symbol.
	TickSizes map[string]float64

	HeatmapBinMult float64
	FootprintBarMS int64
	IcebergK       float64
	IcebergR       int
	WallX          float64
	WallT1         time.Duration
	SpoofT2        time.Duration
}

// symbolsFile is the YAML shape of SYMBOLS_FILE.
type symbolsFile struct {
	Bybit     []string           `yaml:"bybit"`
	Binance   []string           `yaml:"binance"`
	OKX       []string           `yaml:"okx"`
	TickSizes map[string]float64 `yaml:"tick_sizes"`
}

// Load resolves the configuration. BROKER_URL is the only hard requirement.
func Load() (*Config, error) {
	cfg := &Config{
		BrokerURL:  os.Getenv("BROKER_URL"),
		LogLevel:   envOr("LOG_LEVEL", "info"),
		ListenAddr: envOr("LISTEN_ADDR", ":8000"),
		Symbols:    map[string][]string{},
		TickSizes:  map[string]float64{},
	}
	if cfg.BrokerURL == "" {
		return nil, &ConfigurationError{Msg: "BROKER_URL is required"}
	}

	if path := os.Getenv("SYMBOLS_FILE"); path != "" {
		if err := cfg.loadSymbolsFile(path); err != nil {
			return nil, err
		}
	}
	for venue, env := range map[string]string{
		"bybit":   "SYMBOLS_BYBIT",
		"binance": "SYMBOLS_BINANCE",
		"okx":     "SYMBOLS_OKX",
	} {
		if raw := os.Getenv(env); raw != "" {
			cfg.Symbols[venue] = splitSymbols(raw)
		}
	}

	var err error
	if cfg.HeatmapBinMult, err = envFloat("HEATMAP_BIN_MULT", 1); err != nil {
		return nil, err
	}
	if cfg.FootprintBarMS, err = envInt64("FOOTPRINT_BAR_MS", 60_000); err != nil {
		return nil, err
	}
	if cfg.IcebergK, err = envFloat("ICEBERG_K", 5); err != nil {
		return nil, err
	}
	r, err := envInt64("ICEBERG_R", 3)
	if err != nil {
		return nil, err
	}
	cfg.IcebergR = int(r)
	if cfg.WallX, err = envFloat("WALL_X", 10); err != nil {
		return nil, err
	}
	t1, err := envInt64("WALL_T1_MS", 5_000)
	if err != nil {
		return nil, err
	}
	cfg.WallT1 = time.Duration(t1) * time.Millisecond
	t2, err := envInt64("SPOOF_T2_MS", 1_000)
	if err != nil {
		return nil, err
	}
	cfg.SpoofT2 = time.Duration(t2) * time.Millisecond

	if cfg.HeatmapBinMult <= 0 {
		return nil, &ConfigurationError{Msg: "HEATMAP_BIN_MULT must be positive"}
	}
	if cfg.FootprintBarMS <= 0 {
		return nil, &ConfigurationError{Msg: "FOOTPRINT_BAR_MS must be positive"}
	}
	return cfg, nil
}

func (c *Config) loadSymbolsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("read %s: %v", path, err)}
	}
	var f symbolsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return &ConfigurationError{Msg: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if len(f.Bybit) > 0 {
		c.Symbols["bybit"] = normalize(f.Bybit)
	}
	if len(f.Binance) > 0 {
		c.Symbols["binance"] = normalize(f.Binance)
	}
	if len(f.OKX) > 0 {
		c.Symbols["okx"] = normalize(f.OKX)
	}
	for sym, tick := range f.TickSizes {
		if tick > 0 {
			c.TickSizes[strings.ToUpper(sym)] = tick
		}
	}
	return nil
}

func splitSymbols(raw string) []string {
	return normalize(strings.Split(raw, ","))
}

func normalize(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envFloat(name string, def float64) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ConfigurationError{Msg: fmt.Sprintf("%s: %v", name, err)}
	}
	return v, nil
}

func envInt64(name string, def int64) (int64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &ConfigurationError{Msg: fmt.Sprintf("%s: %v", name, err)}
	}
	return v, nil
}
