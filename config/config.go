package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// Config aggregates every tunable the service reads at startup. Secrets
// (database DSN, ledger signing key) come from the environment so the TOML
// file can be committed.
type Config struct {
	Server      ServerConfig
	Arbitration ArbitrationConfig
	Ledger      LedgerConfig
	Redis       RedisConfig
}

type ServerConfig struct {
	Addr      string
	JWTSecret string
}

// ArbitrationConfig holds the dispute-protocol timing knobs.
type ArbitrationConfig struct {
	EvidenceWindow time.Duration
	VoteWindow     time.Duration
	SweepInterval  time.Duration
}

type LedgerConfig struct {
	NodeURL         string
	APIKey          string
	ContractAddress string
	PrivateKeyHex   string
	MaxGasAmount    uint64
	GasUnitPrice    uint64
	PollAttempts    int
	PollDelay       time.Duration
}

type RedisConfig struct {
	Addr    string
	Channel string
}

// fileConfig mirrors the TOML layout. Durations are expressed in seconds to
// keep the file free of unit suffixes.
type fileConfig struct {
	Server struct {
		Addr string
	}
	Arbitration struct {
		EvidenceWindowSeconds int64
		VoteWindowSeconds     int64
		SweepIntervalSeconds  int64
	}
	Ledger struct {
		NodeURL          string
		ContractAddress  string
		MaxGasAmount     uint64
		GasUnitPrice     uint64
		PollAttempts     int
		PollDelaySeconds int64
	}
	Redis struct {
		Addr    string
		Channel string
	}
}

// Load reads the TOML file at path and merges environment overrides.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	var raw fileConfig
	if err := toml.NewDecoder(f).Decode(&raw); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}

	cfg := Config{
		Server: ServerConfig{
			Addr:      raw.Server.Addr,
			JWTSecret: os.Getenv("JWT_SECRET"),
		},
		Arbitration: ArbitrationConfig{
			EvidenceWindow: time.Duration(raw.Arbitration.EvidenceWindowSeconds) * time.Second,
			VoteWindow:     time.Duration(raw.Arbitration.VoteWindowSeconds) * time.Second,
			SweepInterval:  time.Duration(raw.Arbitration.SweepIntervalSeconds) * time.Second,
		},
		Ledger: LedgerConfig{
			NodeURL:         raw.Ledger.NodeURL,
			APIKey:          os.Getenv("LEDGER_API_KEY"),
			ContractAddress: raw.Ledger.ContractAddress,
			PrivateKeyHex:   os.Getenv("LEDGER_PRIVATE_KEY"),
			MaxGasAmount:    raw.Ledger.MaxGasAmount,
			GasUnitPrice:    raw.Ledger.GasUnitPrice,
			PollAttempts:    raw.Ledger.PollAttempts,
			PollDelay:       time.Duration(raw.Ledger.PollDelaySeconds) * time.Second,
		},
		Redis: RedisConfig{
			Addr:    raw.Redis.Addr,
			Channel: raw.Redis.Channel,
		},
	}

	applyDefaults(&cfg)
	return cfg, nil
}

// Default returns a configuration usable without a file, e.g. in tests.
func Default() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Arbitration.EvidenceWindow <= 0 {
		cfg.Arbitration.EvidenceWindow = 48 * time.Hour
	}
	if cfg.Arbitration.VoteWindow <= 0 {
		cfg.Arbitration.VoteWindow = 48 * time.Hour
	}
	if cfg.Arbitration.SweepInterval <= 0 {
		cfg.Arbitration.SweepInterval = 5 * time.Minute
	}
	if cfg.Ledger.MaxGasAmount == 0 {
		cfg.Ledger.MaxGasAmount = 200000
	}
	if cfg.Ledger.GasUnitPrice == 0 {
		cfg.Ledger.GasUnitPrice = 100
	}
	if cfg.Ledger.PollAttempts <= 0 {
		cfg.Ledger.PollAttempts = 30
	}
	if cfg.Ledger.PollDelay <= 0 {
		cfg.Ledger.PollDelay = time.Second
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "caseflow:events"
	}
}
