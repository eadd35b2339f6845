package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hozunlee/bit-moon/internal/models"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Load reads the JSON config file at path, fills in defaults and validates
// the result. Workers only start on a fully valid configuration.
func Load(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *models.Config) {
	if cfg.AppMode == "" {
		cfg.AppMode = "TEST"
	}
	if cfg.CheckIntervalSec == 0 {
		cfg.CheckIntervalSec = 10
	}
	if cfg.SnapshotIntervalSec == 0 {
		cfg.SnapshotIntervalSec = 120
	}
	if cfg.ErrorBackoffSec == 0 {
		cfg.ErrorBackoffSec = 60
	}
	if cfg.OrderWaitSec == 0 {
		cfg.OrderWaitSec = 2
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = 0.0005
	}
	if cfg.PaperKRWBalance == 0 {
		cfg.PaperKRWBalance = 1_000_000
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.upbit.com"
	}
	if cfg.WSURL == "" {
		cfg.WSURL = "wss://api.upbit.com/websocket/v1"
	}
	if cfg.Database.Driver == "" {
		if cfg.AppMode == "PRODUCTION" {
			cfg.Database.Driver = "postgres"
		} else {
			cfg.Database.Driver = "sqlite3"
		}
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite3" {
		cfg.Database.DSN = "bit-moon.db"
	}
	if cfg.Dashboard.ListenAddr == "" {
		cfg.Dashboard.ListenAddr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "console"
	}
}
