package config

import (
	"os"

	"github.com/malbeclabs/payouts/settlement/pkg/archive"
)

// ClickHouseConfigFromEnv reads CLICKHOUSE_* variables. ok is false when
// CLICKHOUSE_ADDR is unset, which disables the payment archive.
func ClickHouseConfigFromEnv() (cfg archive.ClientConfig, ok bool, err error) {
	cfg = archive.ClientConfig{
		Addr:     os.Getenv("CLICKHOUSE_ADDR"),
		Database: os.Getenv("CLICKHOUSE_DATABASE"),
		Username: os.Getenv("CLICKHOUSE_USERNAME"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
		Secure:   os.Getenv("CLICKHOUSE_SECURE") == "true",
	}
	if cfg.Addr == "" {
		return archive.ClientConfig{}, false, nil
	}
	if err := cfg.Validate(); err != nil {
		return archive.ClientConfig{}, false, err
	}
	return cfg, true, nil
}
