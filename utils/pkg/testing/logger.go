package payoutstesting

import (
	"encoding/binary"
	"log/slog"
	"os"

	"github.com/malbeclabs/payouts/ledger/pkg/strkey"
)

func NewLogger() *slog.Logger {
	debugLevel := os.Getenv("DEBUG")
	var level slog.Level
	switch debugLevel {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	default:
		// Suppress logs by default (only show errors and above)
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Account returns a valid, deterministic G... account id for fixture n.
func Account(n int) string {
	key := make([]byte, 32)
	binary.BigEndian.PutUint64(key[24:], uint64(n))
	key[0] = 0xa5
	id, err := strkey.Encode(strkey.VersionAccountID, key)
	if err != nil {
		panic(err)
	}
	return id
}
