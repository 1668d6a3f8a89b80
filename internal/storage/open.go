package storage

import (
	"errors"
	"strings"

	"cadence/internal/crypto"
	"cadence/pkg/logx"
)

// Open initializes the configured store. codec seals account credentials;
// nil stores them as plaintext.
func Open(cfg Config, codec crypto.Codec, log logx.Logger) (Store, error) {
	if codec == nil {
		codec = crypto.Plaintext{}
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, codec, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
