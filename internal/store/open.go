package store

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/config"
)

// Open returns the store selected by database.type.
func Open(cfg *config.AppConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Database.Type)) {
	case "", "bolt", "bbolt":
		return OpenBolt(cfg.GetBoltPath())
	case "postgres", "postgresql":
		return OpenPostgres(cfg.Database)
	default:
		return nil, errors.Errorf("unsupported database type %q", cfg.Database.Type)
	}
}
