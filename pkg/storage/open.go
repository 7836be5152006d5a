package storage

import (
	"fmt"
	"os"
)

// Open creates the store selected by driver ("bolt" or "sqlite") under dataDir
func Open(driver, dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	switch driver {
	case "", "bolt":
		return NewBoltStore(dataDir)
	case "sqlite":
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
