package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sandboxsweep.io/internal/persistence/indexdb"
)

// openIndex opens the pass index selected by SW_INDEX_BACKEND (sqlite by default).
func openIndex(dataDir string, disableDB bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}

	backend := strings.ToLower(strings.TrimSpace(os.Getenv("SW_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		path := strings.TrimSpace(os.Getenv("SW_INDEX_PATH"))
		if path == "" {
			path = filepath.Join(dataDir, "index", "passes.sqlite")
		}
		return indexdb.OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unsupported SW_INDEX_BACKEND: %s", backend)
	}
}
