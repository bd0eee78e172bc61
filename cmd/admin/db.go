package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sandboxsweep.io/internal/persistence/indexdb"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	id := fs.String("id", "", "identity id or client id (identity query)")
	_ = fs.Parse(args)

	q := "passes"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "passes.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch q {
	case "passes":
		rows, err := idx.RecentPasses(ctx, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(rows)
	case "identity":
		if strings.TrimSpace(*id) == "" {
			fmt.Fprintln(os.Stderr, "missing -id")
			os.Exit(2)
		}
		rows, err := idx.IdentityHistory(ctx, strings.TrimSpace(*id))
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		printJSON(rows)
	default:
		fmt.Fprintf(os.Stderr, "unknown query %q (want passes|identity)\n", q)
		os.Exit(2)
	}
}
