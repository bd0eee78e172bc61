package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"sandboxsweep.io/internal/reconcile"
)

// SQLiteIndex is a queryable history of passes. The JSONL report log stays the source of truth;
// rows are written asynchronously and dropped when the writer falls behind.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropPassTotal    atomic.Uint64
	writtenPassTotal atomic.Uint64
	failedPassTotal  atomic.Uint64
}

type req struct {
	report reconcile.Report
	done   chan struct{}
}

type Stats struct {
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	DropPassTotal    uint64 `json:"drop_pass_total"`
	WrittenPassTotal uint64 `json:"written_pass_total"`
	FailedPassTotal  uint64 `json:"failed_pass_total"`
}

type PassRow struct {
	PassID     string            `json:"pass_id"`
	StartedAt  string            `json:"started_at"`
	FinishedAt string            `json:"finished_at"`
	Outcome    reconcile.Outcome `json:"outcome"`
	Error      string            `json:"error,omitempty"`
	DryRun     bool              `json:"dry_run"`
	Identities int               `json:"identities"`
	Removed    int               `json:"removed"`
	Purged     int               `json:"purged"`
}

// IdentityEvent is one pass that removed (or, on a dry run, would have removed) an identity.
type IdentityEvent struct {
	PassID      string `json:"pass_id"`
	FinishedAt  string `json:"finished_at"`
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	Records     int    `json:"records"`
	DryRun      bool   `json:"dry_run"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS passes (
			pass_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			dry_run INTEGER NOT NULL,
			ignore_faction_membership INTEGER NOT NULL,
			delete_npc_ships INTEGER NOT NULL,
			identities INTEGER NOT NULL,
			cube_block_owners INTEGER NOT NULL,
			faction_members INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			purged INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_passes_finished ON passes(finished_at);`,
		`CREATE TABLE IF NOT EXISTS removed_identities (
			pass_id TEXT NOT NULL REFERENCES passes(pass_id) ON DELETE CASCADE,
			identity_id TEXT NOT NULL,
			display_name TEXT,
			client_id TEXT,
			records INTEGER NOT NULL,
			PRIMARY KEY (pass_id, identity_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_removed_identity ON removed_identities(identity_id);`,
		`CREATE INDEX IF NOT EXISTS idx_removed_client ON removed_identities(client_id);`,
		`CREATE TABLE IF NOT EXISTS purged_entities (
			pass_id TEXT NOT NULL REFERENCES passes(pass_id) ON DELETE CASCADE,
			entity_id TEXT NOT NULL,
			display_name TEXT,
			owned_blocks INTEGER NOT NULL,
			PRIMARY KEY (pass_id, entity_id)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordPass queues r for indexing without blocking.
func (s *SQLiteIndex) RecordPass(r reconcile.Report) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{report: r}:
	default:
		s.dropPassTotal.Add(1)
	}
}

// Flush blocks until every pass queued before the call has been committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:       len(s.ch),
		QueueCapacity:    cap(s.ch),
		DropPassTotal:    s.dropPassTotal.Load(),
		WrittenPassTotal: s.writtenPassTotal.Load(),
		FailedPassTotal:  s.failedPassTotal.Load(),
	}
}

func (s *SQLiteIndex) RecentPasses(ctx context.Context, limit int) ([]PassRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT pass_id,started_at,finished_at,outcome,COALESCE(error,''),dry_run,identities,removed,purged
		FROM passes ORDER BY finished_at DESC, pass_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PassRow
	for rows.Next() {
		var p PassRow
		var outcome string
		if err := rows.Scan(&p.PassID, &p.StartedAt, &p.FinishedAt, &outcome, &p.Error, &p.DryRun, &p.Identities, &p.Removed, &p.Purged); err != nil {
			return nil, err
		}
		p.Outcome = reconcile.Outcome(outcome)
		out = append(out, p)
	}
	return out, rows.Err()
}

// IdentityHistory lists the passes that removed id, newest first. id matches either the
// identity id or the client id of the account.
func (s *SQLiteIndex) IdentityHistory(ctx context.Context, id string) ([]IdentityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.pass_id,p.finished_at,r.identity_id,COALESCE(r.display_name,''),COALESCE(r.client_id,''),r.records,p.dry_run
		FROM removed_identities r JOIN passes p ON p.pass_id = r.pass_id
		WHERE r.identity_id = ? OR (r.client_id = ? AND r.client_id <> '')
		ORDER BY p.finished_at DESC`, id, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []IdentityEvent
	for rows.Next() {
		var e IdentityEvent
		if err := rows.Scan(&e.PassID, &e.FinishedAt, &e.IdentityID, &e.DisplayName, &e.ClientID, &e.Records, &e.DryRun); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertPass, _ := s.db.Prepare(`INSERT OR REPLACE INTO passes(pass_id,started_at,finished_at,outcome,error,dry_run,ignore_faction_membership,delete_npc_ships,identities,cube_block_owners,faction_members,removed,purged,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertRemoved, _ := s.db.Prepare(`INSERT OR REPLACE INTO removed_identities(pass_id,identity_id,display_name,client_id,records) VALUES(?,?,?,?,?)`)
	insertPurged, _ := s.db.Prepare(`INSERT OR REPLACE INTO purged_entities(pass_id,entity_id,display_name,owned_blocks) VALUES(?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertPass, insertRemoved, insertPurged} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	const commitEvery = 64

	write := func(tx *sql.Tx, r reconcile.Report) error {
		raw, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := tx.Stmt(insertPass).ExecContext(ctx,
			r.PassID,
			r.StartedAt.Format(time.RFC3339Nano),
			r.FinishedAt.Format(time.RFC3339Nano),
			string(r.Outcome),
			r.Error,
			r.Config.DryRun,
			r.Config.IgnoreFactionMembership,
			r.Config.DeleteNPCShips,
			r.Identities,
			r.CubeBlockOwners,
			r.FactionMembers,
			len(r.Removals),
			len(r.Purged),
			string(raw),
		); err != nil {
			return err
		}
		for _, rm := range r.Removals {
			if _, err := tx.Stmt(insertRemoved).ExecContext(ctx, r.PassID, rm.IdentityID, rm.DisplayName, rm.ClientID, rm.Counts.Total()); err != nil {
				return err
			}
		}
		for _, e := range r.Purged {
			if _, err := tx.Stmt(insertPurged).ExecContext(ctx, r.PassID, e.ID, e.DisplayName, e.OwnedBlocks); err != nil {
				return err
			}
		}
		return nil
	}

	// Each batch drains whatever is already queued into one transaction, so bursts share a
	// commit while a single pass is still committed right away.
	for first := range s.ch {
		batch := []req{first}
	drain:
		for len(batch) < commitEvery {
			select {
			case r, ok := <-s.ch:
				if !ok {
					break drain
				}
				batch = append(batch, r)
			default:
				break drain
			}
		}

		var waiters []chan struct{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			for _, r := range batch {
				if r.done != nil {
					close(r.done)
				} else {
					s.failedPassTotal.Add(1)
				}
			}
			continue
		}
		written := 0
		for _, r := range batch {
			if r.done != nil {
				waiters = append(waiters, r.done)
				continue
			}
			if insertPass == nil || write(tx, r.report) != nil {
				s.failedPassTotal.Add(1)
				continue
			}
			written++
		}
		if err := tx.Commit(); err != nil {
			s.failedPassTotal.Add(uint64(written))
		} else {
			s.writtenPassTotal.Add(uint64(written))
		}
		for _, w := range waiters {
			close(w)
		}
	}
}
