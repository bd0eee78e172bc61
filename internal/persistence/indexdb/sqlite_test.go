package indexdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"sandboxsweep.io/internal/checkpoint"
	"sandboxsweep.io/internal/reconcile"
)

func sampleReport(id string, at time.Time, dry bool) reconcile.Report {
	return reconcile.Report{
		PassID:     id,
		StartedAt:  at,
		FinishedAt: at.Add(time.Second),
		Config:     reconcile.Config{DeleteNPCShips: true, DryRun: dry},
		Outcome:    reconcile.OutcomeOK,
		Identities: 4,
		Removals: []reconcile.Removal{
			{IdentityID: "144115188075855875", DisplayName: "Carol", ClientID: "76561198000000003", Counts: checkpoint.Counts{PlayerData: 1, Gps: 1, Identity: 1}},
		},
		Purged: []reconcile.PurgedEntity{{ID: "9002", DisplayName: "Pirate Wreck", OwnedBlocks: 2}},
	}
}

func TestSQLiteIndex_RecordPass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	idx.RecordPass(sampleReport("p1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), false))
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	var (
		outcome string
		removed int
		purged  int
	)
	row := db.QueryRow(`SELECT outcome,removed,purged FROM passes WHERE pass_id='p1'`)
	if err := row.Scan(&outcome, &removed, &purged); err != nil {
		t.Fatalf("Scan pass: %v", err)
	}
	if outcome != "ok" || removed != 1 || purged != 1 {
		t.Fatalf("pass row mismatch: outcome=%s removed=%d purged=%d", outcome, removed, purged)
	}

	var records int
	var name string
	row = db.QueryRow(`SELECT display_name,records FROM removed_identities WHERE pass_id='p1' AND identity_id='144115188075855875'`)
	if err := row.Scan(&name, &records); err != nil {
		t.Fatalf("Scan removal: %v", err)
	}
	if name != "Carol" || records != 3 {
		t.Fatalf("removal row mismatch: name=%q records=%d", name, records)
	}

	var blocks int
	if err := db.QueryRow(`SELECT owned_blocks FROM purged_entities WHERE entity_id='9002'`).Scan(&blocks); err != nil {
		t.Fatalf("Scan purge: %v", err)
	}
	if blocks != 2 {
		t.Fatalf("owned_blocks=%d", blocks)
	}
}

func TestSQLiteIndex_Queries(t *testing.T) {
	idx, err := OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer idx.Close()

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	idx.RecordPass(sampleReport("p1", base, false))
	idx.RecordPass(sampleReport("p2", base.Add(time.Hour), true))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := idx.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	passes, err := idx.RecentPasses(ctx, 10)
	if err != nil {
		t.Fatalf("RecentPasses: %v", err)
	}
	if len(passes) != 2 || passes[0].PassID != "p2" || !passes[0].DryRun || passes[1].DryRun {
		t.Fatalf("passes=%+v", passes)
	}

	byClient, err := idx.IdentityHistory(ctx, "76561198000000003")
	if err != nil {
		t.Fatalf("IdentityHistory: %v", err)
	}
	if len(byClient) != 2 || byClient[0].PassID != "p2" {
		t.Fatalf("history=%+v", byClient)
	}
	none, err := idx.IdentityHistory(ctx, "")
	if err != nil || len(none) != 0 {
		t.Fatalf("empty id history=%+v err=%v", none, err)
	}

	if st := idx.Stats(); st.WrittenPassTotal != 2 || st.DropPassTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{report: reconcile.Report{PassID: "queued"}}

	s.RecordPass(reconcile.Report{PassID: "dropped"})

	st := s.Stats()
	if st.DropPassTotal != 1 {
		t.Fatalf("DropPassTotal=%d want=1", st.DropPassTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
