package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Second)
		return cur
	}
}

func TestSave_GroupsDocumentsByPass(t *testing.T) {
	s := New(t.TempDir())
	s.Now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	p1, err := s.Save("0b8c1f2e-pass-one", "Sandbox.sbc", []byte("<checkpoint/>"))
	if err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	p2, err := s.Save("0b8c1f2e-pass-one", "SANDBOX_0_0_0_.sbs", []byte("<sector/>"))
	if err != nil {
		t.Fatalf("save sector: %v", err)
	}
	if filepath.Dir(p1) != filepath.Dir(p2) {
		t.Fatalf("documents of one pass split across %s and %s", p1, p2)
	}

	sets, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sets) != 1 || len(sets[0].Files) != 2 || sets[0].PassID != "0b8c1f2e-pass-one" {
		t.Fatalf("sets=%+v", sets)
	}
	got, err := s.Open(sets[0].ID, "Sandbox.sbc")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if string(got) != "<checkpoint/>" {
		t.Fatalf("content=%q", got)
	}
}

func TestRestore_RoundTrip(t *testing.T) {
	s := New(t.TempDir())
	world := t.TempDir()
	live := filepath.Join(world, "Sandbox.sbc")
	if err := os.WriteFile(live, []byte("after"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := s.Save("pass-restore", "Sandbox.sbc", []byte("before")); err != nil {
		t.Fatalf("save: %v", err)
	}
	sets, _ := s.List()

	restored, err := s.Restore(sets[0].ID, world)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if len(restored) != 1 || restored[0] != live {
		t.Fatalf("restored=%v", restored)
	}
	b, _ := os.ReadFile(live)
	if string(b) != "before" {
		t.Fatalf("live=%q", b)
	}
}

func TestRestore_RejectsCorruptArchive(t *testing.T) {
	s := New(t.TempDir())
	world := t.TempDir()
	if _, err := s.Save("pass-corrupt", "Sandbox.sbc", []byte("before")); err != nil {
		t.Fatalf("save: %v", err)
	}
	sets, _ := s.List()
	archive := filepath.Join(s.Path(sets[0].ID), "Sandbox.sbc.zst")
	if err := os.WriteFile(archive, []byte("not zstd"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	if _, err := s.Restore(sets[0].ID, world); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := os.Stat(filepath.Join(world, "Sandbox.sbc")); !os.IsNotExist(err) {
		t.Fatalf("corrupt restore wrote a file: %v", err)
	}
	if _, err := s.Get("../etc"); err == nil {
		t.Fatalf("path traversal accepted")
	}
}

func TestPrune_KeepsNewest(t *testing.T) {
	s := New(t.TempDir())
	s.Now = fixedClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	for _, pass := range []string{"aaaaaaaa-1", "bbbbbbbb-2", "cccccccc-3"} {
		if _, err := s.Save(pass, "Sandbox.sbc", []byte(pass)); err != nil {
			t.Fatalf("save %s: %v", pass, err)
		}
	}
	removed, err := s.Prune(2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 {
		t.Fatalf("removed=%v", removed)
	}
	sets, _ := s.List()
	if len(sets) != 2 || sets[0].PassID != "cccccccc-3" || sets[1].PassID != "bbbbbbbb-2" {
		t.Fatalf("sets=%+v", sets)
	}
	if removed, _ := s.Prune(0); len(removed) != 0 {
		t.Fatalf("keep=0 must not prune: %v", removed)
	}
}
