package sweeper

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"sandboxsweep.io/internal/persistence/backup"
	"sandboxsweep.io/internal/reconcile"
	"sandboxsweep.io/internal/settings"
	"sandboxsweep.io/internal/worldtest"
)

type sinks struct {
	mu        sync.Mutex
	reports   []reconcile.Report
	removals  []string
	recorded  []string
	published []string
	mirrored  []string
	failWrite bool
}

func (s *sinks) WriteReport(r reconcile.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errors.New("disk full")
	}
	s.reports = append(s.reports, r)
	return nil
}

func (s *sinks) WriteRemovals(r reconcile.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals = append(s.removals, r.RemovedIDs()...)
	return nil
}

func (s *sinks) RecordPass(r reconcile.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, r.PassID)
}

func (s *sinks) Publish(r reconcile.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, r.PassID)
}

func (s *sinks) EnqueueDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrored = append(s.mirrored, dir)
}

func newService(t *testing.T, edit func(*settings.Settings)) (*Service, *sinks, worldtest.World, *backup.Store) {
	t.Helper()
	cp, sec := worldtest.Sample()
	w := worldtest.WriteWorld(t, cp, sec)

	st, err := settings.NewStore(filepath.Join(t.TempDir(), "sweeper.yaml"))
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	if edit != nil {
		if _, err := st.Update(edit); err != nil {
			t.Fatalf("update settings: %v", err)
		}
	}
	bk := backup.New(t.TempDir())
	sk := &sinks{}
	svc := New(Options{
		WorldDir: w.Dir,
		Settings: st,
		Backups:  bk,
		Reports:  sk,
		Removals: sk,
		Index:    sk,
		Mirror:   sk,
		Hub:      sk,
	})
	return svc, sk, w, bk
}

func TestSweepNow_FansOutReport(t *testing.T) {
	svc, sk, w, bk := newService(t, nil)

	rep, err := svc.SweepNow()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := rep.RemovedIDs(); !slices.Equal(got, []string{worldtest.Carol}) {
		t.Fatalf("removed=%v", got)
	}
	if len(sk.reports) != 1 || len(sk.recorded) != 1 || len(sk.published) != 1 {
		t.Fatalf("sinks reports=%d recorded=%d published=%d", len(sk.reports), len(sk.recorded), len(sk.published))
	}
	if !slices.Equal(sk.removals, []string{worldtest.Carol}) {
		t.Fatalf("removal sink=%v", sk.removals)
	}

	sets, err := bk.List()
	if err != nil || len(sets) != 1 {
		t.Fatalf("backup sets=%v err=%v", sets, err)
	}
	if len(sk.mirrored) != 1 || sk.mirrored[0] != bk.Path(sets[0].ID) {
		t.Fatalf("mirrored=%v want %s", sk.mirrored, bk.Path(sets[0].ID))
	}
	raw, err := bk.Open(sets[0].ID, "Sandbox.sbc")
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	cp, _ := worldtest.Sample()
	if string(raw) != cp.XML() {
		t.Fatalf("backup does not hold the original checkpoint")
	}
	if out := w.ReadCheckpoint(t); out == cp.XML() {
		t.Fatalf("checkpoint was not rewritten")
	}

	last, ok := svc.Last()
	if !ok || last.PassID != rep.PassID {
		t.Fatalf("last=%v ok=%v", last.PassID, ok)
	}
	m := svc.Metrics()
	if m.PassesTotal != 1 || m.RemovedTotal != 1 || m.LastOutcome != string(reconcile.OutcomeOK) || m.LastPassID != rep.PassID {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestSweepNow_SecondPassIsNoop(t *testing.T) {
	svc, sk, _, bk := newService(t, nil)
	if _, err := svc.SweepNow(); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	rep, err := svc.SweepNow()
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(rep.Removals) != 0 {
		t.Fatalf("second pass removed %v", rep.RemovedIDs())
	}
	sets, _ := bk.List()
	if len(sets) != 1 {
		t.Fatalf("unchanged pass should not create a backup set, got %d", len(sets))
	}
	if len(sk.mirrored) != 1 {
		t.Fatalf("mirrored=%v", sk.mirrored)
	}
}

func TestSweepNow_DryRunSettings(t *testing.T) {
	svc, sk, w, bk := newService(t, func(s *settings.Settings) { s.DryRun = true })
	cp, _ := worldtest.Sample()

	rep, err := svc.SweepNow()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !rep.Config.DryRun || len(rep.Removals) != 1 {
		t.Fatalf("report=%+v", rep)
	}
	if w.ReadCheckpoint(t) != cp.XML() {
		t.Fatalf("dry run wrote the checkpoint")
	}
	if sets, _ := bk.List(); len(sets) != 0 {
		t.Fatalf("dry run created backups: %v", sets)
	}
	if m := svc.Metrics(); m.DryRunsTotal != 1 || m.RemovedTotal != 0 {
		t.Fatalf("metrics=%+v", m)
	}
	if len(sk.reports) != 1 {
		t.Fatalf("dry runs are still reported")
	}
}

func TestSweepNow_BackupsDisabled(t *testing.T) {
	svc, sk, _, bk := newService(t, func(s *settings.Settings) { s.Backups.Enabled = false })
	rep, err := svc.SweepNow()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(rep.Removals) != 1 {
		t.Fatalf("removed=%v", rep.RemovedIDs())
	}
	if sets, _ := bk.List(); len(sets) != 0 {
		t.Fatalf("backups disabled but got %v", sets)
	}
	if len(sk.mirrored) != 0 {
		t.Fatalf("nothing to mirror, got %v", sk.mirrored)
	}
}

func TestSweepNow_SinkFailureIsNotFatal(t *testing.T) {
	svc, sk, _, _ := newService(t, nil)
	sk.failWrite = true
	rep, err := svc.SweepNow()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Outcome != reconcile.OutcomeOK {
		t.Fatalf("outcome=%s", rep.Outcome)
	}
	if m := svc.Metrics(); m.SinkErrorsTotal != 1 {
		t.Fatalf("sink errors=%d", m.SinkErrorsTotal)
	}
	if len(sk.published) != 1 {
		t.Fatalf("hub should still receive the report")
	}
}

func TestSweepNow_MissingWorldReportsFailure(t *testing.T) {
	svc, sk, w, _ := newService(t, nil)
	if err := os.Remove(w.Sector); err != nil {
		t.Fatalf("remove sector: %v", err)
	}
	rep, err := svc.SweepNow()
	if err == nil {
		t.Fatalf("expected error")
	}
	if rep.Outcome != reconcile.OutcomeNotFound {
		t.Fatalf("outcome=%s", rep.Outcome)
	}
	if m := svc.Metrics(); m.PassesFailed != 1 {
		t.Fatalf("metrics=%+v", m)
	}
	if len(sk.reports) != 1 {
		t.Fatalf("failed passes are reported too")
	}
}

func TestSweepNow_PrunesOldBackups(t *testing.T) {
	svc, _, w, bk := newService(t, func(s *settings.Settings) { s.Backups.Keep = 1 })
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bk.Now = func() time.Time { clock = clock.Add(time.Second); return clock }

	for i := 0; i < 3; i++ {
		// Restore the original world so every pass has something to remove.
		cp, sec := worldtest.Sample()
		if err := os.WriteFile(w.Checkpoint, []byte(cp.XML()), 0o644); err != nil {
			t.Fatalf("reset checkpoint: %v", err)
		}
		if err := os.WriteFile(w.Sector, []byte(sec.XML()), 0o644); err != nil {
			t.Fatalf("reset sector: %v", err)
		}
		if _, err := svc.SweepNow(); err != nil {
			t.Fatalf("sweep %d: %v", i, err)
		}
	}
	sets, err := bk.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sets) != 1 {
		t.Fatalf("sets=%d want 1", len(sets))
	}
	if m := svc.Metrics(); m.BackupsPruned != 2 {
		t.Fatalf("pruned=%d want 2", m.BackupsPruned)
	}
}

func TestNotify_CoalescesWhilePending(t *testing.T) {
	svc, sk, _, _ := newService(t, nil)
	for i := 0; i < 5; i++ {
		svc.Notify()
	}
	if m := svc.Metrics(); m.TriggersTotal != 5 || m.CoalescedTotal != 4 {
		t.Fatalf("metrics=%+v", m)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := svc.Last(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no pass ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run err=%v", err)
	}
	sk.mu.Lock()
	defer sk.mu.Unlock()
	if len(sk.reports) != 1 {
		t.Fatalf("passes=%d want 1", len(sk.reports))
	}
}

func TestPlan_WritesNothing(t *testing.T) {
	svc, sk, w, _ := newService(t, nil)
	cp, _ := worldtest.Sample()
	rep, err := svc.Plan()
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !slices.Equal(rep.RemovedIDs(), []string{worldtest.Carol}) {
		t.Fatalf("plan removed=%v", rep.RemovedIDs())
	}
	if w.ReadCheckpoint(t) != cp.XML() {
		t.Fatalf("plan wrote the checkpoint")
	}
	if len(sk.reports) != 0 || svc.Metrics().PassesTotal != 0 {
		t.Fatalf("plan should not be recorded")
	}
}
