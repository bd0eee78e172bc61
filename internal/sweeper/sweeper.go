// Package sweeper runs reconciliation passes against one world save directory and fans the
// resulting reports out to the side stores.
package sweeper

import (
	"context"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"sandboxsweep.io/internal/persistence/backup"
	"sandboxsweep.io/internal/reconcile"
	"sandboxsweep.io/internal/settings"
)

// ReportSink receives every finished pass. Errors are logged and counted, never returned to the
// caller of the pass.
type ReportSink interface {
	WriteReport(r reconcile.Report) error
}

type RemovalSink interface {
	WriteRemovals(r reconcile.Report) error
}

type Recorder interface {
	RecordPass(r reconcile.Report)
}

type Publisher interface {
	Publish(r reconcile.Report)
}

type Mirror interface {
	EnqueueDir(dir string)
}

// Options wires a Service. Everything except WorldDir and Settings is optional.
type Options struct {
	WorldDir string
	Settings *settings.Store
	Backups  *backup.Store
	Logger   *log.Logger

	Reports  ReportSink
	Removals RemovalSink
	Index    Recorder
	Mirror   Mirror
	Hub      Publisher

	Now func() time.Time
}

type Metrics struct {
	PassesTotal     uint64 `json:"passes_total"`
	PassesFailed    uint64 `json:"passes_failed"`
	DryRunsTotal    uint64 `json:"dry_runs_total"`
	RemovedTotal    uint64 `json:"removed_total"`
	PurgedTotal     uint64 `json:"purged_total"`
	TriggersTotal   uint64 `json:"triggers_total"`
	CoalescedTotal  uint64 `json:"coalesced_total"`
	SinkErrorsTotal uint64 `json:"sink_errors_total"`
	BackupsPruned   uint64 `json:"backups_pruned_total"`
	LastOutcome     string `json:"last_outcome,omitempty"`
	LastPassUnix    int64  `json:"last_pass_unix"`
	LastDurationMS  int64  `json:"last_duration_ms"`
	LastRemoved     int    `json:"last_removed"`
	LastPurged      int    `json:"last_purged"`
	LastPassID      string `json:"last_pass_id,omitempty"`
}

type Service struct {
	opts  Options
	paths reconcile.Paths

	trigger chan struct{}
	mu      sync.Mutex // one pass at a time

	last atomic.Pointer[reconcile.Report]

	passes     atomic.Uint64
	failed     atomic.Uint64
	dryRuns    atomic.Uint64
	removed    atomic.Uint64
	purged     atomic.Uint64
	triggers   atomic.Uint64
	coalesced  atomic.Uint64
	sinkErrors atomic.Uint64
	pruned     atomic.Uint64
	lastDurMS  atomic.Int64
}

func New(opts Options) *Service {
	return &Service{
		opts:    opts,
		paths:   reconcile.WorldPaths(opts.WorldDir),
		trigger: make(chan struct{}, 1),
	}
}

func (s *Service) Paths() reconcile.Paths { return s.paths }

// Notify requests a pass without waiting for it. Requests that arrive while one is already
// pending collapse into it.
func (s *Service) Notify() {
	s.triggers.Add(1)
	select {
	case s.trigger <- struct{}{}:
	default:
		s.coalesced.Add(1)
	}
}

// Run consumes Notify requests until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.trigger:
			_, _ = s.SweepNow()
		}
	}
}

// SweepNow runs a pass synchronously with the current settings.
func (s *Service) SweepNow() (reconcile.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.opts.Settings.Snapshot()
	rec := &reconcile.Reconciler{Logger: s.opts.Logger, Now: s.opts.Now}
	if cur.Backups.Enabled && s.opts.Backups != nil {
		rec.Backup = s.opts.Backups
	}

	start := time.Now()
	rep, err := rec.Run(s.paths, cur.ReconcileConfig())
	s.lastDurMS.Store(time.Since(start).Milliseconds())

	s.record(rep)
	s.afterPass(cur, rep)
	return rep, err
}

// Plan reports what a pass would do with the current settings without writing anything.
func (s *Service) Plan() (reconcile.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &reconcile.Reconciler{Logger: s.opts.Logger, Now: s.opts.Now}
	return rec.Plan(s.paths, s.opts.Settings.Snapshot().ReconcileConfig())
}

func (s *Service) Last() (reconcile.Report, bool) {
	r := s.last.Load()
	if r == nil {
		return reconcile.Report{}, false
	}
	return *r, true
}

func (s *Service) Metrics() Metrics {
	m := Metrics{
		PassesTotal:     s.passes.Load(),
		PassesFailed:    s.failed.Load(),
		DryRunsTotal:    s.dryRuns.Load(),
		RemovedTotal:    s.removed.Load(),
		PurgedTotal:     s.purged.Load(),
		TriggersTotal:   s.triggers.Load(),
		CoalescedTotal:  s.coalesced.Load(),
		SinkErrorsTotal: s.sinkErrors.Load(),
		BackupsPruned:   s.pruned.Load(),
		LastDurationMS:  s.lastDurMS.Load(),
	}
	if r, ok := s.Last(); ok {
		m.LastOutcome = string(r.Outcome)
		m.LastPassUnix = r.FinishedAt.Unix()
		m.LastRemoved = len(r.Removals)
		m.LastPurged = len(r.Purged)
		m.LastPassID = r.PassID
	}
	return m
}

func (s *Service) record(rep reconcile.Report) {
	s.last.Store(&rep)
	s.passes.Add(1)
	if rep.Outcome != reconcile.OutcomeOK {
		s.failed.Add(1)
	}
	if rep.Config.DryRun {
		s.dryRuns.Add(1)
		return
	}
	if rep.Outcome == reconcile.OutcomeOK {
		s.removed.Add(uint64(len(rep.Removals)))
		s.purged.Add(uint64(len(rep.Purged)))
	}
}

func (s *Service) afterPass(cur settings.Settings, rep reconcile.Report) {
	if s.opts.Reports != nil {
		if err := s.opts.Reports.WriteReport(rep); err != nil {
			s.sinkError("report log", rep.PassID, err)
		}
	}
	if s.opts.Removals != nil {
		if err := s.opts.Removals.WriteRemovals(rep); err != nil {
			s.sinkError("removal log", rep.PassID, err)
		}
	}
	if s.opts.Index != nil {
		s.opts.Index.RecordPass(rep)
	}
	if s.opts.Mirror != nil {
		for _, dir := range backupSets(rep) {
			s.opts.Mirror.EnqueueDir(dir)
		}
	}
	if cur.Backups.Enabled && s.opts.Backups != nil {
		removed, err := s.opts.Backups.Prune(cur.Backups.Keep)
		s.pruned.Add(uint64(len(removed)))
		if err != nil {
			s.sinkError("backup prune", rep.PassID, err)
		}
	}
	if s.opts.Hub != nil {
		s.opts.Hub.Publish(rep)
	}
}

// backupSets returns the distinct backup set directories a report refers to.
func backupSets(rep reconcile.Report) []string {
	var out []string
	seen := map[string]bool{}
	for _, d := range rep.Documents {
		if d.Backup == "" {
			continue
		}
		dir := filepath.Dir(d.Backup)
		if seen[dir] {
			continue
		}
		seen[dir] = true
		out = append(out, dir)
	}
	return out
}

func (s *Service) sinkError(what, passID string, err error) {
	s.sinkErrors.Add(1)
	if s.opts.Logger != nil {
		s.opts.Logger.Printf("pass %s %s: %v", passID, what, err)
	}
}
