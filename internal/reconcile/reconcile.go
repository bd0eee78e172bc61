// Package reconcile removes identities without a claim on the world from a world save.
//
// A pass loads the checkpoint and sector documents, optionally purges NPC-only ships from the
// sector, computes the orphan set from the remaining references and cascades the deletion through
// the checkpoint. Only documents that changed are written back.
package reconcile

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"sandboxsweep.io/internal/checkpoint"
	"sandboxsweep.io/internal/document"
	"sandboxsweep.io/internal/sector"
)

type Paths struct {
	Checkpoint string `json:"checkpoint"`
	Sector     string `json:"sector"`
}

// WorldPaths returns the document paths inside a world save directory.
func WorldPaths(dir string) Paths {
	return Paths{
		Checkpoint: filepath.Join(dir, checkpoint.FileName),
		Sector:     filepath.Join(dir, sector.FileName),
	}
}

// Config is read once per pass.
type Config struct {
	IgnoreFactionMembership bool   `json:"ignore_faction_membership"`
	DeleteNPCShips          bool   `json:"delete_npc_ships"`
	NPCDisplayName          string `json:"npc_display_name"`
	DryRun                  bool   `json:"dry_run"`
}

// Backup stores the original bytes of a document before it is overwritten and returns where
// they went.
type Backup interface {
	Save(passID, name string, raw []byte) (string, error)
}

type Reconciler struct {
	Backup Backup
	Logger *log.Logger
	Now    func() time.Time
}

type DocumentResult struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Changed      bool   `json:"changed"`
	DigestBefore string `json:"digest_before,omitempty"`
	DigestAfter  string `json:"digest_after,omitempty"`
	Written      bool   `json:"written"`
	Backup       string `json:"backup,omitempty"`
	Error        string `json:"error,omitempty"`
}

type Report struct {
	PassID     string    `json:"pass_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Config     Config    `json:"config"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`

	Identities      int `json:"identities"`
	CubeBlockOwners int `json:"cube_block_owners"`
	FactionMembers  int `json:"faction_members"`

	NPCIDs    []string         `json:"npc_ids,omitempty"`
	Purged    []PurgedEntity   `json:"purged,omitempty"`
	Removals  []Removal        `json:"removals,omitempty"`
	Documents []DocumentResult `json:"documents,omitempty"`
}

// RemovedIDs lists the identity ids the pass deleted (or would delete on a dry run).
func (r Report) RemovedIDs() []string {
	out := make([]string, 0, len(r.Removals))
	for _, rm := range r.Removals {
		out = append(out, rm.IdentityID)
	}
	return out
}

// Plan runs a pass without persisting anything.
func (r *Reconciler) Plan(paths Paths, cfg Config) (Report, error) {
	cfg.DryRun = true
	return r.Run(paths, cfg)
}

// Run performs one reconciliation pass. Failures are returned, never panicked: the report is
// always filled in with the outcome and whatever the pass got to before it stopped.
func (r *Reconciler) Run(paths Paths, cfg Config) (rep Report, err error) {
	if cfg.NPCDisplayName == "" {
		cfg.NPCDisplayName = DefaultNPCDisplayName
	}
	rep = Report{
		PassID:    uuid.NewString(),
		StartedAt: r.now(),
		Config:    cfg,
	}
	defer func() {
		if p := recover(); p != nil {
			r.logf("pass %s panic: %v\n%s", rep.PassID, p, debug.Stack())
			err = fmt.Errorf("%w: panic: %v", ErrUnexpected, p)
		}
		rep.FinishedAt = r.now()
		rep.Outcome = Classify(err)
		if err != nil {
			rep.Error = err.Error()
		}
		r.logf("pass %s outcome=%s removed=%d purged=%d dry_run=%v", rep.PassID, rep.Outcome, len(rep.Removals), len(rep.Purged), cfg.DryRun)
	}()

	// Both documents are loaded before anything is mutated, so a missing or malformed sector
	// leaves the checkpoint untouched as well.
	cp, err := checkpoint.Load(paths.Checkpoint)
	if err != nil {
		return rep, err
	}
	sec, err := sector.Load(paths.Sector)
	if err != nil {
		return rep, err
	}

	if cfg.DeleteNPCShips {
		purge := PurgeNPCShips(cp, sec, cfg.NPCDisplayName)
		rep.NPCIDs = purge.NPCIDs
		rep.Purged = purge.Entities
	}

	g := BuildGraph(cp, sec)
	rep.Identities = g.AllIdentities.Len()
	rep.CubeBlockOwners = g.CubeBlockOwners.Len()
	rep.FactionMembers = g.FactionMembers.Len()

	rep.Removals = Cascade(cp, Orphans(g, cfg.IgnoreFactionMembership))

	docs := []*document.Document{cp.Document(), sec.Document()}
	for _, d := range docs {
		rep.Documents = append(rep.Documents, DocumentResult{
			Name:         d.Name(),
			Path:         d.Path(),
			Changed:      d.Changed(),
			DigestBefore: d.Digest(),
		})
	}
	if cfg.DryRun {
		return rep, nil
	}

	for i, d := range docs {
		if !d.Changed() || r.Backup == nil {
			continue
		}
		where, err := r.Backup.Save(rep.PassID, d.Name(), d.Raw())
		if err != nil {
			return rep, fmt.Errorf("%w: backup %s: %v", ErrUnexpected, d.Name(), err)
		}
		rep.Documents[i].Backup = where
	}

	// Checkpoint first, then sector. A failed write does not stop the other one.
	var errs []error
	for i, d := range docs {
		if !d.Changed() {
			rep.Documents[i].DigestAfter = d.Digest()
			continue
		}
		if err := d.Save(); err != nil {
			rep.Documents[i].Error = err.Error()
			errs = append(errs, err)
			continue
		}
		rep.Documents[i].Written = true
		rep.Documents[i].DigestAfter = d.Digest()
	}
	return rep, errors.Join(errs...)
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.Logger != nil {
		r.Logger.Printf(format, args...)
	}
}
