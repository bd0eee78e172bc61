package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"sandboxsweep.io/internal/persistence/indexdb"
	"sandboxsweep.io/internal/persistence/r2s3"
	"sandboxsweep.io/internal/reconcile"
	"sandboxsweep.io/internal/settings"
	"sandboxsweep.io/internal/sweeper"
	"sandboxsweep.io/internal/transport/observer"
)

type serverRuntime struct {
	svc      *sweeper.Service
	settings *settings.Store
	hub      *observer.Hub
	index    *indexdb.SQLiteIndex
	mirror   *r2s3.Mirror
	logger   *log.Logger
}

func buildMux(rt serverRuntime, enableAdmin bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, rt)
	})
	if !enableAdmin {
		rt.logger.Printf("admin endpoints disabled (SW_ENABLE_ADMIN_HTTP=false)")
		return mux
	}

	mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		resp := struct {
			World    reconcile.Paths   `json:"world"`
			Settings settings.Settings `json:"settings"`
			Metrics  sweeper.Metrics   `json:"metrics"`
			Last     *reconcile.Report `json:"last,omitempty"`
		}{
			World:    rt.svc.Paths(),
			Settings: rt.settings.Snapshot(),
			Metrics:  rt.svc.Metrics(),
		}
		if last, ok := rt.svc.Last(); ok {
			resp.Last = &last
		}
		writeJSON(rw, http.StatusOK, resp)
	}))
	mux.HandleFunc("/admin/v1/sweep", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rep, err := rt.svc.SweepNow()
		status := http.StatusOK
		if err != nil {
			status = http.StatusInternalServerError
		}
		writeJSON(rw, status, rep)
	}))
	mux.HandleFunc("/admin/v1/plan", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		rep, err := rt.svc.Plan()
		status := http.StatusOK
		if err != nil {
			status = http.StatusInternalServerError
		}
		writeJSON(rw, status, rep)
	}))
	mux.HandleFunc("/admin/v1/world-saved", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rt.svc.Notify()
		writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
	}))
	mux.HandleFunc("/admin/v1/settings", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(rw, http.StatusOK, rt.settings.Snapshot())
		case http.MethodPost:
			body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
			if err != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			next, err := rt.settings.Patch(body)
			if err != nil {
				writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
				return
			}
			rt.logger.Printf("settings updated: %+v", next)
			writeJSON(rw, http.StatusOK, next)
		default:
			rw.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	mux.HandleFunc("/admin/v1/reports/ws", rt.hub.WSHandler())
	return mux
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !observer.IsLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

// writeMetrics emits the Prometheus text exposition format.
func writeMetrics(w io.Writer, rt serverRuntime) {
	m := rt.svc.Metrics()
	counter := func(name, help string, v uint64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s counter\n", name)
		fmt.Fprintf(w, "%s %d\n", name, v)
	}
	gauge := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s gauge\n", name)
		fmt.Fprintf(w, "%s %d\n", name, v)
	}

	counter("sandboxsweep_passes_total", "Reconciliation passes run.", m.PassesTotal)
	counter("sandboxsweep_passes_failed_total", "Passes that ended with an outcome other than ok.", m.PassesFailed)
	counter("sandboxsweep_dry_runs_total", "Passes run with dry_run enabled.", m.DryRunsTotal)
	counter("sandboxsweep_identities_removed_total", "Identities deleted by persisted passes.", m.RemovedTotal)
	counter("sandboxsweep_entities_purged_total", "NPC-only sector entities deleted by persisted passes.", m.PurgedTotal)
	counter("sandboxsweep_triggers_total", "Pass requests received.", m.TriggersTotal)
	counter("sandboxsweep_triggers_coalesced_total", "Pass requests folded into an already pending one.", m.CoalescedTotal)
	counter("sandboxsweep_sink_errors_total", "Failed writes to report sinks.", m.SinkErrorsTotal)
	counter("sandboxsweep_backups_pruned_total", "Backup sets deleted by retention.", m.BackupsPruned)
	gauge("sandboxsweep_last_pass_unix", "Unix time the last pass finished.", m.LastPassUnix)
	gauge("sandboxsweep_last_pass_duration_ms", "Duration of the last pass in milliseconds.", m.LastDurationMS)
	gauge("sandboxsweep_last_pass_removed", "Identities removed by the last pass.", int64(m.LastRemoved))

	if m.LastOutcome != "" {
		fmt.Fprintf(w, "# HELP sandboxsweep_last_pass_outcome Outcome of the last pass.\n")
		fmt.Fprintf(w, "# TYPE sandboxsweep_last_pass_outcome gauge\n")
		fmt.Fprintf(w, "sandboxsweep_last_pass_outcome{outcome=%q} 1\n", m.LastOutcome)
	}

	if rt.hub != nil {
		gauge("sandboxsweep_report_subscribers", "Connected report websocket subscribers.", int64(rt.hub.Subscribers()))
		counter("sandboxsweep_report_dropped_total", "Report messages dropped for slow subscribers.", rt.hub.Dropped())
	}
	if rt.index != nil {
		s := rt.index.Stats()
		gauge("sandboxsweep_index_queue_depth", "Pending pass index writes.", int64(s.QueueDepth))
		counter("sandboxsweep_index_dropped_total", "Pass index writes dropped because the queue was full.", s.DropPassTotal)
		counter("sandboxsweep_index_written_total", "Passes written to the index.", s.WrittenPassTotal)
		counter("sandboxsweep_index_failed_total", "Pass index writes that failed.", s.FailedPassTotal)
	}
	if rt.mirror != nil {
		s := rt.mirror.Stats()
		gauge("sandboxsweep_r2_mirror_queue_depth", "Current R2 mirror queue depth.", int64(s.QueueDepth))
		counter("sandboxsweep_r2_mirror_enqueued_total", "Total mirror enqueue attempts.", s.EnqueuedTotal)
		counter("sandboxsweep_r2_mirror_dropped_total", "Total mirror files dropped because the queue remained saturated.", s.DroppedTotal)
		counter("sandboxsweep_r2_mirror_upload_success_total", "Total successful mirror uploads.", s.UploadSuccessTotal)
		counter("sandboxsweep_r2_mirror_upload_fail_total", "Total failed mirror uploads after retry.", s.UploadFailTotal)
		gauge("sandboxsweep_r2_mirror_last_success_unix", "Unix timestamp of last successful mirror upload.", s.LastSuccessUnix)
		gauge("sandboxsweep_r2_mirror_last_error_unix", "Unix timestamp of last failed mirror upload.", s.LastErrorUnix)
	}
}
