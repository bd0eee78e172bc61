package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"sandboxsweep.io/internal/checkpoint"
	"sandboxsweep.io/internal/reconcile"
)

// JSONLZstdWriter appends JSON lines to hourly zstd files named <prefix>-<yyyy-mm-dd-hh>.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer

	// OnRotate is called with the path of a file once it has been closed.
	OnRotate func(path string)
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	prev := w.f
	if err := w.closeLocked(); err != nil {
		return err
	}
	if prev != nil && w.OnRotate != nil {
		w.OnRotate(prev.Name())
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// ReportLogger writes one JSONL entry per pass (compressed).
type ReportLogger struct{ w *JSONLZstdWriter }

func NewReportLogger(dataDir string) *ReportLogger {
	return &ReportLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "reports"), "reports")}
}

func (l *ReportLogger) WriteReport(r reconcile.Report) error { return l.w.Write(r) }
func (l *ReportLogger) OnRotate(fn func(path string))        { l.w.OnRotate = fn }
func (l *ReportLogger) Close() error                         { return l.w.Close() }

// RemovalEntry is one deleted identity, flattened for grep-friendly audit trails.
type RemovalEntry struct {
	PassID      string            `json:"pass_id"`
	At          time.Time         `json:"at"`
	IdentityID  string            `json:"identity_id"`
	DisplayName string            `json:"display_name,omitempty"`
	ClientID    string            `json:"client_id,omitempty"`
	Counts      checkpoint.Counts `json:"counts"`
}

// RemovalLogger writes one JSONL entry per removed identity (compressed).
type RemovalLogger struct{ w *JSONLZstdWriter }

func NewRemovalLogger(dataDir string) *RemovalLogger {
	return &RemovalLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "removals")}
}

// WriteRemovals logs the removals of a persisted pass. Dry runs and failed passes are skipped.
func (l *RemovalLogger) WriteRemovals(r reconcile.Report) error {
	if r.Config.DryRun || r.Outcome != reconcile.OutcomeOK {
		return nil
	}
	for _, rm := range r.Removals {
		err := l.w.Write(RemovalEntry{
			PassID:      r.PassID,
			At:          r.FinishedAt,
			IdentityID:  rm.IdentityID,
			DisplayName: rm.DisplayName,
			ClientID:    rm.ClientID,
			Counts:      rm.Counts,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *RemovalLogger) OnRotate(fn func(path string)) { l.w.OnRotate = fn }
func (l *RemovalLogger) Close() error                  { return l.w.Close() }

// ReadReports decodes every report file under dataDir/reports in chronological order. A file
// that is still being written may end in a partial frame; the lines before it are returned.
func ReadReports(dataDir string) ([]reconcile.Report, error) {
	paths, err := filepath.Glob(filepath.Join(dataDir, "reports", "reports-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []reconcile.Report
	for _, p := range paths {
		err := readJSONL(p, func(line []byte) error {
			var r reconcile.Report
			if err := json.Unmarshal(line, &r); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(p), err)
			}
			out = append(out, r)
			return nil
		})
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func readJSONL(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 128*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			if s := strings.TrimSpace(string(line)); s != "" {
				if ferr := fn([]byte(s)); ferr != nil {
					return ferr
				}
			}
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil
		}
		return err
	}
}
