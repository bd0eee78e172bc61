// Package backup keeps zstd-compressed copies of world documents taken right before a pass
// overwrites them.
//
// Layout: <data>/backups/<stamp>_<pass8>/<document>.zst plus a meta.json describing the set.
package backup

import (
	"bufio"
	"bytes"
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

	"sandboxsweep.io/internal/document"
)

const metaFile = "meta.json"

type Meta struct {
	ID        string     `json:"id"`
	PassID    string     `json:"pass_id"`
	CreatedAt string     `json:"created_at"`
	Files     []FileMeta `json:"files"`
}

type FileMeta struct {
	Name    string `json:"name"`
	Archive string `json:"archive"`
	Size    int    `json:"size"`
	Digest  string `json:"digest"`
}

type Store struct {
	dir string
	Now func() time.Time

	mu sync.Mutex
}

func New(dataDir string) *Store {
	return &Store{dir: filepath.Join(dataDir, "backups")}
}

func (s *Store) Dir() string { return s.dir }

// Path is the directory of the backup set id.
func (s *Store) Path(id string) string { return filepath.Join(s.dir, id) }

// Save stores raw as the pre-pass content of document name. All documents of one pass share a
// backup set. It returns the archive path.
func (s *Store) Save(passID, name string, raw []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if passID == "" || name == "" || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("backup: invalid pass %q or document %q", passID, name)
	}
	dir, meta, err := s.setForPass(passID)
	if err != nil {
		return "", err
	}
	archive := name + ".zst"
	dst := filepath.Join(dir, archive)
	if err := writeZstd(dst, raw); err != nil {
		return "", fmt.Errorf("backup %s: %w", name, err)
	}

	fm := FileMeta{Name: name, Archive: archive, Size: len(raw), Digest: document.Digest(raw)}
	replaced := false
	for i := range meta.Files {
		if meta.Files[i].Name == name {
			meta.Files[i] = fm
			replaced = true
		}
	}
	if !replaced {
		meta.Files = append(meta.Files, fm)
	}
	if err := writeMeta(dir, meta); err != nil {
		return "", err
	}
	return dst, nil
}

func (s *Store) setForPass(passID string) (string, Meta, error) {
	short := passID
	if len(short) > 8 {
		short = short[:8]
	}
	matches, _ := filepath.Glob(filepath.Join(s.dir, "*_"+short))
	for _, dir := range matches {
		meta, err := readMeta(dir)
		if err == nil && meta.PassID == passID {
			return dir, meta, nil
		}
	}

	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	id := now.Format("20060102T150405.000Z") + "_" + short
	dir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", Meta{}, err
	}
	return dir, Meta{ID: id, PassID: passID, CreatedAt: now.Format(time.RFC3339Nano)}, nil
}

// List returns every readable backup set, newest first.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := readMeta(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *Store) Get(id string) (Meta, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return Meta{}, fmt.Errorf("backup: invalid id %q", id)
	}
	return readMeta(s.Path(id))
}

// Open returns the decompressed content of document name in set id, checked against its digest.
func (s *Store) Open(id, name string) ([]byte, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	for _, f := range meta.Files {
		if f.Name != name {
			continue
		}
		b, err := readZstd(filepath.Join(s.Path(id), f.Archive))
		if err != nil {
			return nil, err
		}
		if got := document.Digest(b); got != f.Digest {
			return nil, fmt.Errorf("backup %s/%s: digest mismatch", id, name)
		}
		return b, nil
	}
	return nil, fmt.Errorf("backup %s: no document %q", id, name)
}

// Restore writes every document of set id back into worldDir and returns the restored paths.
// All documents are decompressed and verified before the first one is written.
func (s *Store) Restore(id, worldDir string) ([]string, error) {
	meta, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	contents := make([][]byte, len(meta.Files))
	for i, f := range meta.Files {
		b, err := s.Open(id, f.Name)
		if err != nil {
			return nil, err
		}
		contents[i] = b
	}
	var restored []string
	for i, f := range meta.Files {
		dst := filepath.Join(worldDir, f.Name)
		if err := document.WriteFileAtomic(dst, contents[i]); err != nil {
			return restored, fmt.Errorf("restore %s: %w", f.Name, err)
		}
		restored = append(restored, dst)
	}
	return restored, nil
}

// Prune deletes all but the newest keep sets. keep <= 0 keeps everything.
func (s *Store) Prune(keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sets, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for i := keep; i < len(sets); i++ {
		if err := os.RemoveAll(s.Path(sets[i].ID)); err != nil {
			return removed, err
		}
		removed = append(removed, sets[i].ID)
	}
	return removed, nil
}

func writeZstd(path string, raw []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)
	if _, err := bw.Write(raw); err != nil {
		_ = enc.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func readZstd(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, bufio.NewReaderSize(dec, 256*1024)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readMeta(dir string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("%s: %w", metaFile, err)
	}
	return m, nil
}

func writeMeta(dir string, m Meta) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return document.WriteFileAtomic(filepath.Join(dir, metaFile), b)
}
