package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"

	"macrosched/internal/macro"
	"macrosched/internal/schedule"
	logx "macrosched/pkg/logx"
)

const (
	runsKeep        = 1000
	runsCompactEach = 200
)

// fileStore keeps the whole catalog in memory and rewrites a document on
// every change.
//
// Files:
//   - <prefix>.macros.json    ({"macros": [...]})
//   - <prefix>.schedules.json ({"schedules": [...]})
//   - <prefix>.runs.jsonl     (append-only JSON Lines, compacted to the newest runsKeep)
type fileStore struct {
	fs  afero.Fs
	log logx.Logger

	macrosPath    string
	schedulesPath string
	runsPath      string

	mu        sync.Mutex
	closed    bool
	macros    map[string]macro.Macro
	schedules map[string]schedule.Schedule
	// content hash per document as last read or written; external edits are
	// detected by comparing against it
	hashes     map[string]uint64
	runAppends int
}

type macrosDoc struct {
	Macros []macro.Macro `json:"macros"`
}

type schedulesDoc struct {
	Schedules []schedule.Schedule `json:"schedules"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	fs := cfg.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		fs:            fs,
		log:           log,
		macrosPath:    prefix + ".macros.json",
		schedulesPath: prefix + ".schedules.json",
		runsPath:      prefix + ".runs.jsonl",
		macros:        map[string]macro.Macro{},
		schedules:     map[string]schedule.Schedule{},
		hashes:        map[string]uint64{},
	}
	if _, err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fileStore) ListMacros(ctx context.Context) ([]macro.Macro, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]macro.Macro, 0, len(s.macros))
	for _, m := range s.macros {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) GetMacro(ctx context.Context, id string) (macro.Macro, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return macro.Macro{}, ErrClosed
	}
	m, ok := s.macros[id]
	if !ok {
		return macro.Macro{}, fmt.Errorf("macro %s: %w", id, ErrNotFound)
	}
	return m.Clone(), nil
}

func (s *fileStore) PutMacro(ctx context.Context, m macro.Macro) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.macros[m.ID]
	s.macros[m.ID] = m.Clone()
	if err := s.writeMacrosLocked(); err != nil {
		if had {
			s.macros[m.ID] = prev
		} else {
			delete(s.macros, m.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteMacro(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok := s.macros[id]
	if !ok {
		return fmt.Errorf("macro %s: %w", id, ErrNotFound)
	}
	delete(s.macros, id)
	if err := s.writeMacrosLocked(); err != nil {
		s.macros[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]schedule.Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fileStore) GetSchedule(ctx context.Context, id string) (schedule.Schedule, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return schedule.Schedule{}, ErrClosed
	}
	sc, ok := s.schedules[id]
	if !ok {
		return schedule.Schedule{}, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sc, nil
}

func (s *fileStore) PutSchedule(ctx context.Context, sc schedule.Schedule) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.schedules[sc.ID]
	s.schedules[sc.ID] = sc
	if err := s.writeSchedulesLocked(); err != nil {
		if had {
			s.schedules[sc.ID] = prev
		} else {
			delete(s.schedules, sc.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteSchedule(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, ok := s.schedules[id]
	if !ok {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	delete(s.schedules, id)
	if err := s.writeSchedulesLocked(); err != nil {
		s.schedules[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	f, err := s.fs.OpenFile(s.runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(r); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.runAppends++
	if s.runAppends%runsCompactEach == 0 {
		// Best-effort compact.
		if err := s.compactRunsLocked(); err != nil {
			s.log.Debug("run log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	all, err := s.readRunsLocked()
	if err != nil {
		return nil, err
	}
	out := make([]RunRecord, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *fileStore) readRunsLocked() ([]RunRecord, error) {
	f, err := s.fs.Open(s.runsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []RunRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var r RunRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func (s *fileStore) compactRunsLocked() error {
	all, err := s.readRunsLocked()
	if err != nil {
		return err
	}
	if len(all) <= runsKeep {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range all[len(all)-runsKeep:] {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return s.writeAtomicLocked(s.runsPath, buf.Bytes())
}

func (s *fileStore) writeMacrosLocked() error {
	doc := macrosDoc{Macros: make([]macro.Macro, 0, len(s.macros))}
	for _, m := range s.macros {
		doc.Macros = append(doc.Macros, m)
	}
	sort.Slice(doc.Macros, func(i, j int) bool { return doc.Macros[i].ID < doc.Macros[j].ID })
	return s.writeDocLocked(s.macrosPath, doc)
}

func (s *fileStore) writeSchedulesLocked() error {
	doc := schedulesDoc{Schedules: make([]schedule.Schedule, 0, len(s.schedules))}
	for _, sc := range s.schedules {
		doc.Schedules = append(doc.Schedules, sc)
	}
	sort.Slice(doc.Schedules, func(i, j int) bool { return doc.Schedules[i].ID < doc.Schedules[j].ID })
	return s.writeDocLocked(s.schedulesPath, doc)
}

func (s *fileStore) writeDocLocked(path string, doc any) error {
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if err := s.writeAtomicLocked(path, b); err != nil {
		return err
	}
	s.hashes[path] = hashBytes(b)
	return nil
}

// writeAtomicLocked writes to a temp file and renames it into place.
func (s *fileStore) writeAtomicLocked(path string, b []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

// reloadLocked re-reads both documents. It reports whether either differed
// from the last content seen by this store.
func (s *fileStore) reloadLocked() (bool, error) {
	mb, err := s.readOptional(s.macrosPath)
	if err != nil {
		return false, err
	}
	sb, err := s.readOptional(s.schedulesPath)
	if err != nil {
		return false, err
	}
	mh, sh := hashBytes(mb), hashBytes(sb)
	changed := false

	if mh != s.hashes[s.macrosPath] {
		var doc macrosDoc
		if len(mb) > 0 {
			if err := json.Unmarshal(mb, &doc); err != nil {
				return false, fmt.Errorf("decode %s: %w", s.macrosPath, err)
			}
		}
		macros := make(map[string]macro.Macro, len(doc.Macros))
		for _, m := range doc.Macros {
			macros[m.ID] = m
		}
		s.macros = macros
		s.hashes[s.macrosPath] = mh
		changed = true
	}
	if sh != s.hashes[s.schedulesPath] {
		var doc schedulesDoc
		if len(sb) > 0 {
			if err := json.Unmarshal(sb, &doc); err != nil {
				return false, fmt.Errorf("decode %s: %w", s.schedulesPath, err)
			}
		}
		schedules := make(map[string]schedule.Schedule, len(doc.Schedules))
		for _, sc := range doc.Schedules {
			schedules[sc.ID] = sc
		}
		s.schedules = schedules
		s.hashes[s.schedulesPath] = sh
		changed = true
	}
	return changed, nil
}

func (s *fileStore) readOptional(path string) ([]byte, error) {
	b, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return b, err
}

// Reload picks up external edits. It reports whether anything changed.
func (s *fileStore) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	return s.reloadLocked()
}
