package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "ticksched/pkg/logx"
)

// fileStore is a dependency-free journal: one JSON record per line, with the
// newest Size records mirrored in memory for Recent.
//
// The file is compacted (rewritten from the ring) once it holds twice Size lines.
type fileStore struct {
	log  logx.Logger
	path string
	size int

	mu    sync.Mutex
	f     *os.File
	ring  *Memory
	lines int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	ring := NewMemory(cfg.Size)
	lines, err := replayJournal(path, ring)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	log.Debug("history journal opened", logx.String("path", path), logx.Int("lines", lines))
	return &fileStore{log: log, path: path, size: cfg.Size, f: f, ring: ring, lines: lines}, nil
}

func (s *fileStore) Append(ctx context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	_ = s.ring.Append(ctx, r)
	s.lines++
	if s.lines >= 2*s.size {
		if err := s.compactLocked(ctx); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]Record, error) {
	s.mu.Lock()
	closed := s.f == nil
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return s.ring.Recent(ctx, n)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	_ = s.ring.Close()
	return err
}

// compactLocked rewrites the journal with the ring's records, oldest first.
func (s *fileStore) compactLocked(ctx context.Context) error {
	recs, err := s.ring.Recent(ctx, 0)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := len(recs) - 1; i >= 0; i-- {
		if err := enc.Encode(recs[i]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	nf, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	_ = s.f.Close()
	s.f = nf
	s.lines = len(recs)
	return nil
}

// replayJournal loads every record of the journal into ring and returns the
// line count. Undecodable lines (a torn last write) are skipped.
func replayJournal(path string, ring *Memory) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		lines++
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		_ = ring.Append(context.Background(), r)
	}
	return lines, sc.Err()
}
