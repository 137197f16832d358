package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"hivecron/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Runs are appended to <prefix>.runs.jsonl. RecentRuns scans the file; it is
// an admin-surface convenience, not a query engine.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	runsPath := filepath.Join(dir, base) + ".runs.jsonl"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: runsPath, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("runs file closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	// Keep only the last `limit` rows while scanning.
	out := make([]RunRecord, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var r RunRecord
		if err := json.Unmarshal([]byte(line), &r); err != nil {
			s.log.Debug("skipping malformed run row", logx.Err(err))
			continue
		}
		if len(out) == limit {
			copy(out, out[1:])
			out = out[:limit-1]
		}
		out = append(out, r)
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	return out, nil
}
