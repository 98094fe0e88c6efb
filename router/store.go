package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// DefaultDecisionFile is the JSONL file decisions land in when no other
// store is configured.
const DefaultDecisionFile = "decisions.jsonl"

// FileStore appends decisions to a JSONL file, one document per line. It is
// the default store: cheap, greppable, and append-only.
type FileStore struct {
	mu   sync.Mutex
	file *os.File
}

var _ DecisionStore = (*FileStore)(nil)

// NewFileStore opens (creating if needed) the decision log at path.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	return &FileStore{file: f}, nil
}

// Append writes one decision as a JSON line.
func (s *FileStore) Append(_ context.Context, d *Decision) error {
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal decision: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("append decision: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// ReadDecisionFile loads every decision from a JSONL file, oldest first.
// Intended for offline analysis and tests.
func ReadDecisionFile(path string) ([]Decision, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	defer f.Close()

	var out []Decision
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var d Decision
		if err := json.Unmarshal(line, &d); err != nil {
			return nil, fmt.Errorf("parse decision line %d: %w", len(out)+1, err)
		}
		out = append(out, d)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read decision log: %w", err)
	}
	return out, nil
}
