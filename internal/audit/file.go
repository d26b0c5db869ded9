package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends records as JSON lines to a single file.
type FileSink struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenFile opens (or creates) the log at path for appending. Existing content
// is never truncated.
func OpenFile(path string) (*FileSink, error) {
	cleanPath := filepath.Clean(path)
	parent := filepath.Dir(cleanPath)
	if parent != "." && parent != "" {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	// #nosec G304 -- the audit path comes from operator configuration.
	f, err := os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &FileSink{path: cleanPath, file: f}, nil
}

// Path returns the cleaned log path.
func (s *FileSink) Path() string {
	return s.path
}

// Append serializes rec onto one line, writes it with a single write call and
// fsyncs before returning.
func (s *FileSink) Append(rec *Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	payload := make([]byte, 0, len(line)+1)
	payload = append(payload, line...)
	payload = append(payload, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("audit log %s is closed", s.path)
	}
	if _, err := s.file.Write(payload); err != nil {
		return fmt.Errorf("append audit line: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Close releases the file handle. Further appends fail.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
