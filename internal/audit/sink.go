package audit

import (
	"errors"
	"sync"
)

// Sink is an append-only destination for audit records.
// Append must return only after the record is durable, and concurrent calls
// must never interleave partial records.
type Sink interface {
	Append(rec *Record) error
	Close() error
}

// MultiSink fans each record out to every sink in order.
type MultiSink []Sink

// Append writes rec to every sink; a failing sink does not stop the others.
func (m MultiSink) Append(rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps records in memory.
type MemorySink struct {
	mu      sync.RWMutex
	records []Record
	err     error
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Append stores a copy of rec.
func (s *MemorySink) Append(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, *rec)
	return nil
}

// FailWith makes every subsequent Append return err. Pass nil to recover.
func (s *MemorySink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Records returns a snapshot of the stored records.
func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Close is a no-op.
func (s *MemorySink) Close() error {
	return nil
}
