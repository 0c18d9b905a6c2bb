package job

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

// MemoryStore keeps records in process memory and expires them after ttl.
type MemoryStore struct {
	ttl     time.Duration
	now     func() time.Time
	records map[string]memoryEntry
	mu      sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// NewMemoryStore creates a store and starts its expiry sweep.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put stores a copy of rec, replacing any previous record for the job.
func (s *MemoryStore) Put(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.JobID] = memoryEntry{record: *rec, expiresAt: s.now().Add(s.ttl)}
	return nil
}

// Get returns a copy of the record or ErrNotFound once it expired.
func (s *MemoryStore) Get(_ context.Context, jobID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.records[jobID]
	if !ok || !s.now().Before(entry.expiresAt) {
		delete(s.records, jobID)
		return nil, ErrNotFound
	}
	rec := entry.record
	return &rec, nil
}

// Len returns the number of records currently held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Close stops the expiry sweep.
func (s *MemoryStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
	return nil
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.done)

	interval := s.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *MemoryStore) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, entry := range s.records {
		if !now.Before(entry.expiresAt) {
			delete(s.records, id)
		}
	}
}
