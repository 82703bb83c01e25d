package services

import (
	"context"
	"log"
	"sync"
	"time"
)

// JobStore persists the due time of pending jobs so a restarted process can
// tell which round steps were still ahead.
type JobStore interface {
	SaveJob(ctx context.Context, key string, due time.Time) error
	DeleteJob(ctx context.Context, key string) error
	Jobs(ctx context.Context) (map[string]time.Time, error)
}

type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]time.Time)}
}

func (s *MemoryJobStore) SaveJob(ctx context.Context, key string, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[key] = due
	return nil
}

func (s *MemoryJobStore) DeleteJob(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, key)
	return nil
}

func (s *MemoryJobStore) Jobs(ctx context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for k, v := range s.jobs {
		out[k] = v
	}
	return out, nil
}

// JobQueue runs one-shot deferred jobs identified by key. Scheduling a key
// that is already pending replaces the old job. A cancelled job never runs.
//
// With a store, a job stays persisted from Schedule until it has run or is
// cancelled. Stop and Release only drop the local timer.
type JobQueue struct {
	store JobStore

	mu      sync.Mutex
	jobs    map[string]*job
	stopped bool
}

type job struct {
	timer *time.Timer
}

// NewJobQueue returns a queue persisting to store. A nil store keeps jobs in
// process only.
func NewJobQueue(store JobStore) *JobQueue {
	return &JobQueue{store: store, jobs: make(map[string]*job)}
}

func (q *JobQueue) Schedule(key string, delay time.Duration, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	if existing, ok := q.jobs[key]; ok {
		existing.timer.Stop()
	}
	q.persistLocked(key, time.Now().Add(delay))

	j := &job{}
	j.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.jobs[key] != j {
			q.mu.Unlock()
			return
		}
		delete(q.jobs, key)
		q.mu.Unlock()

		fn()

		q.mu.Lock()
		defer q.mu.Unlock()
		// fn may have scheduled the key again.
		if _, again := q.jobs[key]; !again {
			q.unpersistLocked(key)
		}
	})
	q.jobs[key] = j
}

// Cancel removes a pending job. It reports false when the job already
// fired or was never scheduled.
func (q *JobQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return false
	}
	delete(q.jobs, key)
	j.timer.Stop()
	q.unpersistLocked(key)
	return true
}

// Release stops the local timer of a job but leaves it persisted for
// another process to pick up.
func (q *JobQueue) Release(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if j, ok := q.jobs[key]; ok {
		delete(q.jobs, key)
		j.timer.Stop()
	}
}

func (q *JobQueue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.jobs[key]
	return ok
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Persisted returns the due time of every job on record, including jobs
// scheduled by an earlier process.
func (q *JobQueue) Persisted(ctx context.Context) (map[string]time.Time, error) {
	if q.store == nil {
		return map[string]time.Time{}, nil
	}
	return q.store.Jobs(ctx)
}

// Stop drops every local timer and rejects new jobs. Persisted jobs remain.
func (q *JobQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for key, j := range q.jobs {
		j.timer.Stop()
		delete(q.jobs, key)
	}
}

func (q *JobQueue) persistLocked(key string, due time.Time) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(context.Background(), key, due); err != nil {
		log.Printf("failed to persist job %s: %v", key, err)
	}
}

func (q *JobQueue) unpersistLocked(key string) {
	if q.store == nil {
		return
	}
	if err := q.store.DeleteJob(context.Background(), key); err != nil {
		log.Printf("failed to delete job %s: %v", key, err)
	}
}
