package services_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fairplay-backend/internal/services"
)

func TestJobQueueRunsAfterDelay(t *testing.T) {
	q := services.NewJobQueue(nil)
	defer q.Stop()

	done := make(chan struct{})
	q.Schedule("a", 10*time.Millisecond, func() { close(done) })
	if !q.Pending("a") {
		t.Fatal("job should be pending")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	eventually(t, time.Second, func() bool { return !q.Pending("a") }, "job to leave the queue")
}

func TestJobQueueCancel(t *testing.T) {
	q := services.NewJobQueue(nil)
	defer q.Stop()

	var ran atomic.Bool
	q.Schedule("a", 20*time.Millisecond, func() { ran.Store(true) })
	if !q.Cancel("a") {
		t.Fatal("cancel should report the pending job")
	}
	if q.Cancel("a") {
		t.Error("second cancel should report nothing pending")
	}

	time.Sleep(50 * time.Millisecond)
	if ran.Load() {
		t.Error("cancelled job ran")
	}
}

func TestJobQueueScheduleReplaces(t *testing.T) {
	q := services.NewJobQueue(nil)
	defer q.Stop()

	var first, second atomic.Int32
	q.Schedule("a", 20*time.Millisecond, func() { first.Add(1) })
	q.Schedule("a", 20*time.Millisecond, func() { second.Add(1) })
	if q.Len() != 1 {
		t.Fatalf("expected one pending job, got %d", q.Len())
	}

	eventually(t, time.Second, func() bool { return second.Load() == 1 }, "replacement job to run")
	time.Sleep(30 * time.Millisecond)
	if first.Load() != 0 {
		t.Error("replaced job ran")
	}
}

func TestJobQueueStop(t *testing.T) {
	q := services.NewJobQueue(nil)

	var ran atomic.Bool
	q.Schedule("a", 10*time.Millisecond, func() { ran.Store(true) })
	q.Stop()
	q.Schedule("b", time.Millisecond, func() { ran.Store(true) })

	time.Sleep(40 * time.Millisecond)
	if ran.Load() {
		t.Error("job ran after stop")
	}
	if q.Len() != 0 {
		t.Errorf("expected an empty queue, got %d", q.Len())
	}
}

func TestJobQueuePersistsUntilRun(t *testing.T) {
	ctx := context.Background()
	store := services.NewMemoryJobStore()
	q := services.NewJobQueue(store)

	done := make(chan struct{})
	q.Schedule("ran", 10*time.Millisecond, func() { close(done) })
	q.Schedule("cancelled", time.Hour, func() {})
	q.Schedule("released", time.Hour, func() {})
	q.Schedule("stopped", time.Hour, func() {})

	q.Cancel("cancelled")
	q.Release("released")
	<-done
	eventually(t, time.Second, func() bool {
		jobs, _ := q.Persisted(ctx)
		_, ok := jobs["ran"]
		return !ok
	}, "finished job to leave the store")

	q.Stop()
	jobs, err := q.Persisted(ctx)
	if err != nil {
		t.Fatalf("persisted: %v", err)
	}
	if _, ok := jobs["cancelled"]; ok {
		t.Error("cancelled job still persisted")
	}
	for _, key := range []string{"released", "stopped"} {
		due, ok := jobs[key]
		if !ok {
			t.Errorf("%s job dropped from the store", key)
			continue
		}
		if time.Until(due) < 59*time.Minute {
			t.Errorf("%s job due %v, want about an hour out", key, due)
		}
	}
}
