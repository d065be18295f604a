package queue

import (
	"context"
	"testing"
	"time"
)

func TestThreadStore(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	s := NewThreadStore(rdb, time.Hour)

	if _, ok, err := s.Get(ctx, "sess"); err != nil || ok {
		t.Fatalf("expected empty session: ok=%v err=%v", ok, err)
	}
	if err := s.Put(ctx, "sess", "thread_abc"); err != nil {
		t.Fatalf("put: %v", err)
	}
	id, ok, err := s.Get(ctx, "sess")
	if err != nil || !ok || id != "thread_abc" {
		t.Fatalf("get: %q ok=%v err=%v", id, ok, err)
	}
	if err := s.Clear(ctx, "sess"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "sess"); ok {
		t.Fatalf("expected cleared session")
	}

	if err := s.Put(ctx, "short", "thread_x"); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Hour)
	if _, ok, _ := s.Get(ctx, "short"); ok {
		t.Fatalf("expected thread id to expire with the session ttl")
	}
}

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	q := NewStreamQueue(rdb, "assistantbridge:jobs", "workers", "c1", 10*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	if _, err := q.Enqueue(ctx, ChatJob{ChatID: 42, Prompt: "hi"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	job := msgs[0].Job
	if job.JobID == "" || job.Kind != JobAsk || job.Session() != "tg:42" {
		t.Fatalf("unexpected job %+v", job)
	}
	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
}
