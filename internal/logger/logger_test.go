package logger

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureSink records flushed batches for assertions.
type captureSink struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (s *captureSink) WriteBatch(_ context.Context, batch []AuditRecord) error {
	s.mu.Lock()
	s.records = append(s.records, batch...)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func TestLogger_FlushesOnClose(t *testing.T) {
	sink := &captureSink{}
	l, err := New(context.Background(), sink, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 7; i++ {
		l.Log(AuditRecord{Route: "recipe", Status: 200})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := sink.len(); got != 7 {
		t.Fatalf("flushed %d records, want 7", got)
	}
}

func TestLogger_FiltersDetailField(t *testing.T) {
	sink := &captureSink{}
	l, _ := New(context.Background(), sink, nil)

	l.Log(AuditRecord{
		Route:  "recipe",
		Detail: "upstream said\n\x1b[31mINJECTED LOG LINE",
	})
	_ = l.Close()

	if sink.len() != 1 {
		t.Fatalf("flushed %d records, want 1", sink.len())
	}
	d := sink.records[0].Detail
	if strings.ContainsAny(d, "\n\x1b") {
		t.Errorf("detail not filtered: %q", d)
	}
}

func TestLogger_AssignsIDAndTimestamp(t *testing.T) {
	sink := &captureSink{}
	l, _ := New(context.Background(), sink, nil)

	before := time.Now().Add(-time.Second)
	l.Log(AuditRecord{Route: "token"})
	_ = l.Close()

	rec := sink.records[0]
	if rec.ID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Error("record ID not assigned")
	}
	if rec.CreatedAt.Before(before) {
		t.Errorf("created_at = %v, want recent", rec.CreatedAt)
	}
}

func TestLogger_DropsUnderBackpressureWithoutBlocking(t *testing.T) {
	// A sink that never returns would stall the flusher; Log must still
	// return promptly and count drops once the channel fills.
	blocked := make(chan struct{})
	l, _ := New(context.Background(), sinkFunc(func(context.Context, []AuditRecord) error {
		<-blocked
		return nil
	}), nil)
	defer func() {
		close(blocked)
		_ = l.Close()
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < channelBuffer+200; i++ {
			l.Log(AuditRecord{Route: "recipe"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Log blocked under backpressure")
	}

	if l.DroppedRecords() == 0 {
		t.Error("expected some dropped records once the channel filled")
	}
}

type sinkFunc func(context.Context, []AuditRecord) error

func (f sinkFunc) WriteBatch(ctx context.Context, b []AuditRecord) error { return f(ctx, b) }
