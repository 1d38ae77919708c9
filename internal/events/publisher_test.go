package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"request-guard/internal/models"
)

type recordingWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	fail   bool
	block  chan struct{}
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		<-w.block
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail {
		return errors.New("broker down")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func TestPublisher_WritesKeyedJSON(t *testing.T) {
	w := &recordingWriter{}
	p := NewPublisher(w, 8, nil)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p.Publish(models.SecurityEvent{
		Type:   models.EventIntegrityFailure,
		Check:  "csrf",
		Reason: "expired",
		Path:   "/api/votes",
		Method: "POST",
		Client: "203.0.113.9",
		At:     at,
	})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if string(msg.Key) != "203.0.113.9" {
		t.Errorf("message key = %q", msg.Key)
	}
	var got models.SecurityEvent
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatal(err)
	}
	if got.Reason != "expired" || got.Path != "/api/votes" || !got.At.Equal(at) {
		t.Errorf("unexpected payload %+v", got)
	}
	if !w.closed {
		t.Error("writer should be closed")
	}
}

func TestPublisher_DropsWhenFull(t *testing.T) {
	w := &recordingWriter{block: make(chan struct{})}
	p := NewPublisher(w, 1, nil)

	// The worker takes the first event and blocks in the writer; the second
	// fills the queue and the rest are dropped.
	p.Publish(models.SecurityEvent{Client: "a"})
	deadline := time.Now().Add(time.Second)
	for len(p.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 5; i++ {
		p.Publish(models.SecurityEvent{Client: "b"})
	}

	if got := p.Dropped(); got != 4 {
		t.Errorf("dropped = %d, want 4", got)
	}
	close(w.block)
	_ = p.Close()
	if len(w.msgs) != 2 {
		t.Errorf("expected 2 delivered messages, got %d", len(w.msgs))
	}
}

func TestPublisher_WriteErrorsDoNotStopWorker(t *testing.T) {
	w := &recordingWriter{fail: true}
	p := NewPublisher(w, 4, nil)
	p.Publish(models.SecurityEvent{Client: "a"})
	p.Publish(models.SecurityEvent{Client: "b"})
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	p.Publish(models.SecurityEvent{Client: "c"})
}
