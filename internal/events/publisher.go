// Package events ships security events to an external sink without blocking
// the request path.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"request-guard/internal/models"
)

const (
	DefaultBufferSize = 1024
	flushTimeout      = 5 * time.Second
)

// MessageWriter is satisfied by *client.KafkaProducer and *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink accepts events. Implementations must not block.
type Sink interface {
	Publish(ev models.SecurityEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(models.SecurityEvent) {}

// Publisher queues events and writes them from a single goroutine. When the
// queue is full new events are dropped and counted.
type Publisher struct {
	writer MessageWriter
	logger *zap.Logger
	queue  chan models.SecurityEvent
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped int64
}

func NewPublisher(writer MessageWriter, bufferSize int, logger *zap.Logger) *Publisher {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		writer: writer,
		logger: logger,
		queue:  make(chan models.SecurityEvent, bufferSize),
		done:   make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Publisher) Publish(ev models.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		p.dropped++
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close stops accepting events, writes what is queued and closes the writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done
	return p.writer.Close()
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		msg, err := encode(ev)
		if err != nil {
			p.logger.Error("Failed to encode security event", zap.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := p.writer.WriteMessages(ctx, msg); err != nil {
			p.logger.Warn("Failed to publish security event",
				zap.String("type", ev.Type),
				zap.String("reason", ev.Reason),
				zap.Error(err))
		}
		cancel()
	}
}

func encode(ev models.SecurityEvent) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.Client),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}
