// Package reqlog is a fire-and-forget request-log side channel: entries go
// into a bounded queue consumed by background workers. Recording never blocks
// the request path and never affects the idempotency verdict; when the queue
// is full the entry is dropped and counted.
package reqlog

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

type Entry struct {
	Method     string
	Path       string
	Status     int
	TenantID   string
	Scope      string
	Verdict    string
	DurationMS int64
	CreatedAt  time.Time
}

// Sink persists a single entry. Implementations may be slow; backpressure is
// absorbed by the Recorder's queue, never by the request path.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
}

type Recorder struct {
	sink    Sink
	queue   chan Entry
	logger  *log.Logger
	dropped atomic.Int64
	wg      sync.WaitGroup
	workers int
}

func NewRecorder(sink Sink, queueSize, workers int, logger *log.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Recorder{
		sink:    sink,
		queue:   make(chan Entry, queueSize),
		logger:  logger,
		workers: workers,
	}
}

func (r *Recorder) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx)
	}
}

// Record enqueues the entry without blocking. Entries are dropped when the
// queue is full.
func (r *Recorder) Record(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- entry:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Printf("reqlog: queue full, dropping entries (dropped=%d)", r.dropped.Load())
		}
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Wait blocks until the workers have exited; call after cancelling the Start
// context during shutdown.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-r.queue:
			if err := r.sink.Write(ctx, entry); err != nil {
				r.logger.Printf("reqlog: write failed: %v", err)
			}
		}
	}
}
