package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const writerQueueSize = 32

// Inserter is the write side of the store; the Writer only needs Insert.
type Inserter interface {
	Insert(ctx context.Context, rec SummaryRecord) error
}

type writeJob struct {
	rec  SummaryRecord
	done chan error
}

// Writer serializes all summary writes through one task with a bounded
// queue. A failed insert is retried with exponential backoff (at most three
// attempts), then dropped with a log.
type Writer struct {
	store  Inserter
	logger *slog.Logger

	jobs      chan writeJob
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewWriter(store Inserter, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		store:  store,
		logger: logger,
		jobs:   make(chan writeJob, writerQueueSize),
		closed: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Enqueue submits one record. The returned channel receives the final write
// outcome (nil on success, the last error after retries are exhausted, or an
// immediate error if the queue is full or the writer is shut down).
func (w *Writer) Enqueue(rec SummaryRecord) <-chan error {
	done := make(chan error, 1)
	select {
	case <-w.closed:
		done <- context.Canceled
		return done
	default:
	}
	select {
	case w.jobs <- writeJob{rec: rec, done: done}:
	default:
		w.logger.Warn("summary writer queue full, dropping record", "session_id", rec.SessionID)
		done <- context.DeadlineExceeded
	}
	return done
}

// Shutdown stops intake and drains the queued writes.
func (w *Writer) Shutdown(ctx context.Context) {
	w.closeOnce.Do(func() {
		close(w.closed)
	})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		w.wg.Wait()
	}()
	select {
	case <-finished:
	case <-ctx.Done():
	}
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		select {
		case job := <-w.jobs:
			job.done <- w.write(job.rec)
		case <-w.closed:
			// Drain what is already queued, then stop.
			for {
				select {
				case job := <-w.jobs:
					job.done <- w.write(job.rec)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(rec SummaryRecord) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.store.Insert(ctx, rec); err != nil {
			w.logger.Warn("summary insert failed",
				"session_id", rec.SessionID, "attempt", attempt, "err", err)
			return err
		}
		return nil
	}, policy)
	if err != nil {
		w.logger.Error("summary dropped after retries",
			"session_id", rec.SessionID, "err", err)
	}
	return err
}
