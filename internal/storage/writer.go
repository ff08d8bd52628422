package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AuditWriter decouples request handling from audit persistence: records
// are buffered and written by a background goroutine with retries, and a
// full buffer drops entries rather than blocking an execution.
type AuditWriter struct {
	db         *DB
	execs      chan *Execution
	violations chan *ViolationRecord
	wg         sync.WaitGroup
	done       chan struct{}
}

func NewAuditWriter(db *DB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:         db,
		execs:      make(chan *Execution, bufferSize),
		violations: make(chan *ViolationRecord, bufferSize),
		done:       make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues an execution record.
func (w *AuditWriter) Log(exec *Execution) {
	select {
	case w.execs <- exec:
	default:
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
	}
}

// LogViolation queues a security finding record.
func (w *AuditWriter) LogViolation(v *ViolationRecord) {
	select {
	case w.violations <- v:
	default:
		log.Warn().Str("exec_id", v.ExecutionID).Msg("audit buffer full, dropping violation entry")
	}
}

func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.execs:
			w.writeWithRetry(exec.ID, func(ctx context.Context) error {
				return w.db.LogExecution(ctx, exec)
			})
		case v := <-w.violations:
			w.writeWithRetry(v.ExecutionID, func(ctx context.Context) error {
				return w.db.LogViolation(ctx, v)
			})
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case exec := <-w.execs:
					w.writeWithRetry(exec.ID, func(ctx context.Context) error {
						return w.db.LogExecution(ctx, exec)
					})
				case v := <-w.violations:
					w.writeWithRetry(v.ExecutionID, func(ctx context.Context) error {
						return w.db.LogViolation(ctx, v)
					})
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(id string, write func(context.Context) error) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := write(ctx)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("exec_id", id).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", id).
				Msg("audit write failed permanently after retries")
		}
	}
}
