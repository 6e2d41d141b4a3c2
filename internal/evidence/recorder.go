package evidence

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sentrapay/fraud-engine/internal/idgen"
	"github.com/sentrapay/fraud-engine/internal/logging"
	"github.com/sentrapay/fraud-engine/internal/metrics"
	"github.com/sentrapay/fraud-engine/internal/retry"
)

const (
	defaultQueueSize = 4096
	writeAttempts    = 5
	writeBaseDelay   = 100 * time.Millisecond
	writeTimeout     = 10 * time.Second
	drainGracePeriod = 5 * time.Second
)

// Recorder drains an in-process queue of records into the primary store and
// fans each one out to optional secondary sinks (for example a Kafka topic).
// The primary write is retried with backoff, and records that exhaust their
// retries are requeued rather than discarded, so an outage only loses records
// through queue eviction. Secondary sink failures are logged and counted but
// never block the primary.
type Recorder struct {
	store Store
	sinks []Sink

	ch       chan *Record
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	dropped  atomic.Int64
}

// NewRecorder creates a recorder writing to store, fanning out to sinks.
func NewRecorder(store Store, sinks ...Sink) *Recorder {
	return &Recorder{
		store: store,
		sinks: sinks,
		ch:    make(chan *Record, defaultQueueSize),
		stop:  make(chan struct{}),
	}
}

// Enqueue accepts a record for asynchronous persistence. Non-blocking: on a
// full queue the oldest pending record is evicted to make room, so recent
// evidence survives sustained overload at the expense of the backlog.
func (r *Recorder) Enqueue(rec *Record) {
	if rec.ID == "" {
		rec.ID = idgen.WithPrefix("ev_")
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}

	select {
	case r.ch <- rec:
	default:
		select {
		case <-r.ch:
			r.dropped.Add(1)
			metrics.EvidenceWritesTotal.WithLabelValues("dropped").Inc()
		default:
		}
		select {
		case r.ch <- rec:
		default:
			r.dropped.Add(1)
			metrics.EvidenceWritesTotal.WithLabelValues("dropped").Inc()
		}
	}
	metrics.EvidenceQueueDepth.Set(float64(len(r.ch)))
}

// Dropped returns the number of records evicted from a full queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start drains the queue until ctx is cancelled or Stop is called. Call in a
// goroutine. On shutdown it keeps writing queued records for a short grace
// period before giving up.
func (r *Recorder) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			r.drain()
			return
		case <-r.stop:
			r.drain()
			return
		case rec := <-r.ch:
			r.write(ctx, rec)
			metrics.EvidenceQueueDepth.Set(float64(len(r.ch)))
		}
	}
}

// Stop signals the drain loop to flush remaining records and exit. The stop
// channel is closed, so the signal is never lost to a loop busy mid-write;
// calling Stop more than once is safe.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Running reports whether the drain loop is active.
func (r *Recorder) Running() bool {
	return r.running.Load()
}

func (r *Recorder) drain() {
	deadline := time.Now().Add(drainGracePeriod)
	for {
		select {
		case rec := <-r.ch:
			if time.Now().After(deadline) {
				r.dropped.Add(1)
				metrics.EvidenceWritesTotal.WithLabelValues("dropped").Inc()
				continue
			}
			ctx, cancel := context.WithDeadline(context.Background(), deadline)
			r.write(ctx, rec)
			cancel()
		default:
			return
		}
	}
}

func (r *Recorder) requeue(ctx context.Context, rec *Record) {
	select {
	case r.ch <- rec:
		metrics.EvidenceWritesTotal.WithLabelValues("requeued").Inc()
	default:
		r.dropped.Add(1)
		metrics.EvidenceWritesTotal.WithLabelValues("dropped").Inc()
		logging.L(ctx).Error("evidence queue full, record lost",
			"transaction", rec.TransactionID,
			"record", rec.ID,
		)
	}
	metrics.EvidenceQueueDepth.Set(float64(len(r.ch)))
}

func (r *Recorder) write(ctx context.Context, rec *Record) {
	defer func() {
		if p := recover(); p != nil {
			logging.L(ctx).Error("panic in evidence write", "panic", fmt.Sprint(p), "transaction", rec.TransactionID)
		}
	}()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	attempt := 0
	err := retry.Do(wctx, writeAttempts, writeBaseDelay, func() error {
		attempt++
		if attempt > 1 {
			metrics.EvidenceWritesTotal.WithLabelValues("retried").Inc()
		}
		return r.store.Append(wctx, rec)
	})
	if err != nil {
		metrics.EvidenceWritesTotal.WithLabelValues("failed").Inc()
		logging.L(ctx).Error("evidence write failed after retries",
			"transaction", rec.TransactionID,
			"record", rec.ID,
			"error", err,
		)
		// Back to the tail of the queue. The only way a record is lost is
		// eviction from a full queue; an outage longer than the retry window
		// just cycles the backlog until the store recovers.
		r.requeue(ctx, rec)
		return
	}
	metrics.EvidenceWritesTotal.WithLabelValues("ok").Inc()

	for _, sink := range r.sinks {
		if err := sink.Append(wctx, rec); err != nil {
			metrics.EvidenceWritesTotal.WithLabelValues("sink_error").Inc()
			logging.L(ctx).Warn("evidence sink publish failed",
				"transaction", rec.TransactionID,
				"error", err,
			)
		}
	}
}
