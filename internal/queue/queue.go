// Package queue implements the bounded in-process task queue and worker
// pool behind the async endpoint. Acceptance never blocks on queue space:
// a full queue rejects the enqueue and the caller surfaces back-pressure.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/consuma/consuma/internal/model"
	"github.com/consuma/consuma/internal/store"
	"github.com/consuma/consuma/internal/work"
)

// pollInterval bounds how long an idle worker waits before re-checking the
// shutdown signal.
const pollInterval = time.Second

var (
	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "consuma_queue_depth",
		Help: "Number of tasks enqueued but not yet picked up by a worker.",
	})
	activeWorkersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "consuma_active_workers",
		Help: "Workers currently processing a task.",
	})
	tasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consuma_tasks_processed_total",
			Help: "Total number of tasks processed by terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(queueDepthGauge)
	prometheus.MustRegister(activeWorkersGauge)
	prometheus.MustRegister(tasksProcessedTotal)
}

// Task is one unit of queued async work. It owns no persistent state beyond
// the request id it references.
type Task struct {
	RequestID   string
	InputData   string
	Iterations  int
	CallbackURL string
}

// Deliverer delivers a result payload to a callback URL. Satisfied by
// *callback.Deliverer.
type Deliverer interface {
	Deliver(ctx context.Context, requestID, callbackURL string, payload any)
}

// completionPayload is POSTed to the callback URL when work succeeds.
type completionPayload struct {
	RequestID  string  `json:"request_id"`
	Status     string  `json:"status"`
	Result     string  `json:"result"`
	Iterations int     `json:"iterations"`
	DurationMS float64 `json:"duration_ms"`
}

// errorPayload is POSTed to the callback URL when work fails.
type errorPayload struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

// Queue is a bounded FIFO task queue drained by a fixed worker pool.
type Queue struct {
	log       *slog.Logger
	store     store.Store
	deliverer Deliverer

	ch      chan Task
	workers int

	wg       sync.WaitGroup // worker goroutines
	tasks    sync.WaitGroup // queued + in-flight tasks, for draining
	active   atomic.Int64
	shutdown atomic.Bool
	cancel   context.CancelFunc

	mu      sync.Mutex
	started bool

	// computeFn is the work function; replaceable in tests.
	computeFn func(input string, iterations int) work.Result
}

// New creates a Queue with the given capacity and worker count.
func New(logger *slog.Logger, s store.Store, d Deliverer, capacity, workers int) *Queue {
	return &Queue{
		log:       logger,
		store:     s,
		deliverer: d,
		ch:        make(chan Task, capacity),
		workers:   workers,
		computeFn: work.Compute,
	}
}

// Start launches the worker goroutines.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.started = true
	q.log.Info("queue workers started", "workers", q.workers, "capacity", cap(q.ch))
}

// Enqueue places a task on the queue without blocking. It returns false when
// the queue is full or shutdown has begun.
func (q *Queue) Enqueue(t Task) bool {
	if q.shutdown.Load() {
		return false
	}
	q.tasks.Add(1)
	select {
	case q.ch <- t:
		queueDepthGauge.Set(float64(len(q.ch)))
		return true
	default:
		q.tasks.Done()
		return false
	}
}

// Depth returns the number of tasks waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// ActiveWorkers returns the number of workers currently inside task
// processing.
func (q *Queue) ActiveWorkers() int {
	return int(q.active.Load())
}

// worker pulls tasks with a bounded poll so it can observe the shutdown
// signal within pollInterval even when idle.
func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log := q.log.With("worker", id)
	log.Info("worker started")

	timer := time.NewTimer(pollInterval)
	defer timer.Stop()

	for {
		timer.Reset(pollInterval)
		select {
		case <-ctx.Done():
			log.Info("worker cancelled")
			return
		case task := <-q.ch:
			queueDepthGauge.Set(float64(len(q.ch)))
			q.active.Add(1)
			activeWorkersGauge.Inc()
			q.process(ctx, log, task)
			q.active.Add(-1)
			activeWorkersGauge.Dec()
			q.tasks.Done()
		case <-timer.C:
			if q.shutdown.Load() {
				log.Info("worker stopped")
				return
			}
		}
	}
}

// process runs one task: compute, persist the result, deliver the callback,
// strictly in that order. A compute panic marks the request failed and posts
// an error callback instead.
func (q *Queue) process(ctx context.Context, log *slog.Logger, task Task) {
	result, ok := q.compute(log, task)
	if !ok {
		tasksProcessedTotal.WithLabelValues(model.StatusFailed).Inc()
		if err := q.store.UpdateRequestResult(context.Background(), task.RequestID, model.StatusFailed, "", 0); err != nil {
			log.Error("record failed status", "request_id", task.RequestID, "error", err)
		}
		q.deliverer.Deliver(ctx, task.RequestID, task.CallbackURL, errorPayload{
			RequestID: task.RequestID,
			Status:    model.StatusFailed,
			Error:     "Work computation failed",
		})
		return
	}

	tasksProcessedTotal.WithLabelValues(model.StatusCompleted).Inc()

	// A store hiccup here must not deny the client its result: log and
	// deliver anyway.
	if err := q.store.UpdateRequestResult(context.Background(), task.RequestID, model.StatusCompleted, result.Digest, result.DurationMS); err != nil {
		log.Error("persist result", "request_id", task.RequestID, "error", err)
	}

	q.deliverer.Deliver(ctx, task.RequestID, task.CallbackURL, completionPayload{
		RequestID:  task.RequestID,
		Status:     model.StatusCompleted,
		Result:     result.Digest,
		Iterations: result.Iterations,
		DurationMS: result.DurationMS,
	})
}

// compute runs the work function, catching panics at the worker boundary so
// a bad task cannot kill the worker.
func (q *Queue) compute(log *slog.Logger, task Task) (result work.Result, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("work computation panicked", "request_id", task.RequestID, "panic", r)
			ok = false
		}
	}()
	return q.computeFn(task.InputData, task.Iterations), true
}

// Shutdown stops accepting new tasks, waits up to timeout for queued and
// in-flight tasks to finish, then cancels any stragglers and joins all
// workers.
func (q *Queue) Shutdown(timeout time.Duration) {
	q.shutdown.Store(true)
	q.log.Info("shutting down task queue")

	drained := make(chan struct{})
	go func() {
		q.tasks.Wait()
		close(drained)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-drained:
		q.log.Info("queue drained")
	case <-timer.C:
		q.log.Warn("queue drain timed out", "timeout", timeout)
	}

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	q.log.Info("all workers stopped")
}
