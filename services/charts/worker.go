package charts

import (
	"context"
	"sync"

	"billboard-api-go/logcolors"
	"billboard-api-go/services/notifier"
	"billboard-api-go/services/providers"
	"billboard-api-go/stats"

	log "github.com/sirupsen/logrus"
)

// Job asks for a basic snapshot to be enriched in the background.
type Job struct {
	Key      providers.ChartKey
	Snapshot *providers.ChartSnapshot
}

// Worker runs enrichment jobs off the request path. The queue is bounded
// and a key already queued or running is not queued again.
type Worker struct {
	jobs    chan Job
	run     func(context.Context, Job)
	workers int

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a stopped worker pool.
func NewWorker(workers, queueSize int, run func(context.Context, Job)) *Worker {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		jobs:     make(chan Job, queueSize),
		run:      run,
		workers:  workers,
		inflight: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the worker goroutines.
func (w *Worker) Start() {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.loop(i)
	}
	log.Infof("%s Started %d enrichment workers (queue %d)", logcolors.LogWorker, w.workers, cap(w.jobs))
}

func (w *Worker) loop(id int) {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case job := <-w.jobs:
			log.Debugf("%s Worker %d enriching %s", logcolors.LogWorker, id, job.Key)
			w.run(w.ctx, job)
			w.done(job.Key)
		}
	}
}

// Enqueue queues job unless its key is already pending or the queue is
// full. It never blocks.
func (w *Worker) Enqueue(job Job) bool {
	key := job.Key.String()

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	if _, dup := w.inflight[key]; dup {
		w.mu.Unlock()
		return false
	}
	w.inflight[key] = struct{}{}
	w.mu.Unlock()

	select {
	case w.jobs <- job:
		stats.Get().BackgroundQueued.Add(1)
		return true
	default:
		w.done(job.Key)
		stats.Get().BackgroundDropped.Add(1)
		log.Warnf("%s Queue full, dropping background enrichment for %s", logcolors.LogWarning, key)
		notifier.PublishEnrichmentDropped(key, cap(w.jobs))
		return false
	}
}

func (w *Worker) done(key providers.ChartKey) {
	w.mu.Lock()
	delete(w.inflight, key.String())
	w.mu.Unlock()
}

// Pending returns the number of keys queued or running.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// Stop cancels running jobs and waits for the workers to exit or ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
