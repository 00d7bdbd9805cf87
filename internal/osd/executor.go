// Package osd is the per-node storage engine. A fixed pool of workers each
// owns the files whose id hashes to it, so every operation on one file runs
// serially on one goroutine while unrelated files proceed in parallel.
package osd

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"github.com/stripestore/osd/internal/metrics"
	"github.com/stripestore/osd/internal/storage"
	"github.com/stripestore/osd/internal/striping"
)

// Config holds executor configuration.
type Config struct {
	NodeID        string
	Layout        storage.Layout
	Peers         Peers
	Workers       int           // default 4
	QueueSize     int           // per worker, default 256
	PeerTimeout   time.Duration // default 5s
	MaxObjectSize int64         // 0 = unlimited
	Now           func() time.Time
	Metrics       *Metrics
	Logger        zerolog.Logger
}

type result struct {
	value any
	err   error
}

type task struct {
	op     string
	fileID string
	run    func(w *worker) (any, error)
	done   chan result // nil for notifications
}

// Executor routes operations to the worker owning their file.
type Executor struct {
	cfg     Config
	workers []*worker
	metrics *Metrics
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // workers
	sends  sync.WaitGroup // fire-and-forget gmax sends

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewExecutor creates an executor. Call Start before submitting operations.
func NewExecutor(cfg Config) (*Executor, error) {
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("%w: node id required", ErrInvalidArgument)
	}
	if cfg.Layout == nil {
		return nil, fmt.Errorf("%w: storage layout required", ErrInvalidArgument)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Peers == nil {
		cfg.Peers = noPeers{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = InitMetrics(metrics.Registry)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With().Str("component", "executor").Logger(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		e.workers = append(e.workers, &worker{
			id:    i,
			label: strconv.Itoa(i),
			e:     e,
			queue: make(chan *task, cfg.QueueSize),
			cache: newFileCache(cfg.Layout, e.logger.With().Int("worker", i).Logger()),
		})
	}
	return e, nil
}

// Start launches the workers.
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	for _, w := range e.workers {
		e.wg.Add(1)
		go w.run()
	}
	e.logger.Info().
		Str("node_id", e.cfg.NodeID).
		Str("layout", e.cfg.Layout.Name()).
		Int("workers", len(e.workers)).
		Msg("Storage executor started")
}

// Stop flushes every worker's cache and stops the workers. Operations still
// queued fail with ErrExecutorClosed.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	started := e.started
	e.mu.Unlock()

	if started {
		if err := e.FlushCaches(context.Background()); err != nil {
			e.logger.Warn().Err(err).Msg("Flush on stop failed")
		}
	}

	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.sends.Wait()
	e.logger.Info().Msg("Storage executor stopped")
}

func (e *Executor) workerFor(fileID string) *worker {
	return e.workers[xxhash.Sum64String(fileID)%uint64(len(e.workers))]
}

func (e *Executor) enqueue(ctx context.Context, w *worker, t *task) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed || !e.started {
		return ErrExecutorClosed
	}
	select {
	case w.queue <- t:
		e.metrics.QueueDepth.WithLabelValues(w.label).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrExecutorClosed
	}
}

// submit runs fn on the worker owning fileID and waits for its result. When
// ctx ends first the caller stops waiting but the worker still completes the
// operation.
func (e *Executor) submit(ctx context.Context, op, fileID string, fn func(w *worker) (any, error)) (any, error) {
	if err := checkFileID(fileID); err != nil {
		return nil, err
	}
	t := &task{op: op, fileID: fileID, run: fn, done: make(chan result, 1)}
	if err := e.enqueue(ctx, e.workerFor(fileID), t); err != nil {
		return nil, err
	}
	select {
	case r := <-t.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrExecutorClosed
	}
}

// checkFileID rejects ids that do not name a single file.
func checkFileID(fileID string) error {
	switch fileID {
	case "", ".", "..":
		return fmt.Errorf("%w: file id %q", ErrInvalidArgument, fileID)
	}
	return nil
}

// broadcast runs fn once on every worker.
func (e *Executor) broadcast(ctx context.Context, op string, fn func(w *worker) error) error {
	tasks := make([]*task, 0, len(e.workers))
	for _, w := range e.workers {
		t := &task{op: op, run: func(w *worker) (any, error) { return nil, fn(w) }, done: make(chan result, 1)}
		if err := e.enqueue(ctx, w, t); err != nil {
			return err
		}
		tasks = append(tasks, t)
	}
	var firstErr error
	for _, t := range tasks {
		select {
		case r := <-t.done:
			if r.err != nil && firstErr == nil {
				firstErr = r.err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return ErrExecutorClosed
		}
	}
	return firstErr
}

// Read returns a byte range of one object.
func (e *Executor) Read(ctx context.Context, req ReadRequest) (*ReadResponse, error) {
	v, err := e.submit(ctx, "read", req.FileID, func(w *worker) (any, error) { return w.read(req) })
	if err != nil {
		return nil, err
	}
	return v.(*ReadResponse), nil
}

// Write stores data into one object.
func (e *Executor) Write(ctx context.Context, req WriteRequest) (*WriteResponse, error) {
	v, err := e.submit(ctx, "write", req.FileID, func(w *worker) (any, error) { return w.write(req) })
	if err != nil {
		return nil, err
	}
	return v.(*WriteResponse), nil
}

// Truncate changes the size of a file.
func (e *Executor) Truncate(ctx context.Context, req TruncateRequest) (*TruncateResponse, error) {
	v, err := e.submit(ctx, "truncate", req.FileID, func(w *worker) (any, error) { return w.truncate(req) })
	if err != nil {
		return nil, err
	}
	return v.(*TruncateResponse), nil
}

// DeleteObjects removes the local objects of a file and, on the head
// replica, of every peer holding it.
func (e *Executor) DeleteObjects(ctx context.Context, req DeleteRequest) error {
	_, err := e.submit(ctx, "delete", req.FileID, func(w *worker) (any, error) { return nil, w.deleteObjects(req) })
	return err
}

// GetFileSize returns the size of a file. For striped files the peers are
// consulted first.
func (e *Executor) GetFileSize(ctx context.Context, fileID string, policy striping.Policy, locs striping.Locations) (int64, error) {
	v, err := e.submit(ctx, "get_file_size", fileID, func(w *worker) (any, error) {
		return w.getFileSize(fileID, policy, locs)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// GmaxReceived queues a peer's gmax update. It does not wait for the update
// to be applied.
func (e *Executor) GmaxReceived(fileID string, g Gmax) error {
	if err := checkFileID(fileID); err != nil {
		return err
	}
	t := &task{op: "gmax_received", fileID: fileID, run: func(w *worker) (any, error) {
		return nil, w.gmaxReceived(fileID, g)
	}}
	return e.enqueue(e.ctx, e.workerFor(fileID), t)
}

// InternalFetchGmax answers a peer's gmax fetch. locs may be empty when the
// caller does not know the file layout.
func (e *Executor) InternalFetchGmax(ctx context.Context, fileID string, locs striping.Locations) (Gmax, error) {
	v, err := e.submit(ctx, "fetch_gmax", fileID, func(w *worker) (any, error) {
		return w.localGmax(fileID, locs)
	})
	if err != nil {
		return Gmax{}, err
	}
	return v.(Gmax), nil
}

// CloseFile ends the client session of a file. Under copy-on-write a file
// version is committed if anything was written since it was opened.
func (e *Executor) CloseFile(ctx context.Context, fileID string) error {
	_, err := e.submit(ctx, "close", fileID, func(w *worker) (any, error) { return nil, w.closeFile(fileID) })
	return err
}

// CommitVersion records the current state of a file as a new file version and
// returns its timestamp.
func (e *Executor) CommitVersion(ctx context.Context, fileID string) (int64, error) {
	v, err := e.submit(ctx, "commit_version", fileID, func(w *worker) (any, error) { return w.commitVersion(fileID) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

// PurgeVersions keeps the file versions needed by the given snapshot
// timestamps, deletes object versions no longer reachable and returns the
// retained timestamps.
func (e *Executor) PurgeVersions(ctx context.Context, fileID string, snapshots []int64) ([]int64, error) {
	v, err := e.submit(ctx, "purge_versions", fileID, func(w *worker) (any, error) {
		return w.purgeVersions(fileID, snapshots)
	})
	if err != nil {
		return nil, err
	}
	return v.([]int64), nil
}

// FlushCaches persists pending metadata and drops closed files from every
// worker's cache.
func (e *Executor) FlushCaches(ctx context.Context) error {
	return e.broadcast(ctx, "flush", func(w *worker) error { return w.flush() })
}

// worker is a single goroutine serving one partition of file ids.
type worker struct {
	id    int
	label string
	e     *Executor
	queue chan *task
	cache *fileCache
}

func (w *worker) run() {
	defer w.e.wg.Done()
	for {
		select {
		case <-w.e.ctx.Done():
			return
		case t := <-w.queue:
			w.e.metrics.QueueDepth.WithLabelValues(w.label).Dec()
			w.exec(t)
		}
	}
}

func (w *worker) exec(t *task) {
	start := time.Now()
	before := w.cache.len()

	v, err := t.run(w)

	w.e.metrics.OpsTotal.WithLabelValues(t.op, statusLabel(err)).Inc()
	w.e.metrics.OpDuration.WithLabelValues(t.op).Observe(time.Since(start).Seconds())
	if delta := w.cache.len() - before; delta != 0 {
		w.e.metrics.CachedFiles.Add(float64(delta))
	}
	if err != nil {
		w.logger().Debug().Err(err).Str("op", t.op).Str("file_id", t.fileID).Msg("operation failed")
	}
	if t.done != nil {
		t.done <- result{value: v, err: err}
	}
}

func (w *worker) logger() *zerolog.Logger {
	return &w.cache.logger
}
