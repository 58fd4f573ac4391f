package history

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/dorfbus/internal/executor"
)

const (
	defaultQueueSize = 256
	writeTimeout     = 5 * time.Second
	pruneInterval    = time.Hour
)

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder appends executor state changes to a Repository.
//
// Changes are queued and written by one goroutine. When the queue is full the
// change is dropped and counted rather than stalling the bus.
type Recorder struct {
	repo   *Repository
	logger Logger

	mu     sync.RWMutex
	closed bool
	queue  chan func(context.Context) error

	dropped atomic.Uint64
	done    chan struct{}
}

// NewRecorder starts a recorder writing to repo. queueSize <= 0 selects the default.
func NewRecorder(repo *Repository, logger Logger, queueSize int) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	r := &Recorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan func(context.Context) error, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// CoilChanged implements executor.Listener.
func (r *Recorder) CoilChanged(c executor.CoilChange) {
	entry := CoilEntry{
		Coil:      c.Coil.Name,
		Device:    c.Coil.Device,
		Status:    c.Coil.Status,
		Previous:  c.Previous,
		Source:    c.Source,
		CreatedAt: c.At,
	}
	if c.Err != nil {
		entry.Error = c.Err.Error()
	}
	r.enqueue(func(ctx context.Context) error { return r.repo.RecordCoil(ctx, entry) })
}

// DeviceChanged implements executor.Listener.
func (r *Recorder) DeviceChanged(d executor.DeviceChange) {
	entry := DeviceEntry{
		Device:    d.Device.Name,
		Address:   d.Device.Address,
		Seen:      d.Device.Seen,
		WasSeen:   d.WasSeen,
		Version:   d.Device.Version,
		Source:    d.Source,
		CreatedAt: d.At,
	}
	if d.Err != nil {
		entry.Error = d.Err.Error()
	}
	r.enqueue(func(ctx context.Context) error { return r.repo.RecordDevice(ctx, entry) })
}

func (r *Recorder) enqueue(write func(context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- write:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("history queue full, dropping entries")
		}
	}
}

// Dropped returns how many changes were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	for write := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := write(ctx); err != nil {
			r.logger.Error("writing history", "error", err)
		}
		cancel()
	}
}

// Close stops accepting changes and waits until the queue is written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

// RunPruner deletes entries older than retention once an hour until ctx ends.
func (r *Repository) RunPruner(ctx context.Context, retention time.Duration, logger Logger) {
	if retention <= 0 {
		return
	}
	if logger == nil {
		logger = noopLogger{}
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		if _, err := r.PruneHistory(ctx, retention); err != nil && ctx.Err() == nil {
			logger.Warn("pruning history", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
