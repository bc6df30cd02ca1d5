package calllog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// Call-log status milestones.
	StatusInitiated = "initiated"
	StatusRinging   = "ringing"
	StatusAnswered  = "answered"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
	StatusBusy      = "busy"
	StatusNoAnswer  = "no_answer"

	requestTimeout = 10 * time.Second
	queueSize      = 16
)

// API is the subset of the call-log client the synchronizer needs.
type API interface {
	Create(ctx context.Context, req CreateRequest) (string, error)
	Update(ctx context.Context, id string, patch Patch) error
}

// Synchronizer reports call milestones without blocking the caller.
// Each call gets a Tracker whose updates are applied in order on a
// dedicated goroutine, so a slow service never stalls call handling.
type Synchronizer struct {
	api    API
	logger *slog.Logger
}

func NewSynchronizer(api API, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		api:    api,
		logger: logger.With("subsystem", "calllog"),
	}
}

// Begin creates a call-log entry in the background and returns a
// tracker for subsequent milestone updates. If creation fails every
// later update on the tracker is dropped.
func (s *Synchronizer) Begin(req CreateRequest) *Tracker {
	t := &Tracker{
		logger: s.logger,
		queue:  make(chan Patch, queueSize),
		done:   make(chan struct{}),
	}
	go t.run(s.api, req)
	return t
}

// Tracker serializes updates for one call-log entry.
type Tracker struct {
	logger *slog.Logger
	queue  chan Patch
	done   chan struct{}

	id atomic.Value // string, set once creation succeeds

	mu     sync.Mutex
	closed bool
}

// ID returns the server-assigned call-log ID, or empty while creation
// is still in flight or after it failed.
func (t *Tracker) ID() string {
	if v, ok := t.id.Load().(string); ok {
		return v
	}
	return ""
}

// Update enqueues a milestone update. Drops the update if the tracker
// is finalized or the queue is full.
func (t *Tracker) Update(patch Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- patch:
	default:
		t.logger.Warn("call-log update queue full, dropping update", "status", patch.Status)
	}
}

// Finalize enqueues the terminal update and closes the tracker.
// Further updates are ignored.
func (t *Tracker) Finalize(patch Patch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	select {
	case t.queue <- patch:
	default:
		t.logger.Warn("call-log update queue full, dropping final update", "status", patch.Status)
	}
	close(t.queue)
}

// Done is closed once all queued updates have been applied or dropped.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) run(api API, req CreateRequest) {
	defer close(t.done)

	// Sync disabled: consume and drop everything.
	if api == nil {
		for range t.queue {
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	id, err := api.Create(ctx, req)
	cancel()
	if err != nil {
		t.logger.Error("creating call-log entry failed, skipping milestone updates",
			"phone_number", req.PhoneNumber, "error", err)
		for range t.queue {
		}
		return
	}
	t.id.Store(id)
	t.logger.Debug("call-log entry created", "call_log_id", id)

	for patch := range t.queue {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := api.Update(ctx, id, patch); err != nil {
			t.logger.Error("updating call-log entry failed",
				"call_log_id", id, "status", patch.Status, "error", err)
		}
		cancel()
	}
}
