package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/Rogers-F/tierforge/internal/domain"
)

// Handle is the future for one submitted run.
type Handle struct {
	TaskID string

	done    chan struct{}
	cancel  context.CancelFunc
	summary *domain.IntentSummary
	err     error
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done. Abandoning a Wait does
// not cancel the run; use Dispatcher.Cancel for that.
func (h *Handle) Wait(ctx context.Context) (*domain.IntentSummary, error) {
	select {
	case <-h.done:
		return h.summary, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatcher submits runs to a Runner with bounded parallelism and at most one
// in-flight run per task.
type Dispatcher struct {
	Runner  Runner
	Timeout time.Duration
	Logger  zerolog.Logger

	sem      *semaphore.Weighted
	mu       sync.Mutex
	inflight map[string]*Handle
}

// NewDispatcher creates a Dispatcher. maxParallel below 1 is treated as 1.
func NewDispatcher(runner Runner, maxParallel int, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Dispatcher{
		Runner:   runner,
		Timeout:  timeout,
		Logger:   logger,
		sem:      semaphore.NewWeighted(int64(maxParallel)),
		inflight: make(map[string]*Handle),
	}
}

// Ready reports whether a runner is configured.
func (d *Dispatcher) Ready() bool {
	return d != nil && d.Runner != nil
}

// Submit starts a run and returns immediately. The run is cancelled when ctx
// is done, when the timeout elapses, or on Cancel(req.TaskID).
func (d *Dispatcher) Submit(ctx context.Context, req Request) (*Handle, error) {
	if !d.Ready() {
		return nil, domain.ErrRunnerNotReady
	}

	runCtx, cancel := context.WithCancel(ctx)
	if d.Timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, d.Timeout)
		base := cancel
		cancel = func() { tcancel(); base() }
	}
	h := &Handle{TaskID: req.TaskID, done: make(chan struct{}), cancel: cancel}

	d.mu.Lock()
	if _, busy := d.inflight[req.TaskID]; busy {
		d.mu.Unlock()
		cancel()
		return nil, domain.ErrExecutionBusy
	}
	d.inflight[req.TaskID] = h
	d.mu.Unlock()

	go d.run(runCtx, h, req)
	return h, nil
}

func (d *Dispatcher) run(ctx context.Context, h *Handle, req Request) {
	defer func() {
		d.mu.Lock()
		delete(d.inflight, req.TaskID)
		d.mu.Unlock()
		h.cancel()
		close(h.done)
	}()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		h.err = domain.WrapEngineError(domain.ErrExecutionCancelled.Code, domain.ErrExecutionCancelled.Message, err)
		return
	}
	defer d.sem.Release(1)

	start := time.Now()
	summary, err := d.Runner.Execute(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil && ctx.Err() != nil {
		err = domain.WrapEngineError(domain.ErrExecutionCancelled.Code, domain.ErrExecutionCancelled.Message, ctx.Err())
	}
	h.summary, h.err = summary, err

	ev := d.Logger.Debug()
	if err != nil {
		ev = d.Logger.Warn().Err(err)
	}
	ev.Str("task_id", req.TaskID).Dur("elapsed", time.Since(start)).Msg("execution finished")
}

// Cancel aborts the in-flight run for taskID, if any, without waiting for it.
func (d *Dispatcher) Cancel(taskID string) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	h, ok := d.inflight[taskID]
	d.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// CancelAll aborts every in-flight run.
func (d *Dispatcher) CancelAll() {
	d.mu.Lock()
	handles := make([]*Handle, 0, len(d.inflight))
	for _, h := range d.inflight {
		handles = append(handles, h)
	}
	d.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// InFlight reports whether taskID currently has a run.
func (d *Dispatcher) InFlight(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[taskID]
	return ok
}
