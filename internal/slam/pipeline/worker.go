package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/slamctl/internal/timeutil"
)

// DefaultWorkerInterval is the idle sleep between worker iterations.
const DefaultWorkerInterval = 3 * time.Millisecond

// WorkerControl implements the stop/release/finish handshake shared by the
// background workers. Collaborators embed it and call Run with their
// per-iteration work.
//
// A stop request parks the worker between iterations; Release resumes it.
// A finish request ends Run, after which IsFinished reports true.
type WorkerControl struct {
	mu              sync.Mutex
	stopRequested   bool
	stopped         bool
	finishRequested bool
	finished        bool
	running         bool
}

// Run calls step repeatedly until a finish is requested or ctx ends,
// sleeping interval on clock between iterations. It returns immediately if
// the worker is already running.
func (w *WorkerControl) Run(ctx context.Context, clock timeutil.Clock, interval time.Duration, step func(context.Context)) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.finished = false
	w.mu.Unlock()

	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}

	defer func() {
		w.mu.Lock()
		w.running = false
		w.finished = true
		w.stopped = true
		w.mu.Unlock()
	}()

	for {
		if w.CheckFinish() || ctx.Err() != nil {
			return
		}
		if w.stopIfRequested() {
			for w.IsStopped() && !w.CheckFinish() && ctx.Err() == nil {
				clock.Sleep(interval)
			}
			continue
		}
		if step != nil {
			step(ctx)
		}
		clock.Sleep(interval)
	}
}

// RequestStop asks the worker to park after its current iteration.
func (w *WorkerControl) RequestStop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopRequested = true
}

// StopRequested reports whether a stop is pending.
func (w *WorkerControl) StopRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopRequested
}

// IsStopped reports whether the worker is parked.
func (w *WorkerControl) IsStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Release resumes a parked worker. It has no effect once finished.
func (w *WorkerControl) Release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finished {
		return
	}
	w.stopped = false
	w.stopRequested = false
}

// RequestFinish asks Run to return. It does not wait.
func (w *WorkerControl) RequestFinish() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.finishRequested = true
}

// CheckFinish reports whether a finish is pending.
func (w *WorkerControl) CheckFinish() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finishRequested
}

// IsFinished reports whether Run has returned after a finish request.
func (w *WorkerControl) IsFinished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.finished
}

func (w *WorkerControl) stopIfRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopRequested && !w.finishRequested {
		w.stopped = true
		return true
	}
	return false
}
