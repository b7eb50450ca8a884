package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Result resolves a render job: a temp file on success, Cancelled when
// the job was withdrawn, or an error.
type Result struct {
	TmpPath   string
	Err       error
	Cancelled bool
}

// Job is one scheduled render. Its Done channel resolves exactly once.
type Job struct {
	ComponentID int
	DocumentID  int

	run    func(ctx context.Context) (string, error)
	done   chan Result
	cancel context.CancelFunc

	cancelled bool
	delivered bool
}

// Done resolves when the job finished, failed, or was cancelled.
func (j *Job) Done() <-chan Result { return j.done }

// Orchestrator bounds render concurrency across every open document and
// coalesces request bursts behind a debounce window. It schedules only;
// what a job does comes in as a closure.
type Orchestrator struct {
	mu sync.Mutex

	sem      *semaphore.Weighted
	debounce time.Duration

	pending map[int]*Job
	working map[int]*Job
	byDoc   map[int]map[int]*Job

	timerActive bool
	onIdle      map[int]func()

	logger *zap.Logger
	wg     sync.WaitGroup
	closed bool
}

// NewOrchestrator creates an orchestrator allowing maxParallel in-flight
// renders, draining the queue debounce after the first enqueue.
func NewOrchestrator(maxParallel int, debounce time.Duration, logger *zap.Logger) *Orchestrator {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		sem:      semaphore.NewWeighted(int64(maxParallel)),
		debounce: debounce,
		pending:  make(map[int]*Job),
		working:  make(map[int]*Job),
		byDoc:    make(map[int]map[int]*Job),
		onIdle:   make(map[int]func()),
		logger:   logger,
	}
}

// SetIdleCallback registers the callback fired when a document's pending
// and working sets both empty out. One callback per document.
func (o *Orchestrator) SetIdleCallback(documentID int, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fn == nil {
		delete(o.onIdle, documentID)
		return
	}
	o.onIdle[documentID] = fn
}

// Render enqueues a job for a component. A component already pending, or
// working and not cancelled, is a caller bug and is rejected.
func (o *Orchestrator) Render(documentID, componentID int, run func(ctx context.Context) (string, error)) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, fmt.Errorf("orchestrator closed")
	}
	if _, ok := o.pending[componentID]; ok {
		return nil, fmt.Errorf("component %d already has a pending render", componentID)
	}
	// A cancelled job still waiting on its RPC does not block a
	// successor; the queue holds the new job until the old one returns.
	if working, ok := o.working[componentID]; ok && !working.cancelled {
		return nil, fmt.Errorf("component %d already has a working render", componentID)
	}

	job := &Job{
		ComponentID: componentID,
		DocumentID:  documentID,
		run:         run,
		done:        make(chan Result, 1),
	}
	o.pending[componentID] = job
	docJobs := o.byDoc[documentID]
	if docJobs == nil {
		docJobs = make(map[int]*Job)
		o.byDoc[documentID] = docJobs
	}
	docJobs[componentID] = job

	// The debounce timer starts on the first enqueue of a burst; later
	// enqueues join the same window.
	if !o.timerActive {
		o.timerActive = true
		time.AfterFunc(o.debounce, o.drain)
	}
	return job, nil
}

// Cancel withdraws a component's render. Pending jobs resolve
// immediately; working jobs resolve as cancelled once their RPC returns.
func (o *Orchestrator) Cancel(componentID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelLocked(componentID)
}

func (o *Orchestrator) cancelLocked(componentID int) {
	if job, ok := o.pending[componentID]; ok {
		delete(o.pending, componentID)
		o.forgetLocked(job)
		o.deliverLocked(job, Result{Cancelled: true})
		o.checkIdleLocked(job.DocumentID)
		return
	}
	if job, ok := o.working[componentID]; ok {
		job.cancelled = true
		if job.cancel != nil {
			job.cancel()
		}
	}
}

// CancelDocument withdraws every job belonging to one document.
func (o *Orchestrator) CancelDocument(documentID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for componentID := range o.byDoc[documentID] {
		o.cancelLocked(componentID)
	}
}

// PendingCount returns the number of queued and in-flight jobs for a
// document.
func (o *Orchestrator) PendingCount(documentID int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.byDoc[documentID])
}

// Close cancels everything and waits for in-flight work to settle.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	var ids []int
	for id := range o.pending {
		ids = append(ids, id)
	}
	for _, id := range ids {
		o.cancelLocked(id)
	}
	for _, job := range o.working {
		job.cancelled = true
		if job.cancel != nil {
			job.cancel()
		}
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// drain moves pending jobs into the working set while capacity remains.
func (o *Orchestrator) drain() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.timerActive = false
	if len(o.pending) > 0 {
		o.logger.Debug("draining render queue",
			zap.Int("pending", len(o.pending)), zap.Int("working", len(o.working)))
	}

	for componentID, job := range o.pending {
		if _, busy := o.working[componentID]; busy {
			continue
		}
		if !o.sem.TryAcquire(1) {
			return
		}
		delete(o.pending, componentID)
		o.working[componentID] = job

		ctx, cancel := context.WithCancel(context.Background())
		job.cancel = cancel

		o.wg.Add(1)
		go o.invoke(ctx, job)
	}
}

func (o *Orchestrator) invoke(ctx context.Context, job *Job) {
	defer o.wg.Done()
	defer job.cancel()

	path, err := job.run(ctx)
	o.sem.Release(1)

	o.mu.Lock()
	if o.working[job.ComponentID] == job {
		delete(o.working, job.ComponentID)
	}
	o.forgetLocked(job)

	switch {
	case job.cancelled:
		o.deliverLocked(job, Result{TmpPath: path, Cancelled: true})
	case err != nil:
		o.deliverLocked(job, Result{Err: err})
	default:
		o.deliverLocked(job, Result{TmpPath: path})
	}
	o.checkIdleLocked(job.DocumentID)
	o.mu.Unlock()

	// Freed capacity may unblock the remaining queue at once.
	o.drain()
}

// forgetLocked drops the job from its document index, leaving a
// successor registered under the same component untouched.
func (o *Orchestrator) forgetLocked(job *Job) {
	docJobs := o.byDoc[job.DocumentID]
	if docJobs[job.ComponentID] == job {
		delete(docJobs, job.ComponentID)
	}
	if len(docJobs) == 0 {
		delete(o.byDoc, job.DocumentID)
	}
}

func (o *Orchestrator) deliverLocked(job *Job, res Result) {
	if job.delivered {
		return
	}
	job.delivered = true
	job.done <- res
}

func (o *Orchestrator) checkIdleLocked(documentID int) {
	if len(o.byDoc[documentID]) != 0 {
		return
	}
	if fn := o.onIdle[documentID]; fn != nil {
		go fn()
	}
}
