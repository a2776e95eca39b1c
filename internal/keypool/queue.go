package keypool

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const defaultAvgServiceTime = 2 * time.Second

// waiter is one enqueued request waiting for a credential.
type waiter struct {
	model      string
	multimodal bool
	streaming  bool
	result     chan selectOutcome
	done       int32 // set via CompareAndSwap once result has been sent
}

type selectOutcome struct {
	cred *Credential
	err  error
}

func (w *waiter) deliver(out selectOutcome) bool {
	if !atomic.CompareAndSwapInt32(&w.done, 0, 1) {
		return false
	}
	w.result <- out
	return true
}

// familyQueue is the FIFO for one (service, model-family) pair.
type familyQueue struct {
	mu      sync.Mutex
	waiters *list.List // of *waiter

	avgMu   sync.Mutex
	avgTime time.Duration
	samples int
}

func newFamilyQueue() *familyQueue {
	return &familyQueue{waiters: list.New(), avgTime: defaultAvgServiceTime}
}

// Queue is the per-provider Dispatch Queue (§4.4): a FIFO per model
// family, admitted by a polling sweep against KeyPool.getLockoutPeriod.
type Queue struct {
	provider     *CredentialProvider
	pollInterval time.Duration

	mu       sync.Mutex
	families map[string]*familyQueue

	wake chan struct{}
}

// NewQueue constructs a Queue serving provider's credential set.
func NewQueue(provider *CredentialProvider, pollInterval time.Duration) *Queue {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	return &Queue{
		provider:     provider,
		pollInterval: pollInterval,
		families:     make(map[string]*familyQueue),
		wake:         make(chan struct{}, 1),
	}
}

func (q *Queue) familyFor(family string) *familyQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	fq, ok := q.families[family]
	if !ok {
		fq = newFamilyQueue()
		q.families[family] = fq
	}
	return fq
}

func (q *Queue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue implements §4.4's enqueue(request) contract: block until a
// credential is admitted, the context is cancelled, or (never in
// practice, since the sweep retries indefinitely) admission becomes
// permanently impossible. On cancellation it returns ErrCancelled.
func (q *Queue) Enqueue(ctx context.Context, model string, multimodal, streaming bool) (*Credential, error) {
	family := q.provider.Variant().FamilyOf(model)
	fq := q.familyFor(family)

	w := &waiter{model: model, multimodal: multimodal, streaming: streaming, result: make(chan selectOutcome, 1)}

	fq.mu.Lock()
	elem := fq.waiters.PushBack(w)
	fq.mu.Unlock()
	q.nudge()

	select {
	case out := <-w.result:
		return out.cred, out.err
	case <-ctx.Done():
		if w.deliver(selectOutcome{err: ErrCancelled}) {
			fq.mu.Lock()
			fq.waiters.Remove(elem)
			fq.mu.Unlock()
			return nil, ErrCancelled
		}
		// Lost the race: admission already happened concurrently.
		out := <-w.result
		return out.cred, out.err
	}
}

// Depths returns the current queue depth for every family that has ever
// had a waiter, keyed by family name. Used by the management API.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	families := make([]string, 0, len(q.families))
	for f := range q.families {
		families = append(families, f)
	}
	q.mu.Unlock()

	out := make(map[string]int, len(families))
	for _, f := range families {
		out[f] = q.QueueDepth(f)
	}
	return out
}

// QueueDepth returns the number of requests currently waiting for family.
func (q *Queue) QueueDepth(family string) int {
	fq := q.familyFor(family)
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return fq.waiters.Len()
}

// RecordServiceTime folds an observed upstream request duration into
// family's running average, used by EstimatedQueueTime.
func (q *Queue) RecordServiceTime(family string, d time.Duration) {
	fq := q.familyFor(family)
	fq.avgMu.Lock()
	defer fq.avgMu.Unlock()
	fq.samples++
	if fq.samples == 1 {
		fq.avgTime = d
		return
	}
	// Simple running mean; avoids a dependency for what is a one-line
	// calculation.
	fq.avgTime += (d - fq.avgTime) / time.Duration(fq.samples)
}

// EstimatedQueueTime implements §4.4's estimatedQueueTime(family) =
// queueDepth(family) × avgServiceTime(family).
func (q *Queue) EstimatedQueueTime(family string) time.Duration {
	fq := q.familyFor(family)
	fq.avgMu.Lock()
	avg := fq.avgTime
	fq.avgMu.Unlock()
	return time.Duration(q.QueueDepth(family)) * avg
}

// Run drives the admission sweep until ctx is cancelled: every
// pollInterval (and whenever nudged by a fresh Enqueue), scan every
// family with waiters and admit the oldest one whose family's lockout
// period has dropped to zero.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		q.sweep()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) sweep() {
	q.mu.Lock()
	families := make([]string, 0, len(q.families))
	for f := range q.families {
		families = append(families, f)
	}
	q.mu.Unlock()

	for _, family := range families {
		q.sweepFamily(family)
	}
}

// sweepFamily admits at most one waiter per call; Run's loop cadence
// (every pollInterval) catches up the rest, preserving the FIFO contract
// without holding a family's lock across the blocking parts of Select
// (Select itself never blocks, so this is mostly for symmetry with the
// spec's per-tick single-dequeue description).
func (q *Queue) sweepFamily(family string) {
	fq := q.familyFor(family)

	fq.mu.Lock()
	front := fq.waiters.Front()
	fq.mu.Unlock()
	if front == nil {
		return
	}

	if q.provider.GetLockoutPeriod(family) > 0 {
		return
	}

	w := front.Value.(*waiter)
	cred, err := q.provider.Select(w.model, w.multimodal, w.streaming)
	if err != nil {
		// Still no eligible credential at this instant; stays queued.
		return
	}

	fq.mu.Lock()
	fq.waiters.Remove(front)
	fq.mu.Unlock()

	w.deliver(selectOutcome{cred: cred})
}
