package keypool

import (
	"context"
	"testing"
	"time"
)

func TestNewQueue_DefaultPollInterval(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	q := NewQueue(p, 0)
	if q.pollInterval != 50*time.Millisecond {
		t.Fatalf("expected default 50ms poll interval, got %v", q.pollInterval)
	}
}

func TestQueue_EnqueueAdmitsOnceCredentialAvailable(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	addEligible(p, "sk-a", "some-model")

	q := NewQueue(p, 5*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), time.Second)
	defer reqCancel()

	cred, err := q.Enqueue(reqCtx, "some-model", false, false)
	if err != nil {
		t.Fatalf("expected admission, got error %v", err)
	}
	if cred == nil {
		t.Fatal("expected a non-nil credential")
	}
}

func TestQueue_EnqueueBlocksWithNoEligibleCredential(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	q := NewQueue(p, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer reqCancel()

	_, err := q.Enqueue(reqCtx, "some-model", false, false)
	if err != ErrCancelled {
		t.Fatalf("expected ErrCancelled on timeout with no eligible credential, got %v", err)
	}
}

func TestQueue_EnqueueCancellationRemovesWaiter(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	q := NewQueue(p, time.Hour) // sweep never fires on its own

	reqCtx, reqCancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, err := q.Enqueue(reqCtx, "some-model", false, false)
		if err != ErrCancelled {
			t.Errorf("expected ErrCancelled, got %v", err)
		}
		close(done)
	}()

	// Give Enqueue a moment to register the waiter before cancelling.
	time.Sleep(10 * time.Millisecond)
	if depth := q.QueueDepth(q.provider.Variant().FamilyOf("some-model")); depth != 1 {
		t.Fatalf("expected 1 queued waiter before cancellation, got %d", depth)
	}

	reqCancel()
	<-done

	if depth := q.QueueDepth(q.provider.Variant().FamilyOf("some-model")); depth != 0 {
		t.Fatalf("expected cancelled waiter to be removed, got depth %d", depth)
	}
}

func TestQueue_Depths(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	q := NewQueue(p, time.Hour)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()

	done := make(chan struct{})
	go func() {
		q.Enqueue(reqCtx, "some-model", false, false)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	depths := q.Depths()
	if depths["some-model"] != 1 {
		t.Fatalf("expected depth 1 for family some-model, got %v", depths)
	}

	reqCancel()
	<-done
}

func TestQueue_RecordServiceTimeAndEstimatedQueueTime(t *testing.T) {
	p := NewCredentialProvider(testVariant("test"), true, nil)
	q := NewQueue(p, time.Hour)

	if got := q.EstimatedQueueTime("fam"); got != 0 {
		t.Fatalf("empty queue should estimate zero wait, got %v", got)
	}

	q.RecordServiceTime("fam", 4*time.Second)
	q.RecordServiceTime("fam", 6*time.Second)

	fq := q.familyFor("fam")
	fq.avgMu.Lock()
	avg := fq.avgTime
	fq.avgMu.Unlock()
	if avg != 5*time.Second {
		t.Fatalf("expected running average of 5s, got %v", avg)
	}
}
