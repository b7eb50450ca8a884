package render

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testDebounce = 10 * time.Millisecond

func instantRun(path string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return path, nil }
}

func TestOrchestrator_RunsJobAfterDebounce(t *testing.T) {
	defer goleak.VerifyNone(t)
	o := NewOrchestrator(2, testDebounce, nil)
	defer o.Close()

	job, err := o.Render(1, 100, instantRun("/tmp/a.png"))
	require.NoError(t, err)

	select {
	case res := <-job.Done():
		require.NoError(t, res.Err)
		assert.Equal(t, "/tmp/a.png", res.TmpPath)
		assert.False(t, res.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("job never completed")
	}
}

func TestOrchestrator_DuplicateComponentRejected(t *testing.T) {
	o := NewOrchestrator(2, time.Minute, nil)
	defer o.Close()

	_, err := o.Render(1, 100, instantRun("a"))
	require.NoError(t, err)
	_, err = o.Render(1, 100, instantRun("b"))
	require.Error(t, err)
}

func TestOrchestrator_ConcurrencyBound(t *testing.T) {
	o := NewOrchestrator(2, testDebounce, nil)
	defer o.Close()

	var inFlight, peak, total atomic.Int32
	var jobs []*Job
	for i := 0; i < 8; i++ {
		job, err := o.Render(1, 100+i, func(context.Context) (string, error) {
			cur := inFlight.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			total.Add(1)
			return "x", nil
		})
		require.NoError(t, err)
		jobs = append(jobs, job)
	}

	for _, job := range jobs {
		select {
		case <-job.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("job starved")
		}
	}
	assert.Equal(t, int32(8), total.Load())
	assert.LessOrEqual(t, peak.Load(), int32(2), "render concurrency exceeded the bound")
}

func TestOrchestrator_CancelPendingResolvesWithoutError(t *testing.T) {
	o := NewOrchestrator(1, time.Minute, nil) // debounce far away
	defer o.Close()

	job, err := o.Render(1, 100, instantRun("never"))
	require.NoError(t, err)

	o.Cancel(100)

	select {
	case res := <-job.Done():
		assert.True(t, res.Cancelled)
		assert.NoError(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("cancelled job never resolved")
	}
	assert.Zero(t, o.PendingCount(1))
}

func TestOrchestrator_CancelWorkingMarksForRejection(t *testing.T) {
	o := NewOrchestrator(1, testDebounce, nil)
	defer o.Close()

	started := make(chan struct{})
	job, err := o.Render(1, 100, func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.NoError(t, err)

	<-started
	o.Cancel(100)

	select {
	case res := <-job.Done():
		assert.True(t, res.Cancelled)
	case <-time.After(time.Second):
		t.Fatal("working job never resolved after cancel")
	}
}

func TestOrchestrator_CancelDocumentSweepsAllJobs(t *testing.T) {
	o := NewOrchestrator(1, time.Minute, nil)
	defer o.Close()

	var jobs []*Job
	for i := 0; i < 3; i++ {
		job, err := o.Render(7, 200+i, instantRun("x"))
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	other, err := o.Render(8, 300, instantRun("y"))
	require.NoError(t, err)

	o.CancelDocument(7)

	for _, job := range jobs {
		res := <-job.Done()
		assert.True(t, res.Cancelled)
	}
	assert.Zero(t, o.PendingCount(7))
	assert.Equal(t, 1, o.PendingCount(8))
	_ = other
}

func TestOrchestrator_IdleFiresWhenDocumentDrains(t *testing.T) {
	o := NewOrchestrator(2, testDebounce, nil)
	defer o.Close()

	idle := make(chan struct{}, 1)
	o.SetIdleCallback(1, func() {
		select {
		case idle <- struct{}{}:
		default:
		}
	})

	var jobs []*Job
	for i := 0; i < 4; i++ {
		job, err := o.Render(1, 100+i, instantRun(fmt.Sprintf("f%d", i)))
		require.NoError(t, err)
		jobs = append(jobs, job)
	}
	for _, job := range jobs {
		<-job.Done()
	}

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle never fired")
	}
	assert.Zero(t, o.PendingCount(1))
}

func TestOrchestrator_DebounceCoalescesBurst(t *testing.T) {
	o := NewOrchestrator(4, 50*time.Millisecond, nil)
	defer o.Close()

	var mu sync.Mutex
	var startTimes []time.Time

	begin := time.Now()
	for i := 0; i < 3; i++ {
		_, err := o.Render(1, 100+i, func(context.Context) (string, error) {
			mu.Lock()
			startTimes = append(startTimes, time.Now())
			mu.Unlock()
			return "x", nil
		})
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(startTimes) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, ts := range startTimes {
		assert.GreaterOrEqual(t, ts.Sub(begin), 40*time.Millisecond,
			"jobs must not start before the debounce window closes")
	}
}
