package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	id       string
	work     func(ctx context.Context) (any, error)
	started  chan struct{}
	proceed  chan struct{}
}

func (j *fakeJob) ID() string { return j.id }

func (j *fakeJob) Run(ctx context.Context) (any, error) {
	if j.started != nil {
		close(j.started)
	}
	if j.proceed != nil {
		<-j.proceed
	}
	if j.work != nil {
		return j.work(ctx)
	}
	return j.id, nil
}

type collector struct {
	mu      sync.Mutex
	results []Result
}

func (c *collector) onResult(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) snapshot() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Result, len(c.results))
	copy(out, c.results)
	return out
}

func TestSubmitDeliversResult(t *testing.T) {
	col := &collector{}
	p := New(Config{MaxWorkers: 2, OnResult: col.onResult})
	defer p.Close()

	p.Submit(&fakeJob{id: "a"})

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, time.Second, time.Millisecond)
	r := col.snapshot()[0]
	assert.Equal(t, "a", r.JobID)
	assert.Equal(t, "a", r.Value)
	assert.NoError(t, r.Err)
	assert.False(t, r.Cancelled)
}

func TestCancelBeforeExecutionSkipsJob(t *testing.T) {
	col := &collector{}
	// Single worker so job "a" blocks the pipeline long enough to cancel "b".
	p := New(Config{MaxWorkers: 1, OnResult: col.onResult})
	defer p.Close()

	blockStarted := make(chan struct{})
	blockProceed := make(chan struct{})
	p.Submit(&fakeJob{id: "a", started: blockStarted, proceed: blockProceed})
	<-blockStarted

	p.Submit(&fakeJob{id: "b"})
	p.Cancel("b")
	close(blockProceed)

	require.Eventually(t, func() bool { return len(col.snapshot()) == 2 }, time.Second, time.Millisecond)
	results := col.snapshot()
	var bResult Result
	for _, r := range results {
		if r.JobID == "b" {
			bResult = r
		}
	}
	assert.True(t, bResult.Cancelled)
}

func TestCancelDuringExecutionCancelsRunContext(t *testing.T) {
	col := &collector{}
	p := New(Config{MaxWorkers: 1, OnResult: col.onResult})
	defer p.Close()

	started := make(chan struct{})
	p.Submit(&fakeJob{
		id:      "mid-flight",
		started: started,
		work: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	<-started
	p.Cancel("mid-flight")

	require.Eventually(t, func() bool { return len(col.snapshot()) == 1 }, time.Second, time.Millisecond)
	r := col.snapshot()[0]
	assert.Equal(t, "mid-flight", r.JobID)
	assert.True(t, r.Cancelled)
	assert.Error(t, r.Err)
}

func TestSetConcurrencyThrottlesInFlight(t *testing.T) {
	var mu sync.Mutex
	maxSeen := 0
	cur := 0

	p := New(Config{MaxWorkers: 4})
	defer p.Close()
	p.SetConcurrency(1)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		id := fmt.Sprintf("job-%d", i)
		p.Submit(&fakeJob{id: id, work: func(ctx context.Context) (any, error) {
			mu.Lock()
			cur++
			if cur > maxSeen {
				maxSeen = cur
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			cur--
			mu.Unlock()
			wg.Done()
			return nil, nil
		}})
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxSeen, "concurrency ceiling of 1 should never be exceeded")
}

func TestSetConcurrencyRestoresThroughput(t *testing.T) {
	col := &collector{}
	p := New(Config{MaxWorkers: 4, OnResult: col.onResult})
	defer p.Close()
	p.SetConcurrency(1)
	p.SetConcurrency(4)

	for i := 0; i < 4; i++ {
		p.Submit(&fakeJob{id: fmt.Sprintf("job-%d", i)})
	}

	require.Eventually(t, func() bool { return len(col.snapshot()) == 4 }, time.Second, time.Millisecond)
}
