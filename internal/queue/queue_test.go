package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wearable-monitor/internal/queue"
)

// recordingBroker 包装 MemoryBroker，记录每次入队的重试任务和消费批大小
type recordingBroker struct {
	*queue.MemoryBroker
	mu       sync.Mutex
	enqueued []recordedEnqueue
	batches  []int64
}

type recordedEnqueue struct {
	task *queue.Task
	at   time.Time
}

func (b *recordingBroker) Enqueue(ctx context.Context, task *queue.Task) error {
	b.mu.Lock()
	b.enqueued = append(b.enqueued, recordedEnqueue{task: task, at: time.Now()})
	b.mu.Unlock()
	return b.MemoryBroker.Enqueue(ctx, task)
}

func (b *recordingBroker) Consume(ctx context.Context, batch int64) ([]*queue.Task, error) {
	b.mu.Lock()
	b.batches = append(b.batches, batch)
	b.mu.Unlock()
	return b.MemoryBroker.Consume(ctx, batch)
}

func (b *recordingBroker) consumeBatches() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int64(nil), b.batches...)
}

func (b *recordingBroker) retries() []recordedEnqueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []recordedEnqueue
	for _, e := range b.enqueued {
		if e.task.Attempt > 0 {
			out = append(out, e)
		}
	}
	return out
}

func waitForStatus(t *testing.T, broker queue.Broker, taskID string, want string) *queue.TaskStatus {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ts, err := broker.Status(context.Background(), taskID)
		require.NoError(t, err)
		if ts.Status == want {
			return ts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached status %s", taskID, want)
	return nil
}

func TestRunner_TransientFailureRetriedWithBackoff(t *testing.T) {
	broker := &recordingBroker{MemoryBroker: queue.NewMemoryBroker()}

	retryBase := 20 * time.Millisecond
	runner := queue.NewRunner(broker, 2, 10, 3, retryBase, zap.NewNop())

	var mu sync.Mutex
	attempts := 0
	runner.Register("flaky", func(ctx context.Context, task *queue.Task) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		// 前两次模拟依赖不可用，第三次成功
		if attempts <= 2 {
			return nil, errors.New("model store unavailable")
		}
		return map[string]bool{"success": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Start(ctx)

	taskID, err := runner.Submit(ctx, "flaky", nil, 0)
	require.NoError(t, err)

	ts := waitForStatus(t, broker, taskID, queue.StatusDone)
	assert.Contains(t, string(ts.Result), "success")

	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()

	// 恰好两次重试，退避递增（base×1、base×2）
	retries := broker.retries()
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].task.Attempt)
	assert.Equal(t, 2, retries[1].task.Attempt)

	d1 := retries[0].task.RunAt.Sub(retries[0].at)
	d2 := retries[1].task.RunAt.Sub(retries[1].at)
	assert.InDelta(t, float64(retryBase), float64(d1), float64(10*time.Millisecond))
	assert.InDelta(t, float64(2*retryBase), float64(d2), float64(10*time.Millisecond))
}

func TestRunner_TerminalErrorNotRetried(t *testing.T) {
	broker := &recordingBroker{MemoryBroker: queue.NewMemoryBroker()}
	runner := queue.NewRunner(broker, 1, 10, 3, 10*time.Millisecond, zap.NewNop())

	var mu sync.Mutex
	attempts := 0
	runner.Register("terminal", func(ctx context.Context, task *queue.Task) (interface{}, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, queue.Terminal(errors.New("window not found"))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Start(ctx)

	taskID, err := runner.Submit(ctx, "terminal", nil, 0)
	require.NoError(t, err)

	ts := waitForStatus(t, broker, taskID, queue.StatusFailed)
	assert.Equal(t, "window not found", ts.Error)

	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
	assert.Empty(t, broker.retries())
}

func TestRunner_RetriesExhausted(t *testing.T) {
	broker := &recordingBroker{MemoryBroker: queue.NewMemoryBroker()}
	runner := queue.NewRunner(broker, 1, 10, 2, time.Millisecond, zap.NewNop())

	var mu sync.Mutex
	attempts := 0
	runner.Register("always-fails", func(ctx context.Context, task *queue.Task) (interface{}, error) {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil, errors.New("store unavailable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Start(ctx)

	taskID, err := runner.Submit(ctx, "always-fails", nil, 0)
	require.NoError(t, err)

	ts := waitForStatus(t, broker, taskID, queue.StatusFailed)
	assert.Equal(t, "store unavailable", ts.Error)

	// 初次 + 2 次重试
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestRunner_DelayedTaskWaitsForCountdown(t *testing.T) {
	broker := queue.NewMemoryBroker()
	runner := queue.NewRunner(broker, 1, 10, 0, time.Millisecond, zap.NewNop())

	done := make(chan time.Time, 1)
	runner.Register("delayed", func(ctx context.Context, task *queue.Task) (interface{}, error) {
		done <- time.Now()
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Start(ctx)

	countdown := 50 * time.Millisecond
	start := time.Now()
	_, err := runner.Submit(ctx, "delayed", nil, countdown)
	require.NoError(t, err)

	select {
	case executedAt := <-done:
		assert.GreaterOrEqual(t, executedAt.Sub(start), countdown-5*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed task never executed")
	}
}

func TestRunner_ConsumeUsesConfiguredBatchSize(t *testing.T) {
	broker := &recordingBroker{MemoryBroker: queue.NewMemoryBroker()}
	runner := queue.NewRunner(broker, 2, 7, 0, time.Millisecond, zap.NewNop())

	runner.Register("noop", func(ctx context.Context, task *queue.Task) (interface{}, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Start(ctx)

	taskID, err := runner.Submit(ctx, "noop", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, broker, taskID, queue.StatusDone)

	batches := broker.consumeBatches()
	require.NotEmpty(t, batches)
	for _, batch := range batches {
		assert.Equal(t, int64(7), batch)
	}
}

func TestRunner_BatchSizeDefaultsToWorkerCount(t *testing.T) {
	broker := &recordingBroker{MemoryBroker: queue.NewMemoryBroker()}
	runner := queue.NewRunner(broker, 3, 0, 0, time.Millisecond, zap.NewNop())

	runner.Register("noop", func(ctx context.Context, task *queue.Task) (interface{}, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.Start(ctx)

	taskID, err := runner.Submit(ctx, "noop", nil, 0)
	require.NoError(t, err)
	waitForStatus(t, broker, taskID, queue.StatusDone)

	batches := broker.consumeBatches()
	require.NotEmpty(t, batches)
	assert.Equal(t, int64(3), batches[0])
}

func TestMemoryBroker_Status_PendingByDefault(t *testing.T) {
	broker := queue.NewMemoryBroker()

	ts, err := broker.Status(context.Background(), "unknown-task")
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, ts.Status)
}
