package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryBroker 内存任务队列后端（单机运行和单元测试）
//
// 与 RedisBroker 行为对齐：延迟任务到期后才可被消费。
type MemoryBroker struct {
	mu        sync.Mutex
	pending   []*Task
	scheduled []*Task
	results   map[string]*TaskStatus
}

// NewMemoryBroker 创建内存任务队列
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		results: make(map[string]*TaskStatus),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, task *Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if task.RunAt.After(time.Now()) {
		b.scheduled = append(b.scheduled, task)
	} else {
		b.pending = append(b.pending, task)
	}
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, batch int64) ([]*Task, error) {
	b.mu.Lock()

	// 先搬运到期的延迟任务
	now := time.Now()
	var stillScheduled []*Task
	for _, task := range b.scheduled {
		if !task.RunAt.After(now) {
			b.pending = append(b.pending, task)
		} else {
			stillScheduled = append(stillScheduled, task)
		}
	}
	b.scheduled = stillScheduled

	n := int64(len(b.pending))
	if n > batch {
		n = batch
	}
	tasks := b.pending[:n]
	b.pending = b.pending[n:]
	b.mu.Unlock()

	if len(tasks) == 0 {
		// 模拟阻塞读取，避免空转
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	return tasks, nil
}

func (b *MemoryBroker) Ack(ctx context.Context, task *Task) error {
	return nil
}

func (b *MemoryBroker) SetResult(ctx context.Context, taskID string, status string, result interface{}, taskErr string) error {
	ts := &TaskStatus{
		TaskID: taskID,
		Status: status,
		Error:  taskErr,
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return err
		}
		ts.Result = data
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.results[taskID] = ts
	return nil
}

func (b *MemoryBroker) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ts, ok := b.results[taskID]; ok {
		return ts, nil
	}
	return &TaskStatus{TaskID: taskID, Status: StatusPending}, nil
}

// ScheduledCount 当前延迟队列长度（测试用）
func (b *MemoryBroker) ScheduledCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scheduled)
}
