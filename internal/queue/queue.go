// Package queue 提供持久化任务队列与有界工作池
//
// 调度模型：
// - 任务写入 Redis Streams（到期任务）或 ZSET（延迟任务，到期后搬运到流）
// - 有界工作池按消费者组读取并执行，互不阻塞摄入路径
// - 瞬态错误按 base×2^attempt 指数退避重新入队，超过次数上限后记录失败
// - 终态错误（NotFound/NoData/契约不匹配）不重试，直接记录
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 任务状态
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Task 一个待执行的工作单元
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	MaxRetries int             `json:"max_retries"`
	RunAt      time.Time       `json:"run_at"`

	// StreamID Redis 消息 ID（仅在消费侧有值，用于 ACK，不序列化）
	StreamID string `json:"-"`
}

// TaskStatus 任务执行状态查询结果
type TaskStatus struct {
	TaskID string          `json:"task_id"`
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Broker 任务队列后端（Redis 实现用于生产，内存实现用于测试/单机）
type Broker interface {
	// Enqueue 任务入队；RunAt 在未来时进入延迟集合
	Enqueue(ctx context.Context, task *Task) error
	// Consume 拉取一批到期任务（可短暂阻塞）
	Consume(ctx context.Context, batch int64) ([]*Task, error)
	// Ack 确认任务已处理完毕
	Ack(ctx context.Context, task *Task) error
	// SetResult 记录任务结果
	SetResult(ctx context.Context, taskID string, status string, result interface{}, taskErr string) error
	// Status 查询任务状态（未记录结果时返回 pending）
	Status(ctx context.Context, taskID string) (*TaskStatus, error)
}

// terminalError 终态错误包装（不重试）
type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal 把错误标记为终态（NotFound/NoData/契约不匹配等，不重试）
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal 判断错误是否终态
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// HandlerFunc 任务处理函数；返回终态错误用 Terminal 包装
type HandlerFunc func(ctx context.Context, task *Task) (interface{}, error)

// Runner 有界工作池
type Runner struct {
	broker      Broker
	workerCount int
	batchSize   int64
	maxRetries  int
	retryBase   time.Duration
	handlers    map[string]HandlerFunc
	logger      *zap.Logger
}

// NewRunner 创建工作池
//
// batchSize 是单次 Consume 拉取的任务上限，非正数时退化为 workerCount。
func NewRunner(broker Broker, workerCount int, batchSize int64, maxRetries int, retryBase time.Duration, logger *zap.Logger) *Runner {
	if workerCount <= 0 {
		workerCount = 1
	}
	if batchSize <= 0 {
		batchSize = int64(workerCount)
	}
	return &Runner{
		broker:      broker,
		workerCount: workerCount,
		batchSize:   batchSize,
		maxRetries:  maxRetries,
		retryBase:   retryBase,
		handlers:    make(map[string]HandlerFunc),
		logger:      logger,
	}
}

// Register 注册任务处理函数（按任务名分发）
func (r *Runner) Register(name string, handler HandlerFunc) {
	r.handlers[name] = handler
}

// Submit 便捷入队：序列化 payload，生成任务 ID，countdown 为延迟执行时间
func (r *Runner) Submit(ctx context.Context, name string, payload interface{}, countdown time.Duration) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("failed to marshal task payload: %w", err)
		}
		raw = data
	}

	task := &Task{
		ID:         uuid.New().String(),
		Name:       name,
		Payload:    raw,
		MaxRetries: r.maxRetries,
		RunAt:      time.Now().Add(countdown),
	}

	if err := r.broker.Enqueue(ctx, task); err != nil {
		return "", fmt.Errorf("failed to enqueue task %s: %w", name, err)
	}

	r.logger.Debug("Task enqueued",
		zap.String("task_id", task.ID),
		zap.String("task_name", name),
		zap.Duration("countdown", countdown),
	)

	return task.ID, nil
}

// Start 启动工作池（阻塞直到 ctx 取消）
func (r *Runner) Start(ctx context.Context) error {
	taskChan := make(chan *Task)

	// 工作协程
	for i := 0; i < r.workerCount; i++ {
		go func(workerID int) {
			for {
				select {
				case <-ctx.Done():
					return
				case task := <-taskChan:
					r.process(ctx, task)
				}
			}
		}(i)
	}

	r.logger.Info("Worker pool started",
		zap.Int("worker_count", r.workerCount),
	)

	// 消费循环（失败时指数退避，成功后复位）
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			tasks, err := r.broker.Consume(ctx, r.batchSize)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.logger.Error("Failed to consume tasks",
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
				continue
			}
			backoffDuration = time.Second

			for _, task := range tasks {
				select {
				case <-ctx.Done():
					return nil
				case taskChan <- task:
				}
			}
		}
	}
}

// process 执行单个任务并处理重试/记录
func (r *Runner) process(ctx context.Context, task *Task) {
	defer func() {
		if err := r.broker.Ack(ctx, task); err != nil {
			r.logger.Warn("Failed to ack task",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
		}
	}()

	handler, ok := r.handlers[task.Name]
	if !ok {
		r.logger.Error("No handler registered for task",
			zap.String("task_name", task.Name),
			zap.String("task_id", task.ID),
		)
		_ = r.broker.SetResult(ctx, task.ID, StatusFailed, nil, "no handler registered")
		return
	}

	result, err := handler(ctx, task)
	if err == nil {
		if setErr := r.broker.SetResult(ctx, task.ID, StatusDone, result, ""); setErr != nil {
			r.logger.Warn("Failed to record task result",
				zap.String("task_id", task.ID),
				zap.Error(setErr),
			)
		}
		return
	}

	if IsTerminal(err) || task.Attempt >= task.MaxRetries {
		r.logger.Error("Task failed permanently",
			zap.String("task_id", task.ID),
			zap.String("task_name", task.Name),
			zap.Int("attempt", task.Attempt),
			zap.Bool("terminal", IsTerminal(err)),
			zap.Error(err),
		)
		_ = r.broker.SetResult(ctx, task.ID, StatusFailed, nil, err.Error())
		return
	}

	// 瞬态错误：base × 2^attempt 退避后重新入队
	backoff := r.retryBase * time.Duration(1<<uint(task.Attempt))
	retry := &Task{
		ID:         task.ID,
		Name:       task.Name,
		Payload:    task.Payload,
		Attempt:    task.Attempt + 1,
		MaxRetries: task.MaxRetries,
		RunAt:      time.Now().Add(backoff),
	}

	r.logger.Warn("Task failed, scheduling retry",
		zap.String("task_id", task.ID),
		zap.String("task_name", task.Name),
		zap.Int("next_attempt", retry.Attempt),
		zap.Duration("backoff", backoff),
		zap.Error(err),
	)

	if enqErr := r.broker.Enqueue(ctx, retry); enqErr != nil {
		r.logger.Error("Failed to re-enqueue task",
			zap.String("task_id", task.ID),
			zap.Error(enqErr),
		)
		_ = r.broker.SetResult(ctx, task.ID, StatusFailed, nil, err.Error())
	}
}
