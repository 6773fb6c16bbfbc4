package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBroker 基于 Redis Streams + ZSET 的任务队列后端
//
// - 到期任务：XADD 到任务流，消费者组读取
// - 延迟任务（countdown/退避重试）：ZADD 到延迟集合（score = 到期时间），
//   搬运协程周期性把到期成员搬到流
// - 任务结果：task:result:<id> 键（带 TTL）
type RedisBroker struct {
	client        *redis.Client
	stream        string
	scheduledSet  string
	consumerGroup string
	consumerName  string
	resultTTL     time.Duration
	logger        *zap.Logger
}

// NewRedisBroker 创建 Redis 任务队列后端
func NewRedisBroker(
	client *redis.Client,
	stream, scheduledSet, consumerGroup, consumerName string,
	resultTTL time.Duration,
	logger *zap.Logger,
) *RedisBroker {
	return &RedisBroker{
		client:        client,
		stream:        stream,
		scheduledSet:  scheduledSet,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		resultTTL:     resultTTL,
		logger:        logger,
	}
}

// Init 创建消费者组并启动延迟任务搬运协程
func (b *RedisBroker) Init(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, b.consumerGroup, "0").Err()
	// BUSYGROUP 表示组已存在，正常
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	go b.promoteLoop(ctx)
	return nil
}

// Enqueue 任务入队
func (b *RedisBroker) Enqueue(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	// 未到期任务进延迟集合
	if task.RunAt.After(time.Now()) {
		err := b.client.ZAdd(ctx, b.scheduledSet, &redis.Z{
			Score:  float64(task.RunAt.UnixMilli()),
			Member: string(data),
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to schedule delayed task: %w", err)
		}
		return nil
	}

	return b.addToStream(ctx, data)
}

func (b *RedisBroker) addToStream(ctx context.Context, data []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"data": string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add task to stream: %w", err)
	}
	return nil
}

// Consume 从任务流读取一批任务（阻塞最多 5 秒）
func (b *RedisBroker) Consume(ctx context.Context, batch int64) ([]*Task, error) {
	streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    b.consumerGroup,
		Consumer: b.consumerName,
		Streams:  []string{b.stream, ">"},
		Count:    batch,
		Block:    5 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from task stream: %w", err)
	}

	var tasks []*Task
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			dataStr, ok := msg.Values["data"].(string)
			if !ok {
				b.logger.Warn("Task message missing data field",
					zap.String("stream_id", msg.ID),
				)
				b.client.XAck(ctx, b.stream, b.consumerGroup, msg.ID)
				continue
			}

			var task Task
			if err := json.Unmarshal([]byte(dataStr), &task); err != nil {
				b.logger.Error("Failed to unmarshal task",
					zap.String("stream_id", msg.ID),
					zap.Error(err),
				)
				b.client.XAck(ctx, b.stream, b.consumerGroup, msg.ID)
				continue
			}

			task.StreamID = msg.ID
			tasks = append(tasks, &task)
		}
	}

	return tasks, nil
}

// Ack 确认任务消息
func (b *RedisBroker) Ack(ctx context.Context, task *Task) error {
	if task.StreamID == "" {
		return nil
	}
	return b.client.XAck(ctx, b.stream, b.consumerGroup, task.StreamID).Err()
}

// SetResult 记录任务结果
func (b *RedisBroker) SetResult(ctx context.Context, taskID string, status string, result interface{}, taskErr string) error {
	ts := &TaskStatus{
		TaskID: taskID,
		Status: status,
		Error:  taskErr,
	}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal task result: %w", err)
		}
		ts.Result = data
	}

	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to marshal task status: %w", err)
	}

	key := resultKey(taskID)
	if err := b.client.Set(ctx, key, string(data), b.resultTTL).Err(); err != nil {
		return fmt.Errorf("failed to save task result: %w", err)
	}
	return nil
}

// Status 查询任务状态
func (b *RedisBroker) Status(ctx context.Context, taskID string) (*TaskStatus, error) {
	val, err := b.client.Get(ctx, resultKey(taskID)).Result()
	if err != nil {
		if err == redis.Nil {
			return &TaskStatus{TaskID: taskID, Status: StatusPending}, nil
		}
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	var ts TaskStatus
	if err := json.Unmarshal([]byte(val), &ts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task status: %w", err)
	}
	return &ts, nil
}

// promoteLoop 周期性把到期的延迟任务搬运到任务流
func (b *RedisBroker) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.promoteDue(ctx); err != nil {
				b.logger.Error("Failed to promote scheduled tasks",
					zap.Error(err),
				)
			}
		}
	}
}

// promoteDue 搬运当前到期的延迟任务（ZREM 成功者才入流，避免重复搬运）
func (b *RedisBroker) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	members, err := b.client.ZRangeByScore(ctx, b.scheduledSet, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to range scheduled set: %w", err)
	}

	for _, member := range members {
		removed, err := b.client.ZRem(ctx, b.scheduledSet, member).Result()
		if err != nil {
			return fmt.Errorf("failed to remove scheduled task: %w", err)
		}
		if removed == 0 {
			// 已被其他实例搬运
			continue
		}
		if err := b.addToStream(ctx, []byte(member)); err != nil {
			return err
		}
	}

	return nil
}

func resultKey(taskID string) string {
	return "task:result:" + taskID
}
