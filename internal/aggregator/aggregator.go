// Package aggregator 负责读数入窗与统计触发
//
// 摄入路径是同步校验 + 异步计算：窗口不存在直接拒绝（无副作用）；
// 追加成功后只做触发判断，统计计算一律走任务队列，绝不在摄入路径上算。
package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"wearable-monitor/internal/models"
)

// TaskComputeStats 统计计算任务名
const TaskComputeStats = "stats.compute"

// ComputeStatsPayload 统计计算任务载荷
type ComputeStatsPayload struct {
	WindowID string `json:"window_id"`
}

// WindowStore 聚合器依赖的窗口查询
type WindowStore interface {
	GetByID(ctx context.Context, windowID string) (*models.Window, error)
}

// ReadingStore 聚合器依赖的读数操作
type ReadingStore interface {
	Append(ctx context.Context, reading *models.Reading) (*models.Reading, error)
	CountByWindow(ctx context.Context, windowID string) (int, error)
}

// TaskSubmitter 任务入队接口（由 queue.Runner 实现）
type TaskSubmitter interface {
	Submit(ctx context.Context, name string, payload interface{}, countdown time.Duration) (string, error)
}

// Aggregator 窗口聚合器
type Aggregator struct {
	windows   WindowStore
	readings  ReadingStore
	tasks     TaskSubmitter
	batchSize int
	logger    *zap.Logger
}

// NewAggregator 创建窗口聚合器
func NewAggregator(windows WindowStore, readings ReadingStore, tasks TaskSubmitter, batchSize int, logger *zap.Logger) *Aggregator {
	if batchSize <= 0 {
		batchSize = 5
	}
	return &Aggregator{
		windows:   windows,
		readings:  readings,
		tasks:     tasks,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Ingest 摄入单条读数
//
// 触发规则：追加后读数总数为批大小的正整数倍，或窗口时间跨度已结束。
// 触发只入队 stats.compute，摄入路径不做计算。
func (a *Aggregator) Ingest(ctx context.Context, windowID string, reading *models.Reading) (*models.Reading, error) {
	window, err := a.windows.GetByID(ctx, windowID)
	if err != nil {
		return nil, err
	}

	reading.WindowID = windowID
	saved, err := a.readings.Append(ctx, reading)
	if err != nil {
		return nil, fmt.Errorf("failed to append reading: %w", err)
	}

	if err := a.maybeTrigger(ctx, window); err != nil {
		// 触发失败不影响已落库的读数，调度器兜底
		a.logger.Warn("Failed to trigger statistics task",
			zap.String("window_id", windowID),
			zap.Error(err),
		)
	}

	return saved, nil
}

// IngestBatch 批量摄入（设备端缓冲上报）
//
// 一次窗口校验、逐条追加、结束后做一次触发判断。
func (a *Aggregator) IngestBatch(ctx context.Context, windowID string, readings []*models.Reading) ([]*models.Reading, error) {
	window, err := a.windows.GetByID(ctx, windowID)
	if err != nil {
		return nil, err
	}

	saved := make([]*models.Reading, 0, len(readings))
	for _, reading := range readings {
		reading.WindowID = windowID
		s, err := a.readings.Append(ctx, reading)
		if err != nil {
			return saved, fmt.Errorf("failed to append reading: %w", err)
		}
		saved = append(saved, s)
	}

	if len(saved) > 0 {
		if err := a.maybeTrigger(ctx, window); err != nil {
			a.logger.Warn("Failed to trigger statistics task",
				zap.String("window_id", windowID),
				zap.Error(err),
			)
		}
	}

	return saved, nil
}

// maybeTrigger 批边界或窗口到期时入队统计任务
func (a *Aggregator) maybeTrigger(ctx context.Context, window *models.Window) error {
	count, err := a.readings.CountByWindow(ctx, window.ID)
	if err != nil {
		return fmt.Errorf("failed to count readings: %w", err)
	}

	atBatchBoundary := count > 0 && count%a.batchSize == 0
	windowElapsed := !window.IsOpen(time.Now())

	if !atBatchBoundary && !windowElapsed {
		return nil
	}

	taskID, err := a.tasks.Submit(ctx, TaskComputeStats, &ComputeStatsPayload{WindowID: window.ID}, 0)
	if err != nil {
		return fmt.Errorf("failed to enqueue statistics task: %w", err)
	}

	a.logger.Debug("Statistics task triggered",
		zap.String("window_id", window.ID),
		zap.String("task_id", taskID),
		zap.Int("reading_count", count),
		zap.Bool("window_elapsed", windowElapsed),
	)

	return nil
}
