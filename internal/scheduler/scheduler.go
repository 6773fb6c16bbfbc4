// Package scheduler 提供窗口滚动调度与无数据兜底
//
// 调度器是批边界触发的兜底：设备停发导致批边界永远到不了时，
// 由周期巡检强制结算到期窗口、开启后继窗口、补触发预测。
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wearable-monitor/internal/models"
	"wearable-monitor/internal/predictor"
	"wearable-monitor/internal/stats"
)

// TaskCheckActivity 传感器活动巡检任务名
const TaskCheckActivity = "monitor.check_activity"

// CheckActivityPayload 活动巡检任务载荷
type CheckActivityPayload struct {
	PersonID string `json:"person_id"`
	WindowID string `json:"window_id"`
}

// SessionRegistry 调度器依赖的会话操作
type SessionRegistry interface {
	ActivePersons(ctx context.Context) ([]string, error)
	GetSessionByPerson(ctx context.Context, personID string) (*models.Session, error)
	UpdateWindowPointer(ctx context.Context, personID, newWindowID string) error
}

// WindowStore 调度器依赖的窗口操作
type WindowStore interface {
	GetByID(ctx context.Context, windowID string) (*models.Window, error)
	Create(ctx context.Context, personID string, startTime, endTime time.Time) (*models.Window, error)
}

// ReadingStore 调度器依赖的读数查询
type ReadingStore interface {
	CountByWindow(ctx context.Context, windowID string) (int, error)
}

// StatsComputer 统计计算入口
type StatsComputer interface {
	Compute(ctx context.Context, windowID string) (*stats.Result, error)
}

// TaskSubmitter 任务入队接口
type TaskSubmitter interface {
	Submit(ctx context.Context, name string, payload interface{}, countdown time.Duration) (string, error)
}

// CycleResult 一轮调度的计数
type CycleResult struct {
	Skipped              bool `json:"skipped"`
	WindowsCreated       int  `json:"windows_created"`
	WindowsCalculated    int  `json:"windows_calculated"`
	PredictionsTriggered int  `json:"predictions_triggered"`
}

// Scheduler 窗口调度器
type Scheduler struct {
	registry    SessionRegistry
	windows     WindowStore
	readings    ReadingStore
	stats       StatsComputer
	tasks       TaskSubmitter
	windowSpan  time.Duration
	minReadings int
	interval    time.Duration
	logger      *zap.Logger

	// 防止上一轮拖长后与新一轮并发执行
	running sync.Mutex
}

// NewScheduler 创建窗口调度器
func NewScheduler(
	registry SessionRegistry,
	windows WindowStore,
	readings ReadingStore,
	statsComputer StatsComputer,
	tasks TaskSubmitter,
	windowSpan time.Duration,
	minReadings int,
	interval time.Duration,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		registry:    registry,
		windows:     windows,
		readings:    readings,
		stats:       statsComputer,
		tasks:       tasks,
		windowSpan:  windowSpan,
		minReadings: minReadings,
		interval:    interval,
		logger:      logger,
	}
}

// Start 周期执行调度循环（阻塞直到 ctx 取消）
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Window scheduler started",
		zap.Duration("interval", s.interval),
		zap.Duration("window_span", s.windowSpan),
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := s.RunCycle(ctx)
			if result.Skipped {
				continue
			}
			s.logger.Info("Scheduler cycle completed",
				zap.Int("windows_created", result.WindowsCreated),
				zap.Int("windows_calculated", result.WindowsCalculated),
				zap.Int("predictions_triggered", result.PredictionsTriggered),
			)
		}
	}
}

// RunCycle 执行一轮调度
//
// 上一轮尚未结束时本轮直接跳过（不排队，不并发）。
// 单人失败只记日志并跳过，不影响其余人员。
func (s *Scheduler) RunCycle(ctx context.Context) *CycleResult {
	if !s.running.TryLock() {
		s.logger.Warn("Previous scheduler cycle still running, skipping")
		return &CycleResult{Skipped: true}
	}
	defer s.running.Unlock()

	result := &CycleResult{}

	persons, err := s.registry.ActivePersons(ctx)
	if err != nil {
		s.logger.Error("Failed to list active persons",
			zap.Error(err),
		)
		return result
	}

	for _, personID := range persons {
		if err := s.rolloverPerson(ctx, personID, result); err != nil {
			s.logger.Error("Failed to process person in scheduler cycle",
				zap.String("person_id", personID),
				zap.Error(err),
			)
		}
	}

	return result
}

// rolloverPerson 单人处理：到期窗口结算 + 预测补触发 + 后继窗口
func (s *Scheduler) rolloverPerson(ctx context.Context, personID string, result *CycleResult) error {
	session, err := s.registry.GetSessionByPerson(ctx, personID)
	if err != nil {
		return fmt.Errorf("failed to get session: %w", err)
	}

	window, err := s.windows.GetByID(ctx, session.WindowID)
	if err != nil {
		return fmt.Errorf("failed to get window: %w", err)
	}

	now := time.Now()
	if window.IsOpen(now) {
		return nil
	}

	count, err := s.readings.CountByWindow(ctx, window.ID)
	if err != nil {
		return fmt.Errorf("failed to count readings: %w", err)
	}

	// 1. 到期窗口有数据就强制结算，哪怕没到批边界
	calculated := false
	if count > 0 {
		if _, err := s.stats.Compute(ctx, window.ID); err != nil {
			s.logger.Warn("Failed to calculate elapsed window",
				zap.String("window_id", window.ID),
				zap.Error(err),
			)
		} else {
			calculated = true
			result.WindowsCalculated++
		}
	}

	// 2. 数据量够且结算成功时补触发预测
	if calculated && count >= s.minReadings {
		if _, err := s.tasks.Submit(ctx, predictor.TaskRunPrediction,
			&predictor.RunPredictionPayload{PersonID: personID}, 0); err != nil {
			s.logger.Warn("Failed to enqueue prediction",
				zap.String("person_id", personID),
				zap.Error(err),
			)
		} else {
			result.PredictionsTriggered++
		}
	}

	// 3. 开启后继窗口并原子改写会话指针
	next, err := s.windows.Create(ctx, personID, now, now.Add(s.windowSpan))
	if err != nil {
		return fmt.Errorf("failed to create successor window: %w", err)
	}
	result.WindowsCreated++

	if err := s.registry.UpdateWindowPointer(ctx, personID, next.ID); err != nil {
		return fmt.Errorf("failed to update session window pointer: %w", err)
	}

	s.logger.Info("Window rolled over",
		zap.String("person_id", personID),
		zap.String("old_window_id", window.ID),
		zap.String("new_window_id", next.ID),
		zap.Int("reading_count", count),
	)

	return nil
}
