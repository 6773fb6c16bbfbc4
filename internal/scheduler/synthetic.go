package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"wearable-monitor/internal/kv"
	"wearable-monitor/internal/models"
	"wearable-monitor/internal/predictor"
	"wearable-monitor/internal/session"
)

// syntheticFlagPrefix 合成数据选择加入标记键
const syntheticFlagPrefix = "synthetic:enabled:"

// Ingestor 合成读数的摄入入口（由聚合器实现）
type Ingestor interface {
	IngestBatch(ctx context.Context, windowID string, readings []*models.Reading) ([]*models.Reading, error)
}

// SessionResolver 按人解析当前会话（生成器每个节拍重新解析，跟随窗口滚动）
type SessionResolver interface {
	GetSessionByPerson(ctx context.Context, personID string) (*models.Session, error)
}

// Generator 合成数据生成器（演示/演练场景的兜底数据源）
//
// 按 person_id 维度启停：同一人只有一个生成循环，重复启动是幂等的。
// 仅对显式开启了合成标记的人生效。
type Generator struct {
	store        kv.Store
	sessions     SessionResolver
	ingestor     Ingestor
	readings     ReadingStore
	tasks        TaskSubmitter
	interval     time.Duration
	readingCount int
	logger       *zap.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc
	rng    *rand.Rand
}

// NewGenerator 创建合成数据生成器
func NewGenerator(
	store kv.Store,
	sessions SessionResolver,
	ingestor Ingestor,
	readings ReadingStore,
	tasks TaskSubmitter,
	interval time.Duration,
	readingCount int,
	logger *zap.Logger,
) *Generator {
	return &Generator{
		store:        store,
		sessions:     sessions,
		ingestor:     ingestor,
		readings:     readings,
		tasks:        tasks,
		interval:     interval,
		readingCount: readingCount,
		logger:       logger,
		active:       make(map[string]context.CancelFunc),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// EnableSynthetic 标记某人允许合成数据
func (g *Generator) EnableSynthetic(ctx context.Context, personID string) error {
	return g.store.Set(ctx, syntheticFlagPrefix+personID, "1", 0)
}

// DisableSynthetic 撤销合成标记并停掉生成循环
func (g *Generator) DisableSynthetic(ctx context.Context, personID string) error {
	g.Stop(personID)
	return g.store.Delete(ctx, syntheticFlagPrefix+personID)
}

// CheckSensorActivity 传感器活动巡检
//
// 窗口内一条读数都没有且该人开启了合成标记时，启动生成循环。
func (g *Generator) CheckSensorActivity(ctx context.Context, personID, windowID string) error {
	count, err := g.readings.CountByWindow(ctx, windowID)
	if err != nil {
		return fmt.Errorf("failed to count readings: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := g.store.Get(ctx, syntheticFlagPrefix+personID); err != nil {
		if err == kv.ErrCacheMiss {
			g.logger.Info("No sensor data but synthetic generation not enabled",
				zap.String("person_id", personID),
				zap.String("window_id", windowID),
			)
			return nil
		}
		return fmt.Errorf("failed to check synthetic flag: %w", err)
	}

	g.Start(ctx, personID)
	return nil
}

// Start 启动某人的生成循环（已在运行则幂等返回）
func (g *Generator) Start(ctx context.Context, personID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, running := g.active[personID]; running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g.active[personID] = cancel
	go g.loop(loopCtx, personID)

	g.logger.Info("Synthetic generator started",
		zap.String("person_id", personID),
		zap.Duration("interval", g.interval),
	)
}

// Stop 停掉某人的生成循环
func (g *Generator) Stop(personID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cancel, running := g.active[personID]; running {
		cancel()
		delete(g.active, personID)
		g.logger.Info("Synthetic generator stopped",
			zap.String("person_id", personID),
		)
	}
}

// StopAll 停掉全部生成循环（进程退出）
func (g *Generator) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for personID, cancel := range g.active {
		cancel()
		delete(g.active, personID)
	}
}

// Running 是否正在为某人生成（测试可见性）
func (g *Generator) Running(personID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, running := g.active[personID]
	return running
}

func (g *Generator) loop(ctx context.Context, personID string) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.tick(ctx, personID); err != nil {
				g.logger.Warn("Synthetic generation tick failed",
					zap.String("person_id", personID),
					zap.Error(err),
				)
			}
		}
	}
}

// tick 一个节拍：解析当前窗口、生成一批读数、补触发预测
func (g *Generator) tick(ctx context.Context, personID string) error {
	sess, err := g.sessions.GetSessionByPerson(ctx, personID)
	if err != nil {
		// 会话结束则自行停止；瞬时故障留给下一个节拍重试
		if errors.Is(err, session.ErrSessionNotFound) {
			g.Stop(personID)
			return nil
		}
		return fmt.Errorf("failed to resolve session: %w", err)
	}

	g.mu.Lock()
	batch := Synthesize(g.rng, g.readingCount)
	g.mu.Unlock()

	if _, err := g.ingestor.IngestBatch(ctx, sess.WindowID, batch); err != nil {
		return fmt.Errorf("failed to ingest synthetic readings: %w", err)
	}

	if _, err := g.tasks.Submit(ctx, predictor.TaskRunPrediction,
		&predictor.RunPredictionPayload{PersonID: personID}, 0); err != nil {
		return fmt.Errorf("failed to enqueue prediction: %w", err)
	}

	return nil
}

// Synthesize 生成一批合成读数
//
// 10% 概率模拟渴求模式（心率 85–100、低运动量），
// 其余为正常模式（心率 65–80、常规运动量）。心率限幅在 [50, 150]。
func Synthesize(rng *rand.Rand, count int) []*models.Reading {
	craving := rng.Float64() < 0.1

	readings := make([]*models.Reading, 0, count)
	for i := 0; i < count; i++ {
		var hr, motionScale float64
		if craving {
			hr = 85 + rng.Float64()*15
			motionScale = 0.2
		} else {
			hr = 65 + rng.Float64()*15
			motionScale = 1.0
		}
		hr = clamp(hr, 50, 150)

		ax := gauss(rng, 0, 0.8*motionScale)
		ay := gauss(rng, 0, 0.8*motionScale)
		az := gauss(rng, 9.8, 0.5*motionScale)
		gx := gauss(rng, 0, 0.5*motionScale)
		gy := gauss(rng, 0, 0.5*motionScale)
		gz := gauss(rng, 0, 0.5*motionScale)

		readings = append(readings, &models.Reading{
			HeartRate: &hr,
			AccelX:    &ax, AccelY: &ay, AccelZ: &az,
			GyroX: &gx, GyroY: &gy, GyroZ: &gz,
		})
	}
	return readings
}

func gauss(rng *rand.Rand, mean, std float64) float64 {
	return mean + rng.NormFloat64()*std
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
