// Package service 整合监测流水线的各层组件
package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"wearable-monitor/internal/aggregator"
	"wearable-monitor/internal/config"
	"wearable-monitor/internal/consumer"
	"wearable-monitor/internal/fanout"
	"wearable-monitor/internal/kv"
	"wearable-monitor/internal/models"
	"wearable-monitor/internal/mqtt"
	"wearable-monitor/internal/predictor"
	"wearable-monitor/internal/queue"
	"wearable-monitor/internal/repository"
	"wearable-monitor/internal/scheduler"
	"wearable-monitor/internal/session"
	"wearable-monitor/internal/stats"
)

// MonitorService 监测服务（整合各层）
type MonitorService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger

	// 各层组件
	windowRepo       *repository.WindowRepository
	readingRepo      *repository.ReadingRepository
	analysisRepo     *repository.AnalysisRepository
	eventRepo        *repository.CravingEventRepository
	notificationRepo *repository.NotificationRepository
	broker           *queue.RedisBroker
	runner           *queue.Runner
	registry         *session.Registry
	calculator       *stats.Calculator
	aggregator       *aggregator.Aggregator
	worker           *predictor.Worker
	hub              *fanout.Hub
	streamConsumer   *fanout.StreamConsumer
	generator        *scheduler.Generator
	scheduler        *scheduler.Scheduler
	mqttClient       *mqtt.Client
	mqttConsumer     *consumer.MQTTConsumer
}

// NewMonitorService 创建监测服务
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	// 1. 连接数据库
	db, err := repository.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, err
	}

	// 2. 连接 Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	windowRepo := repository.NewWindowRepository(db, logger)
	readingRepo := repository.NewReadingRepository(db, logger)
	analysisRepo := repository.NewAnalysisRepository(db, logger)
	eventRepo := repository.NewCravingEventRepository(db, logger)
	notificationRepo := repository.NewNotificationRepository(db, logger)

	// 4. 任务队列与工作池
	broker := queue.NewRedisBroker(redisClient,
		cfg.Queue.Stream, cfg.Queue.ScheduledSet,
		cfg.Queue.ConsumerGroup, cfg.Queue.ConsumerName,
		cfg.Queue.ResultTTL, logger)
	runner := queue.NewRunner(broker,
		cfg.Pipeline.WorkerCount, cfg.Queue.BatchSize,
		cfg.Pipeline.MaxRetries, cfg.Pipeline.RetryBase, logger)

	// 5. 会话、聚合、统计
	kvStore := kv.NewRedisStore(redisClient)
	registry := session.NewRegistry(kvStore, windowRepo, cfg.Pipeline.SessionSpan, logger)
	calculator := stats.NewCalculator(windowRepo, readingRepo, logger)
	agg := aggregator.NewAggregator(windowRepo, readingRepo, runner, cfg.Pipeline.StatsBatchSize, logger)

	// 6. 通知下发（进程内 hub + 跨进程流桥）
	hub := fanout.NewHub(notificationRepo, cfg.Fanout.BacklogLimit,
		cfg.Fanout.HeartbeatInterval, cfg.Fanout.HeartbeatTimeout, logger)
	publisher := fanout.NewStreamPublisher(redisClient, cfg.Fanout.Stream, logger)
	streamConsumer := fanout.NewStreamConsumer(redisClient, hub,
		cfg.Fanout.Stream, cfg.Fanout.ConsumerGroup, cfg.Fanout.ConsumerName, logger)

	// 7. 预测工作器（模型包走 HTTP + 进程内缓存）
	modelStore := predictor.NewCachedModelStore(
		predictor.NewHTTPModelStore(cfg.Model.BaseURL, cfg.Model.ModelKey, cfg.Model.Timeout, logger),
		cfg.Model.CacheTTL)
	worker := predictor.NewWorker(
		windowRepo, readingRepo, analysisRepo, eventRepo, notificationRepo,
		modelStore, publisher, cfg.Pipeline.Lookback, logger)

	// 8. 调度器与合成数据生成器
	generator := scheduler.NewGenerator(kvStore, registry, agg, readingRepo, runner,
		cfg.Synthetic.Interval, cfg.Synthetic.ReadingCount, logger)
	sched := scheduler.NewScheduler(registry, windowRepo, readingRepo, calculator, runner,
		cfg.Pipeline.WindowSpan, cfg.Pipeline.MinReadings, cfg.Pipeline.ScheduleInterval, logger)

	// 9. 设备上行通道
	mqttClient, err := mqtt.NewClient(&cfg.MQTT, logger)
	if err != nil {
		return nil, err
	}
	mqttConsumer := consumer.NewMQTTConsumer(cfg, mqttClient, registry, agg, logger)

	s := &MonitorService{
		config:           cfg,
		db:               db,
		redisClient:      redisClient,
		logger:           logger,
		windowRepo:       windowRepo,
		readingRepo:      readingRepo,
		analysisRepo:     analysisRepo,
		eventRepo:        eventRepo,
		notificationRepo: notificationRepo,
		broker:           broker,
		runner:           runner,
		registry:         registry,
		calculator:       calculator,
		aggregator:       agg,
		worker:           worker,
		hub:              hub,
		streamConsumer:   streamConsumer,
		generator:        generator,
		scheduler:        sched,
		mqttClient:       mqttClient,
		mqttConsumer:     mqttConsumer,
	}
	s.registerHandlers()

	return s, nil
}

// registerHandlers 注册异步任务处理函数
func (s *MonitorService) registerHandlers() {
	s.runner.Register(aggregator.TaskComputeStats, func(ctx context.Context, task *queue.Task) (interface{}, error) {
		var payload aggregator.ComputeStatsPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, queue.Terminal(fmt.Errorf("invalid payload: %w", err))
		}

		result, err := s.calculator.Compute(ctx, payload.WindowID)
		if err != nil {
			// 窗口不存在/无读数：重试也不会变好
			if errors.Is(err, repository.ErrWindowNotFound) || errors.Is(err, stats.ErrNoReadings) {
				return nil, queue.Terminal(err)
			}
			return nil, err
		}
		return result, nil
	})

	s.runner.Register(predictor.TaskRunPrediction, func(ctx context.Context, task *queue.Task) (interface{}, error) {
		var payload predictor.RunPredictionPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, queue.Terminal(fmt.Errorf("invalid payload: %w", err))
		}

		analysis, err := s.worker.Predict(ctx, payload.PersonID, payload.Features)
		if err != nil {
			if errors.Is(err, predictor.ErrNoRecentData) ||
				errors.Is(err, predictor.ErrMissingFeature) ||
				errors.Is(err, repository.ErrWindowNotFound) {
				return nil, queue.Terminal(err)
			}
			return nil, err
		}
		return analysis, nil
	})

	s.runner.Register(scheduler.TaskCheckActivity, func(ctx context.Context, task *queue.Task) (interface{}, error) {
		var payload scheduler.CheckActivityPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, queue.Terminal(fmt.Errorf("invalid payload: %w", err))
		}
		return nil, s.generator.CheckSensorActivity(ctx, payload.PersonID, payload.WindowID)
	})
}

// OpenSession 开启监测会话并安排传感器活动巡检
func (s *MonitorService) OpenSession(ctx context.Context, personID, deviceID string) (*models.Session, error) {
	sess, err := s.registry.OpenSession(ctx, personID, deviceID)
	if err != nil {
		return nil, err
	}

	// 开启后延迟巡检：窗口迟迟无数据时视情况启用合成兜底
	if _, err := s.runner.Submit(ctx, scheduler.TaskCheckActivity,
		&scheduler.CheckActivityPayload{PersonID: personID, WindowID: sess.WindowID},
		s.config.Synthetic.CheckDelay); err != nil {
		s.logger.Warn("Failed to schedule sensor activity check",
			zap.String("person_id", personID),
			zap.Error(err),
		)
	}

	return sess, nil
}

// CloseSession 关闭监测会话并停掉该人的合成生成循环
func (s *MonitorService) CloseSession(ctx context.Context, personID string) error {
	s.generator.Stop(personID)
	return s.registry.CloseSession(ctx, personID)
}

// Registry 会话注册器（供外部接入层使用）
func (s *MonitorService) Registry() *session.Registry {
	return s.registry
}

// Hub 通知订阅中枢（供外部接入层使用）
func (s *MonitorService) Hub() *fanout.Hub {
	return s.hub
}

// Generator 合成数据生成器（供外部接入层开关合成标记）
func (s *MonitorService) Generator() *scheduler.Generator {
	return s.generator
}

// Start 启动服务（阻塞直到 ctx 取消）
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service")

	// 1. 初始化任务队列（消费者组 + 延迟任务搬运）
	if err := s.broker.Init(ctx); err != nil {
		return fmt.Errorf("failed to init task broker: %w", err)
	}

	// 2. 后台循环
	go func() {
		if err := s.runner.Start(ctx); err != nil {
			s.logger.Error("Worker pool exited with error",
				zap.Error(err),
			)
		}
	}()
	go s.hub.Start(ctx)
	go func() {
		if err := s.streamConsumer.Start(ctx); err != nil {
			s.logger.Error("Fanout consumer exited with error",
				zap.Error(err),
			)
		}
	}()
	go s.scheduler.Start(ctx)

	// 3. 设备上行消费（阻塞直到 ctx 取消）
	if err := s.mqttConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start mqtt consumer: %w", err)
	}

	return nil
}

// Stop 停止服务
func (s *MonitorService) Stop() error {
	s.logger.Info("Stopping monitor service")

	s.generator.StopAll()

	if err := s.mqttConsumer.Stop(context.Background()); err != nil {
		s.logger.Error("Failed to stop mqtt consumer",
			zap.Error(err),
		)
	}
	s.mqttClient.Disconnect()

	if err := s.db.Close(); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := s.redisClient.Close(); err != nil {
		s.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}
