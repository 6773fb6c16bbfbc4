package predictor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ModelStore 模型包来源
type ModelStore interface {
	Load(ctx context.Context) (*ModelPackage, error)
}

// HTTPModelStore 基于模型仓库 HTTP API 的模型来源
//
// GET {base}/models/{key} 返回模型包 JSON。
// resty 层只做传输重试；业务重试由任务队列负责。
type HTTPModelStore struct {
	client   *resty.Client
	modelKey string
	logger   *zap.Logger
}

// NewHTTPModelStore 创建模型仓库客户端
func NewHTTPModelStore(baseURL, modelKey string, timeout time.Duration, logger *zap.Logger) *HTTPModelStore {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &HTTPModelStore{
		client:   client,
		modelKey: modelKey,
		logger:   logger,
	}
}

// Load 拉取并校验模型包
func (s *HTTPModelStore) Load(ctx context.Context) (*ModelPackage, error) {
	var pkg ModelPackage

	resp, err := s.client.R().
		SetContext(ctx).
		SetResult(&pkg).
		Get("/models/" + s.modelKey)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch model package: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("model store returned status %d for key %s", resp.StatusCode(), s.modelKey)
	}

	if err := pkg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model package %s: %w", s.modelKey, err)
	}

	s.logger.Info("Model package loaded",
		zap.String("model_key", s.modelKey),
		zap.String("model_name", pkg.ModelName),
		zap.Int("feature_count", len(pkg.FeatureNames)),
	)

	return &pkg, nil
}

// CachedModelStore 进程内 TTL 缓存的模型来源
//
// 每个预测任务都要模型包，但模型更新频率以小时计，
// 缓存避免每次预测都打一次模型仓库。
type CachedModelStore struct {
	inner ModelStore
	ttl   time.Duration

	mu        sync.Mutex
	cached    *ModelPackage
	fetchedAt time.Time
}

// NewCachedModelStore 创建带缓存的模型来源
func NewCachedModelStore(inner ModelStore, ttl time.Duration) *CachedModelStore {
	return &CachedModelStore{
		inner: inner,
		ttl:   ttl,
	}
}

// Load 缓存命中直接返回，过期后重新拉取
func (s *CachedModelStore) Load(ctx context.Context) (*ModelPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != nil && time.Since(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	pkg, err := s.inner.Load(ctx)
	if err != nil {
		return nil, err
	}

	s.cached = pkg
	s.fetchedAt = time.Now()
	return pkg, nil
}

// Invalidate 主动失效缓存（模型切换时）
func (s *CachedModelStore) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cached = nil
}
