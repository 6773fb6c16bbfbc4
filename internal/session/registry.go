// Package session 提供会话注册（人/设备 → 当前开放窗口的短时映射）
//
// 会话只存在于缓存：两个会话键（按人、按设备）+ 一个活动人员索引集合。
// 缓存未命中即视为"无活动会话"，即使持久层仍有窗口记录。
// 会话路径与持久层完全分离，避免把缓存淘汰策略耦合进数据保留策略。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wearable-monitor/internal/kv"
	"wearable-monitor/internal/models"
)

// ErrSessionNotFound 无活动会话
var ErrSessionNotFound = kv.ErrCacheMiss

const (
	personKeyPrefix = "session:person:"
	deviceKeyPrefix = "session:device:"
	activeSetKey    = "sessions:active"
)

// WindowStore 会话注册依赖的窗口操作
type WindowStore interface {
	Create(ctx context.Context, personID string, startTime, endTime time.Time) (*models.Window, error)
	GetByID(ctx context.Context, windowID string) (*models.Window, error)
	SetEndTime(ctx context.Context, windowID string, endTime time.Time) error
}

// Registry 会话注册器
type Registry struct {
	store       kv.Store
	windows     WindowStore
	sessionSpan time.Duration
	logger      *zap.Logger
}

// NewRegistry 创建会话注册器
func NewRegistry(store kv.Store, windows WindowStore, sessionSpan time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		store:       store,
		windows:     windows,
		sessionSpan: sessionSpan,
		logger:      logger,
	}
}

// OpenSession 开启监测会话
//
// 这是为一个人启动窗口记账的唯一入口：创建 [now, now+span) 的初始窗口，
// 会话数据以会话时长为 TTL 写入两个缓存键，并登记到活动人员索引。
func (r *Registry) OpenSession(ctx context.Context, personID, deviceID string) (*models.Session, error) {
	now := time.Now()

	window, err := r.windows.Create(ctx, personID, now, now.Add(r.sessionSpan))
	if err != nil {
		return nil, fmt.Errorf("failed to create session window: %w", err)
	}

	session := &models.Session{
		SessionID: "sess_" + uuid.New().String(),
		PersonID:  personID,
		WindowID:  window.ID,
		DeviceID:  deviceID,
		StartedAt: now,
	}

	if err := r.writeSession(ctx, session); err != nil {
		return nil, err
	}

	if err := r.store.SAdd(ctx, activeSetKey, personID); err != nil {
		return nil, fmt.Errorf("failed to index active session: %w", err)
	}

	r.logger.Info("Monitoring session opened",
		zap.String("session_id", session.SessionID),
		zap.String("person_id", personID),
		zap.String("device_id", deviceID),
		zap.String("window_id", window.ID),
	)

	return session, nil
}

// GetSessionByPerson 按人查询活动会话（只查缓存）
func (r *Registry) GetSessionByPerson(ctx context.Context, personID string) (*models.Session, error) {
	return r.readSession(ctx, personKeyPrefix+personID)
}

// GetSessionByDevice 按设备查询活动会话（设备轮询路径）
func (r *Registry) GetSessionByDevice(ctx context.Context, deviceID string) (*models.Session, error) {
	return r.readSession(ctx, deviceKeyPrefix+deviceID)
}

// CloseSession 关闭会话：删除两个缓存键、移出索引、提前关闭窗口
//
// 只停止后续调度，已入队的在途任务允许跑完。
func (r *Registry) CloseSession(ctx context.Context, personID string) error {
	session, err := r.GetSessionByPerson(ctx, personID)
	if err != nil {
		if err == ErrSessionNotFound {
			return nil
		}
		return err
	}

	if err := r.store.Delete(ctx, personKeyPrefix+personID); err != nil {
		return fmt.Errorf("failed to delete person session: %w", err)
	}
	if err := r.store.Delete(ctx, deviceKeyPrefix+session.DeviceID); err != nil {
		return fmt.Errorf("failed to delete device session: %w", err)
	}
	if err := r.store.SRem(ctx, activeSetKey, personID); err != nil {
		return fmt.Errorf("failed to deindex session: %w", err)
	}

	// 窗口提前关闭（end_time = now）；窗口已不存在时忽略
	if err := r.windows.SetEndTime(ctx, session.WindowID, time.Now()); err != nil {
		r.logger.Warn("Failed to close session window",
			zap.String("window_id", session.WindowID),
			zap.Error(err),
		)
	}

	r.logger.Info("Monitoring session closed",
		zap.String("person_id", personID),
		zap.String("window_id", session.WindowID),
	)

	return nil
}

// ActivePersons 枚举当前有活动会话的人员（显式索引，不做键模式扫描）
func (r *Registry) ActivePersons(ctx context.Context) ([]string, error) {
	return r.store.SMembers(ctx, activeSetKey)
}

// UpdateWindowPointer 窗口滚动时改写会话的窗口指针
//
// 两个会话键都用乐观 CAS 更新，避免迟到读数指向已关闭窗口时
// 与并发写产生丢失更新。
func (r *Registry) UpdateWindowPointer(ctx context.Context, personID, newWindowID string) error {
	var deviceID string

	err := r.store.Update(ctx, personKeyPrefix+personID, r.sessionSpan, func(old string) (string, error) {
		var session models.Session
		if err := json.Unmarshal([]byte(old), &session); err != nil {
			return "", fmt.Errorf("failed to unmarshal session: %w", err)
		}
		session.WindowID = newWindowID
		deviceID = session.DeviceID

		data, err := json.Marshal(&session)
		if err != nil {
			return "", fmt.Errorf("failed to marshal session: %w", err)
		}
		return string(data), nil
	})
	if err != nil {
		if err == kv.ErrCacheMiss {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to update person session pointer: %w", err)
	}

	err = r.store.Update(ctx, deviceKeyPrefix+deviceID, r.sessionSpan, func(old string) (string, error) {
		var session models.Session
		if err := json.Unmarshal([]byte(old), &session); err != nil {
			return "", fmt.Errorf("failed to unmarshal session: %w", err)
		}
		session.WindowID = newWindowID

		data, err := json.Marshal(&session)
		if err != nil {
			return "", fmt.Errorf("failed to marshal session: %w", err)
		}
		return string(data), nil
	})
	if err != nil && err != kv.ErrCacheMiss {
		return fmt.Errorf("failed to update device session pointer: %w", err)
	}

	return nil
}

// ExtendWindow 延长开放窗口的结束时间（设备侧保活）
func (r *Registry) ExtendWindow(ctx context.Context, windowID string, extension time.Duration) (time.Time, error) {
	if _, err := r.windows.GetByID(ctx, windowID); err != nil {
		return time.Time{}, err
	}

	newEnd := time.Now().Add(extension)
	if err := r.windows.SetEndTime(ctx, windowID, newEnd); err != nil {
		return time.Time{}, fmt.Errorf("failed to extend window: %w", err)
	}

	r.logger.Info("Window extended",
		zap.String("window_id", windowID),
		zap.Time("new_end", newEnd),
	)

	return newEnd, nil
}

func (r *Registry) writeSession(ctx context.Context, session *models.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := r.store.Set(ctx, personKeyPrefix+session.PersonID, string(data), r.sessionSpan); err != nil {
		return fmt.Errorf("failed to cache person session: %w", err)
	}
	if err := r.store.Set(ctx, deviceKeyPrefix+session.DeviceID, string(data), r.sessionSpan); err != nil {
		return fmt.Errorf("failed to cache device session: %w", err)
	}
	return nil
}

func (r *Registry) readSession(ctx context.Context, key string) (*models.Session, error) {
	val, err := r.store.Get(ctx, key)
	if err != nil {
		if err == kv.ErrCacheMiss {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session models.Session
	if err := json.Unmarshal([]byte(val), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}
