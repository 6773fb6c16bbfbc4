package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"wearable-monitor/internal/models"
	"wearable-monitor/internal/predictor"
	"wearable-monitor/internal/repository"
	"wearable-monitor/internal/scheduler"
	"wearable-monitor/internal/session"
	"wearable-monitor/internal/stats"
)

type fakeRegistry struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	pointers map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions: make(map[string]*models.Session),
		pointers: make(map[string]string),
	}
}

func (f *fakeRegistry) ActivePersons(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var persons []string
	for p := range f.sessions {
		persons = append(persons, p)
	}
	return persons, nil
}

func (f *fakeRegistry) GetSessionByPerson(ctx context.Context, personID string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[personID]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return s, nil
}

func (f *fakeRegistry) UpdateWindowPointer(ctx context.Context, personID, newWindowID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[personID]
	if !ok {
		return session.ErrSessionNotFound
	}
	s.WindowID = newWindowID
	f.pointers[personID] = newWindowID
	return nil
}

type fakeWindowStore struct {
	mu      sync.Mutex
	windows map[string]*models.Window
	created []*models.Window
}

func newFakeWindowStore() *fakeWindowStore {
	return &fakeWindowStore{windows: make(map[string]*models.Window)}
}

func (f *fakeWindowStore) GetByID(ctx context.Context, windowID string) (*models.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.windows[windowID]
	if !ok {
		return nil, repository.ErrWindowNotFound
	}
	return w, nil
}

func (f *fakeWindowStore) Create(ctx context.Context, personID string, startTime, endTime time.Time) (*models.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &models.Window{
		ID:        uuid.New().String(),
		PersonID:  personID,
		StartTime: startTime,
		EndTime:   endTime,
		CreatedAt: time.Now(),
	}
	f.windows[w.ID] = w
	f.created = append(f.created, w)
	return w, nil
}

type fakeReadingCounter struct {
	counts map[string]int
}

func (f *fakeReadingCounter) CountByWindow(ctx context.Context, windowID string) (int, error) {
	return f.counts[windowID], nil
}

type fakeStatsComputer struct {
	mu       sync.Mutex
	computed []string
	err      error
	block    chan struct{}
}

func (f *fakeStatsComputer) Compute(ctx context.Context, windowID string) (*stats.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.computed = append(f.computed, windowID)
	return &stats.Result{WindowID: windowID}, nil
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, name string, payload interface{}, countdown time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, name)
	return uuid.New().String(), nil
}

func (f *fakeSubmitter) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.submitted {
		if s == name {
			n++
		}
	}
	return n
}

type schedulerFixture struct {
	scheduler *scheduler.Scheduler
	registry  *fakeRegistry
	windows   *fakeWindowStore
	counter   *fakeReadingCounter
	stats     *fakeStatsComputer
	tasks     *fakeSubmitter
}

func newSchedulerFixture() *schedulerFixture {
	fx := &schedulerFixture{
		registry: newFakeRegistry(),
		windows:  newFakeWindowStore(),
		counter:  &fakeReadingCounter{counts: make(map[string]int)},
		stats:    &fakeStatsComputer{},
		tasks:    &fakeSubmitter{},
	}
	fx.scheduler = scheduler.NewScheduler(
		fx.registry, fx.windows, fx.counter, fx.stats, fx.tasks,
		5*time.Minute, 5, 5*time.Minute, zap.NewNop())
	return fx
}

// seedPerson 注册一个会话，窗口到期与否由 elapsed 控制
func (fx *schedulerFixture) seedPerson(personID string, elapsed bool, readingCount int) *models.Window {
	end := time.Now().Add(time.Minute)
	if elapsed {
		end = time.Now().Add(-time.Minute)
	}
	w, _ := fx.windows.Create(context.Background(), personID, end.Add(-5*time.Minute), end)
	fx.windows.mu.Lock()
	fx.windows.created = nil // 种子窗口不计入本轮创建数
	fx.windows.mu.Unlock()

	fx.registry.sessions[personID] = &models.Session{
		SessionID: "sess_" + personID,
		PersonID:  personID,
		WindowID:  w.ID,
		DeviceID:  "device-" + personID,
	}
	fx.counter.counts[w.ID] = readingCount
	return w
}

func TestScheduler_RollsOverElapsedWindow(t *testing.T) {
	fx := newSchedulerFixture()
	old := fx.seedPerson("person-1", true, 7)

	result := fx.scheduler.RunCycle(context.Background())

	assert.False(t, result.Skipped)
	assert.Equal(t, 1, result.WindowsCreated)
	assert.Equal(t, 1, result.WindowsCalculated)
	assert.Equal(t, 1, result.PredictionsTriggered)

	// 到期窗口被强制结算
	assert.Equal(t, []string{old.ID}, fx.stats.computed)
	assert.Equal(t, 1, fx.tasks.count(predictor.TaskRunPrediction))

	// 后继窗口跨度正确且会话指针指向它
	require.Len(t, fx.windows.created, 1)
	next := fx.windows.created[0]
	assert.Equal(t, 5*time.Minute, next.EndTime.Sub(next.StartTime))
	assert.Equal(t, next.ID, fx.registry.pointers["person-1"])
}

func TestScheduler_OpenWindowUntouched(t *testing.T) {
	fx := newSchedulerFixture()
	fx.seedPerson("person-1", false, 7)

	result := fx.scheduler.RunCycle(context.Background())

	assert.Zero(t, result.WindowsCreated)
	assert.Zero(t, result.WindowsCalculated)
	assert.Zero(t, result.PredictionsTriggered)
	assert.Empty(t, fx.stats.computed)
	assert.Empty(t, fx.windows.created)
}

func TestScheduler_FewReadingsCalculateWithoutPrediction(t *testing.T) {
	fx := newSchedulerFixture()
	fx.seedPerson("person-1", true, 3) // 有数据但不足预测门槛

	result := fx.scheduler.RunCycle(context.Background())

	assert.Equal(t, 1, result.WindowsCalculated)
	assert.Zero(t, result.PredictionsTriggered)
	assert.Equal(t, 1, result.WindowsCreated)
}

func TestScheduler_EmptyWindowOnlyRollsOver(t *testing.T) {
	fx := newSchedulerFixture()
	fx.seedPerson("person-1", true, 0)

	result := fx.scheduler.RunCycle(context.Background())

	// 空窗口不结算不预测，但仍然滚动
	assert.Zero(t, result.WindowsCalculated)
	assert.Zero(t, result.PredictionsTriggered)
	assert.Equal(t, 1, result.WindowsCreated)
	assert.Empty(t, fx.stats.computed)
}

func TestScheduler_StatsFailureSkipsPredictionButStillRollsOver(t *testing.T) {
	fx := newSchedulerFixture()
	fx.seedPerson("person-1", true, 7)
	fx.stats.err = errors.New("store unavailable")

	result := fx.scheduler.RunCycle(context.Background())

	assert.Zero(t, result.WindowsCalculated)
	assert.Zero(t, result.PredictionsTriggered)
	assert.Equal(t, 1, result.WindowsCreated)
}

func TestScheduler_PerPersonIsolation(t *testing.T) {
	fx := newSchedulerFixture()
	fx.seedPerson("person-ok", true, 7)

	// 损坏的人：会话指向不存在的窗口
	fx.registry.sessions["person-broken"] = &models.Session{
		SessionID: "sess_broken",
		PersonID:  "person-broken",
		WindowID:  "missing-window",
	}

	result := fx.scheduler.RunCycle(context.Background())

	// 损坏的人被跳过，正常的人照常处理
	assert.Equal(t, 1, result.WindowsCreated)
	assert.Equal(t, 1, result.WindowsCalculated)
	assert.Equal(t, 1, result.PredictionsTriggered)
}

func TestScheduler_OverlappingCycleSkipped(t *testing.T) {
	fx := newSchedulerFixture()
	fx.seedPerson("person-1", true, 7)
	fx.stats.block = make(chan struct{})

	firstDone := make(chan *scheduler.CycleResult, 1)
	go func() {
		firstDone <- fx.scheduler.RunCycle(context.Background())
	}()

	// 等第一轮进入阻塞的统计调用
	time.Sleep(50 * time.Millisecond)

	second := fx.scheduler.RunCycle(context.Background())
	assert.True(t, second.Skipped)

	close(fx.stats.block)
	first := <-firstDone
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.WindowsCalculated)
}
