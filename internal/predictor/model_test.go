package predictor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wearable-monitor/internal/predictor"
	"wearable-monitor/internal/stats"
)

func TestModelPackage_ScoreAppliesScaler(t *testing.T) {
	pkg := &predictor.ModelPackage{
		ModelName:    "craving_lr_v1",
		Coefficients: []float64{1.0, -0.5},
		Intercept:    0.25,
		ScalerMean:   []float64{75, 10},
		ScalerScale:  []float64{5, 2},
		FeatureNames: []string{"hr_mean", "hr_std"},
	}

	// (85-75)/5 = 2, (12-10)/2 = 1 → z = 0.25 + 2 - 0.5 = 1.75
	prob, err := pkg.Score(stats.FeatureSet{"hr_mean": 85, "hr_std": 12})
	require.NoError(t, err)
	assert.InDelta(t, 0.8519528, prob, 1e-6)
}

func TestModelPackage_ScoreMissingFeature(t *testing.T) {
	pkg := &predictor.ModelPackage{
		Coefficients: []float64{1},
		ScalerMean:   []float64{0},
		ScalerScale:  []float64{1},
		FeatureNames: []string{"hr_mean"},
	}

	_, err := pkg.Score(stats.FeatureSet{"hr_std": 3})
	assert.ErrorIs(t, err, predictor.ErrMissingFeature)
	assert.Contains(t, err.Error(), "hr_mean")
}

func TestModelPackage_ScoreZeroScaleGuard(t *testing.T) {
	pkg := &predictor.ModelPackage{
		Coefficients: []float64{1},
		ScalerMean:   []float64{0},
		ScalerScale:  []float64{0}, // 训练集常量特征，scale 导出为 0
		FeatureNames: []string{"hr_mean"},
	}

	prob, err := pkg.Score(stats.FeatureSet{"hr_mean": 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, prob, 1e-9)
}

func TestModelPackage_Validate(t *testing.T) {
	valid := &predictor.ModelPackage{
		Coefficients: []float64{1, 2},
		ScalerMean:   []float64{0, 0},
		ScalerScale:  []float64{1, 1},
		FeatureNames: []string{"a", "b"},
	}
	assert.NoError(t, valid.Validate())

	mismatched := &predictor.ModelPackage{
		Coefficients: []float64{1},
		ScalerMean:   []float64{0, 0},
		ScalerScale:  []float64{1, 1},
		FeatureNames: []string{"a", "b"},
	}
	assert.Error(t, mismatched.Validate())

	empty := &predictor.ModelPackage{}
	assert.Error(t, empty.Validate())
}

func TestRiskTierBoundaries(t *testing.T) {
	assert.Equal(t, predictor.RiskHigh, predictor.RiskTier(0.85))
	assert.Equal(t, predictor.RiskHigh, predictor.RiskTier(0.7))
	assert.Equal(t, predictor.RiskMedium, predictor.RiskTier(0.5))
	assert.Equal(t, predictor.RiskMedium, predictor.RiskTier(0.4))
	assert.Equal(t, predictor.RiskLow, predictor.RiskTier(0.39))
	assert.Equal(t, predictor.RiskLow, predictor.RiskTier(0.0))
}

// countingModelStore 统计底层加载次数
type countingModelStore struct {
	mu    sync.Mutex
	loads int
	pkg   *predictor.ModelPackage
}

func (s *countingModelStore) Load(ctx context.Context) (*predictor.ModelPackage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	return s.pkg, nil
}

func TestCachedModelStore_TTL(t *testing.T) {
	inner := &countingModelStore{pkg: constantModel(0.5)}
	cached := predictor.NewCachedModelStore(inner, time.Hour)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cached.Load(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, inner.loads)

	cached.Invalidate()
	_, err := cached.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, inner.loads)
}
