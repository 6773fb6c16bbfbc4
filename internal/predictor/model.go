// Package predictor 负责渴求风险预测
//
// 模型是离线训练好的逻辑回归，以模型包（系数 + 截距 + 标准化参数 +
// 特征名顺序 + 训练指标）形式从模型仓库加载。进程内只做打分，不做训练。
package predictor

import (
	"errors"
	"fmt"
	"math"

	"wearable-monitor/internal/models"
	"wearable-monitor/internal/stats"
)

// ErrMissingFeature 特征字典缺少模型要求的特征（契约不匹配，终态错误）
var ErrMissingFeature = errors.New("missing required feature")

// 风险档位阈值
const (
	RiskHigh   = "high"
	RiskMedium = "medium"
	RiskLow    = "low"

	highRiskThreshold   = 0.7
	mediumRiskThreshold = 0.4
)

// ModelPackage 模型包（模型仓库返回的完整预测契约）
type ModelPackage struct {
	ModelName    string              `json:"model_name"`
	Coefficients []float64           `json:"coefficients"`
	Intercept    float64             `json:"intercept"`
	ScalerMean   []float64           `json:"scaler_mean"`
	ScalerScale  []float64           `json:"scaler_scale"`
	FeatureNames []string            `json:"feature_names"`
	Metrics      models.ModelMetrics `json:"metrics"`
}

// Validate 校验模型包内部一致性（长度不齐的包拒绝使用）
func (p *ModelPackage) Validate() error {
	n := len(p.FeatureNames)
	if n == 0 {
		return errors.New("model package has no feature names")
	}
	if len(p.Coefficients) != n {
		return fmt.Errorf("coefficient count %d does not match feature count %d", len(p.Coefficients), n)
	}
	if len(p.ScalerMean) != n || len(p.ScalerScale) != n {
		return fmt.Errorf("scaler parameter count does not match feature count %d", n)
	}
	return nil
}

// Score 对特征字典打分，返回渴求概率
//
// 按 feature_names 顺序取特征，标准化后过 σ(w·x+b)。
// 缺少任一要求的特征返回 ErrMissingFeature。
func (p *ModelPackage) Score(features stats.FeatureSet) (float64, error) {
	z := p.Intercept
	for i, name := range p.FeatureNames {
		value, ok := features[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrMissingFeature, name)
		}

		scale := p.ScalerScale[i]
		if scale == 0 {
			scale = 1
		}
		scaled := (value - p.ScalerMean[i]) / scale
		z += p.Coefficients[i] * scaled
	}

	return sigmoid(z), nil
}

// RiskTier 概率到风险档位的映射
func RiskTier(probability float64) string {
	switch {
	case probability >= highRiskThreshold:
		return RiskHigh
	case probability >= mediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

// TierComment 按档位生成分析说明
func TierComment(tier string, probability float64) string {
	switch tier {
	case RiskHigh:
		return fmt.Sprintf("High craving risk detected (probability=%.2f). Immediate attention recommended.", probability)
	case RiskMedium:
		return fmt.Sprintf("Moderate craving risk (probability=%.2f). Continued monitoring advised.", probability)
	default:
		return fmt.Sprintf("Low craving risk (probability=%.2f). No action required.", probability)
	}
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
