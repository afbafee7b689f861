package scorer

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/stats/metrics"
)

// Scorer 置信度评分器
// 模型缺失或推理失败时返回 0，从不把错误或 panic 传给调用方。
type Scorer struct {
	model  *Model
	stats  *metrics.Metrics
	logger *zap.Logger
}

// New 创建评分器；m 为 nil 时所有评分为 0
func New(m *Model, stats *metrics.Metrics, logger *zap.Logger) *Scorer {
	return &Scorer{model: m, stats: stats, logger: logger.Named("scorer")}
}

// Available 模型是否已加载
func (s *Scorer) Available() bool {
	return s.model != nil
}

// Features 构造特征向量 [收益率, 腿 A 流动性, 腿 B 流动性, 腿 C 流动性]
func Features(c model.Candidate, v model.Validation) []float64 {
	return []float64{c.ProfitPercent, v.Liquidity[0], v.Liquidity[1], v.Liquidity[2]}
}

// Score 计算 0-100 的置信度评分
func (s *Scorer) Score(features []float64) int {
	score, err := s.score(features)
	if err != nil {
		s.stats.IncScorerFallback()
		if s.model != nil {
			s.logger.Debug("评分失败，回退为 0", zap.Error(err))
		}
		return 0
	}
	return score
}

// ScoreCandidate 对候选机会及其校验结果评分
func (s *Scorer) ScoreCandidate(c model.Candidate, v model.Validation) int {
	return s.Score(Features(c, v))
}

func (s *Scorer) score(features []float64) (score int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("推理 panic: %v", r)
		}
	}()

	if s.model == nil {
		return 0, ErrModelUnavailable
	}
	out, err := s.model.PredictBatch([][]float64{features})
	if err != nil {
		return 0, err
	}
	return toScore(out[0])
}

// toScore 将模型输出映射为 0-100 整数: round(clamp(output*100))
func toScore(output float64) (int, error) {
	if math.IsNaN(output) {
		return 0, fmt.Errorf("模型输出为 NaN")
	}
	v := output * 100
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return int(math.Round(v)), nil
}
