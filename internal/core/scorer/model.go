// Package scorer 实现候选机会的置信度评分。
// 模型为 JSON 描述的全连接网络，启动时加载一次，推理在进程内完成。
package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

// ErrModelUnavailable 模型未加载
var ErrModelUnavailable = errors.New("评分模型不可用")

// FeatureCount 特征向量长度: [收益率, 腿 A 流动性, 腿 B 流动性, 腿 C 流动性]
const FeatureCount = 4

// Layer 全连接层
type Layer struct {
	// Weights 权重矩阵，形状 [输出][输入]
	Weights [][]float64 `json:"weights"`
	// Bias 偏置，长度等于输出维度
	Bias []float64 `json:"bias"`
	// Activation 激活函数: linear, relu, sigmoid, tanh
	Activation string `json:"activation"`
}

// Normalize 输入标准化参数 (x - mean) / std
type Normalize struct {
	Mean []float64 `json:"mean"`
	Std  []float64 `json:"std"`
}

// Model 评分模型
type Model struct {
	// Normalize 输入标准化（可选）
	Normalize *Normalize `json:"normalize,omitempty"`
	// Layers 网络层，按顺序前向计算
	Layers []Layer `json:"layers"`

	// dense 由 ParseModel 编译的矩阵形式，加载后只读
	dense []denseLayer
}

type denseLayer struct {
	// w 权重矩阵 [输出 x 输入]
	w    *mat.Dense
	bias []float64
	act  func(float64) float64
}

// LoadModel 从 http(s) 地址或本地路径加载模型
// 参数 src: 模型地址；file:// 前缀与裸路径均按本地文件处理
// 参数 timeout: HTTP 加载超时
func LoadModel(ctx context.Context, src string, timeout time.Duration) (*Model, error) {
	if src == "" {
		return nil, fmt.Errorf("%w: 未配置模型地址", ErrModelUnavailable)
	}

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
		data, err = fetch(ctx, src, timeout)
	} else {
		data, err = os.ReadFile(strings.TrimPrefix(src, "file://"))
	}
	if err != nil {
		return nil, fmt.Errorf("加载评分模型失败: %w", err)
	}

	return ParseModel(data)
}

// ParseModel 解析并检查模型结构
func ParseModel(data []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("解析评分模型失败: %w", err)
	}
	if err := m.check(); err != nil {
		return nil, fmt.Errorf("评分模型结构无效: %w", err)
	}
	m.compile()
	return &m, nil
}

// compile 将各层权重展开为稠密矩阵；须在 check 通过后调用
func (m *Model) compile() {
	m.dense = make([]denseLayer, len(m.Layers))
	for i, l := range m.Layers {
		in := len(l.Weights[0])
		data := make([]float64, 0, len(l.Weights)*in)
		for _, row := range l.Weights {
			data = append(data, row...)
		}
		m.dense[i] = denseLayer{
			w:    mat.NewDense(len(l.Weights), in, data),
			bias: l.Bias,
			act:  activations[strings.ToLower(l.Activation)],
		}
	}
}

func fetch(ctx context.Context, url string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

// check 检查层间维度是否衔接
func (m *Model) check() error {
	if len(m.Layers) == 0 {
		return errors.New("没有网络层")
	}

	in := FeatureCount
	if n := m.Normalize; n != nil {
		if len(n.Mean) != in || len(n.Std) != in {
			return fmt.Errorf("标准化参数长度应为 %d", in)
		}
	}
	for i, l := range m.Layers {
		if len(l.Weights) == 0 || len(l.Weights) != len(l.Bias) {
			return fmt.Errorf("第 %d 层权重与偏置维度不一致", i)
		}
		for _, row := range l.Weights {
			if len(row) != in {
				return fmt.Errorf("第 %d 层输入维度应为 %d", i, in)
			}
		}
		if _, ok := activations[strings.ToLower(l.Activation)]; !ok {
			return fmt.Errorf("第 %d 层未知激活函数 %q", i, l.Activation)
		}
		in = len(l.Weights)
	}
	return nil
}

var activations = map[string]func(float64) float64{
	"":        func(x float64) float64 { return x },
	"linear":  func(x float64) float64 { return x },
	"relu":    func(x float64) float64 { return math.Max(0, x) },
	"sigmoid": func(x float64) float64 { return 1 / (1 + math.Exp(-x)) },
	"tanh":    math.Tanh,
}

// PredictBatch 对一批特征向量做前向计算，返回每行第一个输出
// 整批特征组成 [行数 x 特征] 矩阵，每层一次矩阵乘法。
func (m *Model) PredictBatch(rows [][]float64) ([]float64, error) {
	if m == nil {
		return nil, ErrModelUnavailable
	}
	if len(m.dense) != len(m.Layers) {
		return nil, fmt.Errorf("%w: 模型未经 ParseModel 加载", ErrModelUnavailable)
	}
	if len(rows) == 0 {
		return []float64{}, nil
	}

	x := mat.NewDense(len(rows), FeatureCount, nil)
	for r, row := range rows {
		if len(row) != FeatureCount {
			return nil, fmt.Errorf("第 %d 行特征长度为 %d，应为 %d", r, len(row), FeatureCount)
		}
		x.SetRow(r, row)
	}

	if n := m.Normalize; n != nil {
		x.Apply(func(_, j int, v float64) float64 {
			if n.Std[j] != 0 {
				return (v - n.Mean[j]) / n.Std[j]
			}
			return v - n.Mean[j]
		}, x)
	}

	for _, l := range m.dense {
		y := new(mat.Dense)
		y.Mul(x, l.w.T())
		y.Apply(func(_, j int, v float64) float64 {
			return l.act(v + l.bias[j])
		}, y)
		x = y
	}
	return mat.Col(nil, 0, x), nil
}
