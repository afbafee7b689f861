package scanner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/core/model"
)

// Worker 隔离的扫描工作协程
// 只通过消息与外界通信：输入为按值传递的快照，输出为按值传递的批次。
// 收件箱与发件箱容量均为 1，且新值覆盖未消费的旧值（latest-wins），
// 行情突发时不会堆积过期快照。
type Worker struct {
	params Params
	logger *zap.Logger

	inbox   chan model.Snapshot
	results chan model.Batch

	// submitMu 保证“丢弃旧值 + 投递新值”原子
	submitMu sync.Mutex
}

// NewWorker 创建扫描工作协程
func NewWorker(params Params, logger *zap.Logger) *Worker {
	return &Worker{
		params:  params,
		logger:  logger.Named("scanner"),
		inbox:   make(chan model.Snapshot, 1),
		results: make(chan model.Batch, 1),
	}
}

// Submit 非阻塞提交快照；若上一个快照尚未被取走则替换之
func (w *Worker) Submit(snap model.Snapshot) {
	w.submitMu.Lock()
	defer w.submitMu.Unlock()

	select {
	case w.inbox <- snap:
		return
	default:
	}
	select {
	case <-w.inbox:
	default:
	}
	w.inbox <- snap
}

// Results 批次输出通道；Run 退出时关闭
func (w *Worker) Results() <-chan model.Batch {
	return w.results
}

// Run 启动工作循环，直到 ctx 取消
func (w *Worker) Run(ctx context.Context) {
	defer close(w.results)

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-w.inbox:
			batch, err := w.scan(snap)
			if err != nil {
				w.logger.Error("搜索失败，丢弃本批次", zap.Error(err), zap.Int("quotes", snap.Len()))
				continue
			}
			w.publish(batch)
		}
	}
}

// publish 投递批次；若下游仍有未消费的旧批次则替换之
func (w *Worker) publish(batch model.Batch) {
	select {
	case w.results <- batch:
		return
	default:
	}
	select {
	case old := <-w.results:
		w.logger.Debug("下游繁忙，替换未处理批次", zap.String("dropped", old.ID), zap.Int("dropped_candidates", len(old.Candidates)))
	default:
	}
	w.results <- batch
}

// scan 执行一次搜索；搜索中的 panic 只影响本批次
func (w *Worker) scan(snap model.Snapshot) (batch model.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("搜索 panic: %v", r)
		}
	}()

	start := time.Now()
	candidates := Search(snap, w.params)
	return model.Batch{
		ID:           uuid.NewString(),
		SnapshotAt:   snap.TakenAt,
		Quotes:       snap.Len(),
		Candidates:   candidates,
		ScanDuration: time.Since(start),
	}, nil
}
