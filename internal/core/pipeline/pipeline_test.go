package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"triangular-arbitrage-scanner/internal/config"
	"triangular-arbitrage-scanner/internal/core/ledger"
	"triangular-arbitrage-scanner/internal/core/model"
	"triangular-arbitrage-scanner/internal/core/scanner"
	"triangular-arbitrage-scanner/internal/core/store"
	"triangular-arbitrage-scanner/internal/exchange/binance"
	"triangular-arbitrage-scanner/internal/output/display"
	"triangular-arbitrage-scanner/internal/output/jsonl"
	"triangular-arbitrage-scanner/internal/stats/latency"
	"triangular-arbitrage-scanner/internal/stats/metrics"
)

type fakeStream struct {
	events chan []model.TickerEvent
	errs   chan error
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan []model.TickerEvent, 16), errs: make(chan error, 64)}
}

func (f *fakeStream) Run(ctx context.Context) {
	<-ctx.Done()
	close(f.events)
	close(f.errs)
}

func (f *fakeStream) Events() <-chan []model.TickerEvent { return f.events }
func (f *fakeStream) ErrCh() <-chan error                { return f.errs }
func (f *fakeStream) Metrics() binance.ConnectionMetrics {
	return binance.ConnectionMetrics{UpdatesPerSec: 1}
}

// fakeValidator 记录调用顺序；invalid 中的键返回无效结果
type fakeValidator struct {
	mu      sync.Mutex
	calls   []string
	invalid map[string]bool
}

func (v *fakeValidator) Validate(ctx context.Context, c model.Candidate) model.Validation {
	v.mu.Lock()
	defer v.mu.Unlock()
	key := c.Key().String()
	v.calls = append(v.calls, key)
	if v.invalid[key] {
		return model.InvalidValidation()
	}
	return model.Validation{IsValid: true, Liquidity: [3]float64{1, 2, 3}, ReferencePrices: c.Prices}
}

type fixedScorer int

func (s fixedScorer) ScoreCandidate(model.Candidate, model.Validation) int { return int(s) }

type recordingSink struct {
	mu      sync.Mutex
	rows    []display.Row
	trends  []display.TrendPoint
	notices []display.Notice
}

func (s *recordingSink) Upsert(r display.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, r)
}

func (s *recordingSink) Trend(p display.TrendPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trends = append(s.trends, p)
}

func (s *recordingSink) Notice(n display.Notice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, n)
}

func (s *recordingSink) counts() (rows, trends, notices int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows), len(s.trends), len(s.notices)
}

type harness struct {
	stream    *fakeStream
	store     *store.Store
	ledger    *ledger.Ledger
	validator *fakeValidator
	sink      *recordingSink
	pipeline  *Pipeline
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		stream:    newFakeStream(),
		store:     store.New(),
		ledger:    ledger.New(0),
		validator: &fakeValidator{invalid: map[string]bool{}},
		sink:      &recordingSink{},
	}
	d := Deps{
		Stream:           h.stream,
		Store:            h.store,
		Worker:           scanner.NewWorker(scanner.DefaultParams(), zap.NewNop()),
		Validator:        h.validator,
		Scorer:           fixedScorer(77),
		Ledger:           h.ledger,
		Formatter:        display.NewFormatter(config.Default().Display),
		Sink:             h.sink,
		DispatchInterval: 10 * time.Millisecond,
		Stats:            metrics.New(),
	}
	if mutate != nil {
		mutate(&d)
	}
	h.pipeline = New(d, zap.NewNop())
	return h
}

func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run 未在取消后退出")
	}
}

func tick(symbol string, ask, bid float64) model.TickerEvent {
	return model.TickerEvent{Symbol: symbol, AskPrice: ask, BidPrice: bid, ArrivedAtUnixNs: 1}
}

// 行情 → 扫描 → 校验评分 → 台账 → 展示端 全链路
func TestPipeline_EndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	cancel, done := h.start(t)

	h.stream.events <- []model.TickerEvent{
		tick("BTCUSDT", 100, 99),
		tick("BTCETH", 2, 1.9),
		tick("ETHUSDT", 211, 210),
	}

	require.Eventually(t, func() bool {
		rows, trends, _ := h.sink.counts()
		return rows >= 1 && trends >= 1
	}, 3*time.Second, 10*time.Millisecond)

	h.sink.mu.Lock()
	row := h.sink.rows[0]
	h.sink.mu.Unlock()
	assert.Equal(t, "BTCUSDT|BTCETH|ETHUSDT", row.Key)
	assert.True(t, row.Valid)
	assert.Equal(t, 77, row.Score)
	assert.True(t, row.Created)

	e, ok := h.ledger.Get(model.CycleKey{LegA: "BTCUSDT", LegB: "BTCETH", LegC: "ETHUSDT"})
	require.True(t, ok)
	assert.Equal(t, [3]float64{100, 2, 210}, e.Candidate.Prices)
	assert.Equal(t, 3, h.store.Len())

	cancel()
	waitDone(t, done)
}

// 相同机会重复出现时原地覆盖，台账不增长
func TestPipeline_RepeatedCycleMerges(t *testing.T) {
	h := newHarness(t, nil)
	cancel, done := h.start(t)

	quotes := []model.TickerEvent{tick("BTCUSDT", 100, 99), tick("BTCETH", 2, 1.9), tick("ETHUSDT", 211, 210)}
	h.stream.events <- quotes
	require.Eventually(t, func() bool { return h.ledger.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	h.stream.events <- []model.TickerEvent{tick("ETHUSDT", 212, 211)}
	require.Eventually(t, func() bool {
		e, _ := h.ledger.Get(model.CycleKey{LegA: "BTCUSDT", LegB: "BTCETH", LegC: "ETHUSDT"})
		return e.Candidate.Prices[2] == 211
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.ledger.Len())

	cancel()
	waitDone(t, done)
}

// 节流窗口内到达的报价在窗口结束后补发，无需等待下一条行情
func TestPipeline_TrailingDispatch(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.DispatchInterval = 300 * time.Millisecond })
	cancel, done := h.start(t)

	h.stream.events <- []model.TickerEvent{tick("BTCUSDT", 100, 99), tick("BTCETH", 2, 1.9)}
	require.Eventually(t, func() bool {
		_, trends, _ := h.sink.counts()
		return trends >= 1
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.ledger.Len())

	h.stream.events <- []model.TickerEvent{tick("ETHUSDT", 211, 210)}
	require.Eventually(t, func() bool { return h.ledger.Len() == 1 }, 3*time.Second, 10*time.Millisecond)

	cancel()
	waitDone(t, done)
}

func TestPipeline_InvalidQuotesNotStored(t *testing.T) {
	h := newHarness(t, nil)
	cancel, done := h.start(t)

	h.stream.events <- []model.TickerEvent{tick("BTCUSDT", 100, 99), tick("DEADUSDT", 0, 0)}
	require.Eventually(t, func() bool { return h.store.Len() == 1 }, 3*time.Second, 10*time.Millisecond)
	_, ok := h.store.Get("DEADUSDT")
	assert.False(t, ok)

	cancel()
	waitDone(t, done)
}

func TestPipeline_StreamErrorsBecomeNotices(t *testing.T) {
	h := newHarness(t, nil)
	cancel, done := h.start(t)

	h.stream.errs <- &binance.RejectError{Symbol: "BADUSDT", Reason: binance.ReasonBadPrice}
	h.stream.errs <- binance.ErrStreamInterrupted
	h.stream.errs <- &binance.RejectError{Reason: binance.ReasonMalformed}

	require.Eventually(t, func() bool {
		_, _, n := h.sink.counts()
		return n == 3
	}, 3*time.Second, 10*time.Millisecond)

	h.sink.mu.Lock()
	assert.Equal(t, display.NoticeData, h.sink.notices[0].Level)
	assert.Contains(t, h.sink.notices[0].Message, "BADUSDT")
	assert.Equal(t, display.NoticeTransient, h.sink.notices[1].Level)
	assert.Equal(t, display.NoticeData, h.sink.notices[2].Level)
	assert.Contains(t, h.sink.notices[2].Message, binance.ReasonMalformed)
	h.sink.mu.Unlock()

	cancel()
	waitDone(t, done)
}

// 通知突发时被限流
func TestPipeline_NoticesRateLimited(t *testing.T) {
	h := newHarness(t, nil)
	cancel, done := h.start(t)

	for i := 0; i < 30; i++ {
		h.stream.errs <- binance.ErrStreamInterrupted
	}
	require.Eventually(t, func() bool {
		_, _, n := h.sink.counts()
		return n >= 5
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	_, _, n := h.sink.counts()
	assert.Less(t, n, 30)

	cancel()
	waitDone(t, done)
}

// 批次内候选按输出顺序逐个处理，批次结束后追加趋势点
func TestReconcile_SequentialAndTrend(t *testing.T) {
	h := newHarness(t, nil)
	h.validator.invalid["B|B2|B3"] = true

	at := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	batch := model.Batch{
		ID:         "b1",
		SnapshotAt: at,
		Candidates: []model.Candidate{
			{LegA: "A", LegB: "A2", LegC: "A3", ProfitPercent: 0.5},
			{LegA: "B", LegB: "B2", LegC: "B3", ProfitPercent: 1.5},
			{LegA: "C", LegB: "C2", LegC: "C3", ProfitPercent: 0.7},
		},
	}
	h.pipeline.reconcile(context.Background(), batch)

	assert.Equal(t, []string{"A|A2|A3", "B|B2|B3", "C|C2|C3"}, h.validator.calls)

	entries := h.ledger.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, model.StatusValid, entries[0].Status)
	assert.Equal(t, model.StatusMismatch, entries[1].Status)
	assert.Equal(t, [3]float64{}, entries[1].Validation.Liquidity)
	assert.Equal(t, 77, entries[2].Score)

	history := h.ledger.History()
	require.Len(t, history, 1)
	assert.Equal(t, 1.5, history[0].MaxProfitPercent)
	assert.Equal(t, "09:30:00", history[0].Label)

	for _, stage := range []string{latency.StageScan, latency.StageValidate, latency.StageBatch} {
		assert.Greater(t, h.pipeline.latency.Stats(stage).Count, int64(0), stage)
	}
}

func TestReconcile_EmptyBatchRecordsZero(t *testing.T) {
	h := newHarness(t, nil)
	h.pipeline.reconcile(context.Background(), model.Batch{ID: "empty", SnapshotAt: time.Now()})

	history := h.ledger.History()
	require.Len(t, history, 1)
	assert.Equal(t, 0.0, history[0].MaxProfitPercent)
	assert.Equal(t, 0, h.ledger.Len())
}

func TestReconcile_StopsOnShutdown(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.pipeline.reconcile(ctx, model.Batch{Candidates: []model.Candidate{{LegA: "A", LegB: "B", LegC: "C"}}})
	assert.Empty(t, h.validator.calls)
	assert.Equal(t, 0, h.ledger.Len())
}

func TestPipeline_WritesMetricsSnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.jsonl")
	w, err := jsonl.NewWriter(path, 16)
	require.NoError(t, err)

	h := newHarness(t, func(d *Deps) {
		d.MetricsWriter = w
		d.MetricsInterval = 20 * time.Millisecond
	})
	cancel, done := h.start(t)

	time.Sleep(80 * time.Millisecond)
	cancel()
	waitDone(t, done)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"ledger_entries":0`)
	assert.Contains(t, string(data), `"updates_per_sec"`)
}
