// Package jsonl 实现异步 JSONL 文件写入。
// 写入端只投递到带缓冲的 channel，编码与文件 I/O 在后台 goroutine 完成；
// 缓冲区满时丢弃记录并计数，不阻塞调用方。
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed 写入器已关闭
var ErrClosed = errors.New("jsonl writer 已关闭")

// Record 带类型与时间戳的记录外层
type Record struct {
	// Type 记录类型，如 row / trend / notice / metrics
	Type string `json:"type"`
	// TsUnixMs 记录时间（毫秒）
	TsUnixMs int64 `json:"ts_unix_ms"`
	// Data 记录内容
	Data any `json:"data"`
}

// Writer 异步 JSONL 写入器
type Writer struct {
	path string
	ch   chan any
	// flushCh 刷盘请求，由后台 goroutine 应答
	flushCh chan chan error
	// exited 后台 goroutine 退出后关闭
	exited chan struct{}
	// closeErr 关闭时最后一次刷盘的结果，exited 关闭后可读
	closeErr error

	written atomic.Int64
	dropped atomic.Int64
	failed  atomic.Int64

	// mu 保护 closed 与 ch 的关闭；持锁期间不做阻塞操作
	mu     sync.RWMutex
	closed bool
}

// NewWriter 创建 JSONL 写入器（追加模式）
// 参数 path: 输出文件路径，目录不存在时自动创建
// 参数 bufferSize: 写入缓冲区大小（channel capacity）
func NewWriter(path string, bufferSize int) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	w := &Writer{
		path:    path,
		ch:      make(chan any, bufferSize),
		flushCh: make(chan chan error),
		exited:  make(chan struct{}),
	}

	go w.loop(f)

	return w, nil
}

// Path 输出文件路径
func (w *Writer) Path() string {
	return w.path
}

// Write 异步写入一条记录；缓冲区满时丢弃并返回 false
func (w *Writer) Write(v any) (bool, error) {
	if w == nil {
		return false, ErrClosed
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false, ErrClosed
	}

	select {
	case w.ch <- v:
		return true, nil
	default:
		w.dropped.Add(1)
		return false, nil
	}
}

// WriteRecord 以 Record 外层写入
func (w *Writer) WriteRecord(typ string, at time.Time, data any) (bool, error) {
	return w.Write(Record{Type: typ, TsUnixMs: at.UnixMilli(), Data: data})
}

// Flush 等待此前投递的记录全部写入文件
func (w *Writer) Flush() error {
	if w == nil {
		return nil
	}
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	done := make(chan error, 1)
	select {
	case w.flushCh <- done:
		return <-done
	case <-w.exited:
		return ErrClosed
	}
}

// Close 刷盘并关闭写入器，可重复调用
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ch)
	}
	w.mu.Unlock()

	<-w.exited
	return w.closeErr
}

// Stats 返回已写入、因缓冲区满丢弃、编码失败的记录数
func (w *Writer) Stats() (written, dropped, failed int64) {
	return w.written.Load(), w.dropped.Load(), w.failed.Load()
}

func (w *Writer) loop(f *os.File) {
	defer close(w.exited)
	defer f.Close()

	bw := bufio.NewWriterSize(f, 1<<20) // 1MB buffer
	for {
		select {
		case v, ok := <-w.ch:
			if !ok {
				w.closeErr = bw.Flush()
				return
			}
			w.encode(bw, v)

		case done := <-w.flushCh:
			// 先写完请求前已入队的记录
			for n := len(w.ch); n > 0; n-- {
				v, ok := <-w.ch
				if !ok {
					break
				}
				w.encode(bw, v)
			}
			done <- bw.Flush()
		}
	}
}

func (w *Writer) encode(bw *bufio.Writer, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		w.failed.Add(1)
		return
	}
	b = append(b, '\n')
	if _, err := bw.Write(b); err != nil {
		w.failed.Add(1)
		return
	}
	w.written.Add(1)
}
