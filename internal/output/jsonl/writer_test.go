// Package jsonl 输出模块测试
package jsonl

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

// 属性: 写入的每条记录都按顺序出现在文件中
func TestWriter_OrderPreserved_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("文件行与写入顺序一致", prop.ForAll(
		func(values []int) bool {
			path := filepath.Join(t.TempDir(), "out.jsonl")
			w, err := NewWriter(path, len(values)+1)
			if err != nil {
				return false
			}
			for _, v := range values {
				if ok, err := w.Write(map[string]int{"v": v}); !ok || err != nil {
					return false
				}
			}
			if err := w.Close(); err != nil {
				return false
			}

			lines := readLines(t, path)
			if len(lines) != len(values) {
				return false
			}
			for i, v := range values {
				if lines[i]["v"].(float64) != float64(v) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(-1000, 1000)),
	))

	properties.TestingRun(t)
}

func TestWriter_RecordAndFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")
	w, err := NewWriter(path, 10)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, path, w.Path())

	at := time.UnixMilli(1700000000123)
	ok, err := w.WriteRecord("notice", at, map[string]string{"message": "hello"})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, w.Flush())

	lines := readLines(t, path)
	require.Len(t, lines, 1)
	assert.Equal(t, "notice", lines[0]["type"])
	assert.Equal(t, float64(1700000000123), lines[0]["ts_unix_ms"])
	assert.Equal(t, "hello", lines[0]["data"].(map[string]any)["message"])

	written, dropped, failed := w.Stats()
	assert.Equal(t, int64(1), written)
	assert.Zero(t, dropped)
	assert.Zero(t, failed)
}

func TestWriter_UnencodableValueCounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewWriter(path, 10)
	require.NoError(t, err)

	_, _ = w.Write(func() {})
	_, _ = w.Write(map[string]int{"ok": 1})
	require.NoError(t, w.Close())

	_, _, failed := w.Stats()
	assert.Equal(t, int64(1), failed)
	assert.Len(t, readLines(t, path), 1)
}

func TestWriter_Closed(t *testing.T) {
	w, err := NewWriter(filepath.Join(t.TempDir(), "out.jsonl"), 10)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close(), "重复关闭不报错")

	ok, err := w.Write(1)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, w.Flush(), ErrClosed)

	var nilWriter *Writer
	assert.NoError(t, nilWriter.Close())
}

func TestWriter_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewWriter(path, 10000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, _ = w.Write(map[string]int{"i": i})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())

	written, dropped, _ := w.Stats()
	assert.Equal(t, int64(800), written+dropped)
	assert.Len(t, readLines(t, path), int(written))
}

// stallValue 编码时阻塞，直到 release 关闭
type stallValue struct {
	entered chan struct{}
	release chan struct{}
}

func (s stallValue) MarshalJSON() ([]byte, error) {
	close(s.entered)
	<-s.release
	return []byte(`{"stall":true}`), nil
}

// 后台写入停滞且有刷盘请求等待时，Write 仍立即返回
func TestWriter_WriteNotBlockedByPendingFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	w, err := NewWriter(path, 1)
	require.NoError(t, err)

	stall := stallValue{entered: make(chan struct{}), release: make(chan struct{})}
	ok, err := w.Write(stall)
	require.NoError(t, err)
	require.True(t, ok)
	<-stall.entered

	ok, err = w.Write(map[string]int{"v": 1})
	require.NoError(t, err)
	require.True(t, ok)

	flushed := make(chan error, 1)
	go func() { flushed <- w.Flush() }()
	time.Sleep(50 * time.Millisecond)

	returned := make(chan bool, 1)
	go func() {
		ok, _ := w.Write(map[string]int{"v": 2})
		returned <- ok
	}()
	select {
	case ok := <-returned:
		assert.False(t, ok, "缓冲区已满应丢弃")
	case <-time.After(time.Second):
		t.Fatal("Write 被阻塞")
	}

	close(stall.release)
	select {
	case err := <-flushed:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Flush 未完成")
	}
	require.NoError(t, w.Close())

	written, dropped, _ := w.Stats()
	assert.Equal(t, int64(2), written)
	assert.Equal(t, int64(1), dropped)
	assert.Len(t, readLines(t, path), 2)
}
