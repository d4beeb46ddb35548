package utils

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// 单行上限；进度事件很小，超过说明文件损坏
const maxJSONLLine = 1 << 20

// JSONLWriter 追加写 JSONL，可并发调用。
// 每条记录写完即落到文件，进程崩溃最多丢失正在写的一行
type JSONLWriter[T any] struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

func NewJSONLWriter[T any](path string) (*JSONLWriter[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter[T]{f: f, buf: buf, enc: enc}, nil
}

// Append Encode 自带换行
func (w *JSONLWriter[T]) Append(v T) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		return err
	}
	return w.buf.Flush()
}

func (w *JSONLWriter[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return errors.Join(w.buf.Flush(), w.f.Close())
}

// ForEachJSONL 逐行解码并回调，空行跳过，解码错误带行号
func ForEachJSONL[T any](path string, fn func(T) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxJSONLLine)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(sc.Bytes(), &v); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(v); err != nil {
			return err
		}
	}
	return sc.Err()
}

// ReadJSONL 文件不存在视为空
func ReadJSONL[T any](path string) ([]T, error) {
	out := []T{}
	err := ForEachJSONL(path, func(v T) error {
		out = append(out, v)
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return out, nil
}
