package watcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// 本服务的产物；收件箱与结果目录相同时不能再次加固
const protectedSuffix = "_protected.apk"

var errNotArchive = errors.New("file is not a zip archive")

// FileHandler 处理一个已写完的收件箱文件
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数
type Options struct {
	Pattern  string        // filepath.Match 模式，忽略大小写，默认 *.apk
	Debounce time.Duration // 同一文件连续事件合并的窗口，默认 2 秒

	// 两次 stat 大小一致视为写完，最多检查 ReadyAttempts 次
	ReadyInterval time.Duration
	ReadyAttempts int
}

// FileWatcher 监控收件箱目录，新 APK 写完后交给 handler。
// 不扫描启动前已存在的文件
type FileWatcher struct {
	fsw     *fsnotify.Watcher
	dir     string
	opts    Options
	handler FileHandler
	logger  *logrus.Logger

	mu       sync.Mutex
	pending  map[string]*time.Timer
	inflight map[string]struct{}
	wg       sync.WaitGroup

	stopOnce sync.Once
	stop     chan struct{}
}

func NewFileWatcher(dir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	if opts.Pattern == "" {
		opts.Pattern = "*.apk"
	}
	if _, err := filepath.Match(opts.Pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid watch pattern %q: %w", opts.Pattern, err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 2 * time.Second
	}
	if opts.ReadyInterval <= 0 {
		opts.ReadyInterval = 500 * time.Millisecond
	}
	if opts.ReadyAttempts <= 0 {
		opts.ReadyAttempts = 10
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": dir,
		"pattern":   opts.Pattern,
		"debounce":  opts.Debounce,
	}).Info("File watcher created")

	return &FileWatcher{
		fsw:      fsw,
		dir:      dir,
		opts:     opts,
		handler:  handler,
		logger:   logger,
		pending:  make(map[string]*time.Timer),
		inflight: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}, nil
}

// Start 在后台处理事件直到 ctx 结束或 Stop
func (fw *FileWatcher) Start(ctx context.Context) error {
	go fw.run(ctx)
	fw.logger.WithField("watch_dir", fw.dir).Info("File watcher started")
	return nil
}

func (fw *FileWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stop:
			return
		case ev, ok := <-fw.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !fw.matchPattern(filepath.Base(ev.Name)) {
				continue
			}
			fw.debounce(ctx, ev.Name)
		case err, ok := <-fw.fsw.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// debounce 复制大文件会产生大量 Write 事件，只在最后一次事件之后处理
func (fw *FileWatcher) debounce(ctx context.Context, path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if t, ok := fw.pending[path]; ok {
		t.Stop()
	}
	fw.pending[path] = time.AfterFunc(fw.opts.Debounce, func() {
		fw.mu.Lock()
		delete(fw.pending, path)
		fw.mu.Unlock()
		fw.process(ctx, path)
	})
}

func (fw *FileWatcher) process(ctx context.Context, path string) {
	fw.mu.Lock()
	if _, busy := fw.inflight[path]; busy {
		fw.mu.Unlock()
		return
	}
	fw.inflight[path] = struct{}{}
	fw.wg.Add(1)
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		delete(fw.inflight, path)
		fw.mu.Unlock()
		fw.wg.Done()
	}()

	log := fw.logger.WithField("file", path)
	if err := fw.waitReady(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// 处理时已移入 inbound，移走本身也会触发事件
			log.Debug("File disappeared before processing")
			return
		}
		log.WithError(err).Error("File not ready")
		return
	}

	log.Info("Processing inbox file")
	if err := fw.handler(ctx, path); err != nil {
		log.WithError(err).Error("Failed to process inbox file")
		return
	}
	log.Info("Inbox file processed")
}

// waitReady 等待大小稳定且非空，再确认是 zip 文件
func (fw *FileWatcher) waitReady(path string) error {
	var last int64 = -1
	for i := 0; i < fw.opts.ReadyAttempts; i++ {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		size := info.Size()
		if size > 0 && size == last {
			return checkZipMagic(path)
		}
		last = size
		time.Sleep(fw.opts.ReadyInterval)
	}
	return fmt.Errorf("file size still changing after %d checks", fw.opts.ReadyAttempts)
}

func checkZipMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, []byte("PK")) {
		return errNotArchive
	}
	return nil
}

// matchPattern 跳过隐藏文件、临时文件与本服务的产物
func (fw *FileWatcher) matchPattern(name string) bool {
	lower := strings.ToLower(name)
	if strings.HasPrefix(name, ".") || strings.HasSuffix(lower, protectedSuffix) {
		return false
	}
	ok, _ := filepath.Match(strings.ToLower(fw.opts.Pattern), lower)
	return ok
}

// Stop 取消待处理的防抖定时器，等待正在处理的文件完成
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.stop)

		fw.mu.Lock()
		for path, t := range fw.pending {
			t.Stop()
			delete(fw.pending, path)
		}
		fw.mu.Unlock()

		err = fw.fsw.Close()
		fw.wg.Wait()
		fw.logger.Info("File watcher stopped")
	})
	return err
}

// GetWatchDir 收件箱目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.dir
}
