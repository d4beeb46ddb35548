package protector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/manifest"
	"github.com/apk-protector/apk-protector-go/internal/packer"
	"github.com/apk-protector/apk-protector-go/internal/payload"
)

const zipAlign = 4

// Config 单次加固的输入，运行期间不可变
type Config struct {
	JobID        string
	SourcePath   string
	DestPath     string
	TrialDays    int
	Owner        bool
	Overwrite    bool
	Secret       []byte
	LoaderClass  string
	PayloadAsset string
	Workers      int
	Align        int
}

// FromConfig 由配置文件的 protection 段生成运行参数
func FromConfig(pc config.ProtectionConfig, src, dst string) Config {
	cfg := Config{
		SourcePath:   src,
		DestPath:     dst,
		TrialDays:    pc.TrialDays,
		Owner:        pc.Owner,
		Overwrite:    pc.Overwrite,
		Secret:       []byte(pc.Secret),
		LoaderClass:  pc.LoaderClass,
		PayloadAsset: pc.PayloadAsset,
		Workers:      pc.CompressionWorkers,
	}
	if pc.Align {
		cfg.Align = zipAlign
	}
	return cfg
}

// DefaultOutputPath 未指定目标路径时的输出位置：dir/<name>_protected.apk，dir 为空时与源文件同目录
func DefaultOutputPath(src, dir string) string {
	if dir == "" {
		dir = filepath.Dir(src)
	}
	base := filepath.Base(src)
	if ext := filepath.Ext(base); strings.EqualFold(ext, ".apk") {
		base = base[:len(base)-len(ext)]
	}
	return filepath.Join(dir, base+"_protected.apk")
}

// Progress 阶段进度，百分比在一次运行内单调不减
type Progress struct {
	Stage   domain.Stage `json:"stage"`
	Percent int          `json:"percent"`
	Message string       `json:"message"`
}

// Signer 签名协作者
type Signer interface {
	Sign(ctx context.Context, in, out string) error
}

// Dependencies 外部协作者
type Dependencies struct {
	Loader   LoaderSource
	Signer   Signer
	Detector *packer.Detector
	Now      func() time.Time
	Rand     io.Reader
}

// Result 加固产物
type Result struct {
	OutputPath   string                         `json:"output_path"`
	App          *manifest.ApplicationInfo      `json:"app"`
	Header       payload.Header                 `json:"header"`
	CodeUnits    []string                       `json:"code_units"`
	PayloadSize  int                            `json:"payload_size"`
	InputSHA256  string                         `json:"input_sha256"`
	OutputSHA256 string                         `json:"output_sha256"`
	Packer       *packer.PackerInfo             `json:"packer,omitempty"`
	Durations    map[domain.Stage]time.Duration `json:"durations"`
}

// Error 流水线失败，Stage 为失败时所处阶段
type Error struct {
	Stage domain.Stage
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage.Label(), e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Orchestrator 加固流水线，一个实例只执行一次 Protect
type Orchestrator struct {
	deps   Dependencies
	logger *logrus.Logger
	used   atomic.Bool
}

// New 创建流水线
func New(deps Dependencies, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{deps: deps, logger: logger}
}

type stageFunc func(ctx context.Context, rc *runContext) error

// Protect 依次执行 Analyzing → BuildingPayload → RewritingArchive → Signing，
// 成功时把签名后的 APK 原子移动到目标路径。progress 可为 nil，非 nil 时由 Protect 在返回前关闭，
// 调用方必须持续读取直到关闭。
func (o *Orchestrator) Protect(ctx context.Context, cfg Config, progress chan<- Progress) (*Result, error) {
	if progress != nil {
		defer close(progress)
	}
	if !o.used.CompareAndSwap(false, true) {
		return nil, &Error{Stage: domain.StageIdle, Err: domain.ProtectionError("protect", "orchestrator already ran; create a new one per run")}
	}

	rc := o.newRun(cfg, progress)
	defer rc.cleanup()

	if err := rc.prepare(); err != nil {
		return nil, rc.fail(err)
	}

	stages := []struct {
		stage domain.Stage
		run   stageFunc
	}{
		{domain.StageAnalyzing, o.analyze},
		{domain.StageBuildingPayload, o.buildPayload},
		{domain.StageRewritingArchive, o.rewriteArchive},
		{domain.StageSigning, o.sign},
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, rc.fail(domain.CancelledError("protect", err))
		}
		rc.stage = s.stage
		start := time.Now()
		if err := s.run(ctx, rc); err != nil {
			return nil, rc.fail(err)
		}
		rc.durations[s.stage] = time.Since(start)
		rc.log.WithFields(logrus.Fields{
			"stage":       s.stage,
			"duration_ms": rc.durations[s.stage].Milliseconds(),
		}).Debug("Stage completed")
	}

	if err := ctx.Err(); err != nil {
		return nil, rc.fail(domain.CancelledError("protect", err))
	}
	res, err := rc.finish()
	if err != nil {
		return nil, rc.fail(err)
	}
	return res, nil
}

// runContext 一次运行的全部状态，由 Protect 独占
type runContext struct {
	cfg      Config
	progress chan<- Progress
	log      *logrus.Entry
	now      time.Time

	stage   domain.Stage
	percent int

	workDir      string
	unsignedPath string
	signedPath   string

	reader    *archive.Reader
	manifest  []byte
	app       *manifest.ApplicationInfo
	codeUnits []*archive.Entry
	payload   *payload.Result
	packer    *packer.PackerInfo
	inputSHA  string
	durations map[domain.Stage]time.Duration
}

func (o *Orchestrator) newRun(cfg Config, progress chan<- Progress) *runContext {
	if cfg.LoaderClass == "" {
		cfg.LoaderClass = DefaultLoaderClass
	}
	if cfg.PayloadAsset == "" {
		cfg.PayloadAsset = payload.DefaultAssetName
	}
	now := time.Now()
	if o.deps.Now != nil {
		now = o.deps.Now()
	}
	fields := logrus.Fields{
		"source": cfg.SourcePath,
		"dest":   cfg.DestPath,
	}
	if cfg.JobID != "" {
		fields["job_id"] = cfg.JobID
	}
	return &runContext{
		cfg:       cfg,
		progress:  progress,
		log:       o.logger.WithFields(fields),
		now:       now,
		stage:     domain.StageIdle,
		durations: make(map[domain.Stage]time.Duration),
	}
}

// prepare 校验路径并在目标目录下创建 <dest>.partial-* 工作目录
func (rc *runContext) prepare() error {
	if rc.cfg.SourcePath == "" || rc.cfg.DestPath == "" {
		return domain.ProtectionError("prepare", "source and destination paths are required")
	}
	src, err := filepath.Abs(rc.cfg.SourcePath)
	if err != nil {
		return domain.IOError("prepare", err)
	}
	dst, err := filepath.Abs(rc.cfg.DestPath)
	if err != nil {
		return domain.IOError("prepare", err)
	}
	if src == dst {
		return domain.ProtectionError("prepare", "destination must differ from source %s", src)
	}
	if err := rc.checkDest(); err != nil {
		return err
	}

	dir, err := os.MkdirTemp(filepath.Dir(dst), filepath.Base(dst)+".partial-*")
	if err != nil {
		return domain.IOError("prepare", err)
	}
	rc.workDir = dir
	rc.unsignedPath = filepath.Join(dir, "unsigned.apk")
	rc.signedPath = filepath.Join(dir, "signed.apk")
	return nil
}

func (rc *runContext) checkDest() error {
	if rc.cfg.Overwrite {
		return nil
	}
	if _, err := os.Stat(rc.cfg.DestPath); err == nil {
		return domain.IOError("prepare", fmt.Errorf("destination %s already exists", rc.cfg.DestPath))
	} else if !os.IsNotExist(err) {
		return domain.IOError("prepare", err)
	}
	return nil
}

// report 发送进度，阻塞直到调用方接收
func (rc *runContext) report(stage domain.Stage, percent int, format string, args ...interface{}) {
	if percent < rc.percent {
		percent = rc.percent
	}
	rc.percent = percent
	msg := fmt.Sprintf(format, args...)

	rc.log.WithFields(logrus.Fields{
		"stage":   stage,
		"percent": percent,
	}).Info(msg)
	if rc.progress != nil {
		rc.progress <- Progress{Stage: stage, Percent: percent, Message: msg}
	}
}

// fail 进入 Failed：清理临时文件并上报
func (rc *runContext) fail(err error) error {
	failed := rc.stage
	rc.cleanup()

	rc.log.WithFields(logrus.Fields{
		"stage": failed,
		"kind":  domain.KindOf(err),
	}).WithError(err).Error("Protection failed")
	if rc.progress != nil {
		rc.progress <- Progress{Stage: domain.StageFailed, Percent: rc.percent, Message: fmt.Sprintf("%s: %v", failed.Label(), err)}
	}
	rc.stage = domain.StageFailed
	return &Error{Stage: failed, Err: err}
}

// finish 计算产物摘要并原子替换到目标路径
func (rc *runContext) finish() (*Result, error) {
	outSHA, err := fileSHA256(rc.signedPath)
	if err != nil {
		return nil, err
	}
	if err := rc.checkDest(); err != nil {
		return nil, err
	}
	if err := os.Rename(rc.signedPath, rc.cfg.DestPath); err != nil {
		return nil, domain.IOError("finalize", err)
	}

	rc.stage = domain.StageDone
	rc.report(domain.StageDone, 100, "Protected APK written to %s", rc.cfg.DestPath)

	res := &Result{
		OutputPath:   rc.cfg.DestPath,
		App:          rc.app,
		Header:       rc.payload.Header,
		CodeUnits:    rc.payload.CodeUnits,
		PayloadSize:  len(rc.payload.Blob),
		InputSHA256:  rc.inputSHA,
		OutputSHA256: outSHA,
		Packer:       rc.packer,
		Durations:    rc.durations,
	}
	return res, nil
}

func (rc *runContext) cleanup() {
	if rc.reader != nil {
		rc.reader.Close()
		rc.reader = nil
	}
	if rc.workDir != "" {
		if err := os.RemoveAll(rc.workDir); err != nil {
			rc.log.WithError(err).WithField("dir", rc.workDir).Warn("Failed to remove work dir")
		}
		rc.workDir = ""
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", domain.IOError("hash file", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", domain.IOError("hash file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
