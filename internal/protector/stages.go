package protector

import (
	"archive/zip"
	"context"
	"errors"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/manifest"
	"github.com/apk-protector/apk-protector-go/internal/payload"
	"github.com/apk-protector/apk-protector-go/internal/signer"
)

// analyze 打开源 APK，提取应用信息并定位代码单元
func (o *Orchestrator) analyze(ctx context.Context, rc *runContext) error {
	rc.report(domain.StageAnalyzing, 0, "Analyzing %s", filepath.Base(rc.cfg.SourcePath))

	r, err := archive.Open(rc.cfg.SourcePath)
	if err != nil {
		return err
	}
	rc.reader = r

	if rc.inputSHA, err = fileSHA256(rc.cfg.SourcePath); err != nil {
		return err
	}
	if _, ok := r.Lookup(rc.cfg.PayloadAsset); ok {
		return domain.ProtectionError("analyze", "%s already contains %s; APK is already protected", filepath.Base(rc.cfg.SourcePath), rc.cfg.PayloadAsset)
	}

	raw, err := r.ReadAll(manifest.EntryName)
	if err != nil {
		return err
	}
	app, err := manifest.Extract(raw)
	if err != nil {
		return err
	}
	if app.EntryPoint == rc.cfg.LoaderClass {
		return domain.ProtectionError("analyze", "entry point is already the loader %s; APK is already protected", rc.cfg.LoaderClass)
	}
	rc.manifest = raw
	rc.app = app
	rc.codeUnits = payload.CodeUnits(r.Entries())

	if o.deps.Detector != nil {
		rc.packer = o.deps.Detector.Detect(r.Entries(), app.EntryPoint)
		if rc.packer.IsPacked {
			rc.log.WithFields(logrus.Fields{
				"packer_name": rc.packer.PackerName,
				"confidence":  rc.packer.Confidence,
			}).Warn("Source APK shows third-party packer indicators")
		}
	}

	rc.report(domain.StageAnalyzing, 10, "Found %d code units in %s %s", len(rc.codeUnits), app.PackageName, app.VersionName)
	return nil
}

// buildPayload 加密代码单元，载荷只保存在内存中
func (o *Orchestrator) buildPayload(ctx context.Context, rc *runContext) error {
	rc.report(domain.StageBuildingPayload, 12, "Encrypting %d code units", len(rc.codeUnits))

	now := rc.now
	res, err := payload.Build(rc.reader, payload.Options{
		TrialDays: rc.cfg.TrialDays,
		Owner:     rc.cfg.Owner,
		Secret:    rc.cfg.Secret,
		Now:       func() time.Time { return now },
		Rand:      o.deps.Rand,
	})
	if err != nil {
		return err
	}
	rc.payload = res

	rc.report(domain.StageBuildingPayload, 35, "Payload sealed: %d bytes from %d code units", len(res.Blob), len(res.CodeUnits))
	return nil
}

// excluded 不复制到新 APK 的条目：代码单元、清单、旧的 v1 签名文件
func excluded(name string) bool {
	return payload.IsCodeUnit(name) || name == manifest.EntryName || signer.IsV1SignatureFile(name)
}

// rewriteArchive 复制保留条目，追加载荷、loader 与改写后的清单
func (o *Orchestrator) rewriteArchive(ctx context.Context, rc *runContext) error {
	rc.report(domain.StageRewritingArchive, 36, "Rewriting archive")

	if o.deps.Loader == nil {
		return domain.ProtectionError("rewrite archive", "no loader configured")
	}
	loader, err := o.deps.Loader.Load()
	if err != nil {
		if domain.KindOf(err) == "" {
			err = domain.ProtectionError("rewrite archive", "load loader: %w", err)
		}
		return err
	}
	patched, _, err := manifest.Patch(rc.manifest, manifest.PatchOptions{
		LoaderClass:  rc.cfg.LoaderClass,
		PayloadAsset: rc.cfg.PayloadAsset,
	})
	if err != nil {
		return err
	}

	w, err := archive.Create(rc.unsignedPath, archive.WriterOptions{
		Workers: rc.cfg.Workers,
		Align:   rc.cfg.Align,
	})
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			w.Abort()
		}
	}()

	entries := rc.reader.Entries()
	copied, skipped := 0, 0
	for _, e := range entries {
		if excluded(e.Name) {
			skipped++
			continue
		}
		if err := w.Copy(e); err != nil {
			return err
		}
		copied++
	}
	rc.report(domain.StageRewritingArchive, 55, "Copied %d entries, replaced %d", copied, skipped)

	if dir := path.Dir(rc.cfg.PayloadAsset); dir != "." && !w.Has(dir+"/") {
		if err := w.AddDir(dir+"/", rc.now); err != nil {
			return err
		}
	}
	err = w.AddAll(ctx, []archive.NewEntry{
		{Name: rc.cfg.PayloadAsset, Data: rc.payload.Blob, Modified: rc.now, Method: zip.Store},
		{Name: LoaderEntryName, Data: loader, Modified: rc.now, Method: zip.Deflate},
		{Name: manifest.EntryName, Data: patched, Modified: rc.now, Method: zip.Deflate},
	})
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	ok = true

	rc.report(domain.StageRewritingArchive, 75, "Archive rewritten with loader %s", rc.cfg.LoaderClass)
	return nil
}

// sign 交给签名器，没有未签名降级
func (o *Orchestrator) sign(ctx context.Context, rc *runContext) error {
	rc.report(domain.StageSigning, 76, "Signing archive")

	if o.deps.Signer == nil {
		return domain.SigningError("sign", errors.New("no signer configured"))
	}
	if err := o.deps.Signer.Sign(ctx, rc.unsignedPath, rc.signedPath); err != nil {
		if domain.KindOf(err) == "" {
			err = domain.SigningError("sign", err)
		}
		return err
	}

	rc.report(domain.StageSigning, 95, "Archive signed")
	return nil
}
