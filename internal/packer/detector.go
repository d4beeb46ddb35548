package packer

import (
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/archive"
)

// inventory 从归档条目中提取的检测依据
type inventory struct {
	entryPoint  string
	names       []string
	nativeLibs  []string
	dexBytes    int64
	dexCount    int
	nativeBytes int64
}

func takeInventory(entries []*archive.Entry, entryPoint string) *inventory {
	inv := &inventory{entryPoint: entryPoint, names: make([]string, 0, len(entries))}
	for _, e := range entries {
		inv.names = append(inv.names, e.Name)
		switch {
		case strings.HasPrefix(e.Name, "lib/") && strings.HasSuffix(e.Name, ".so"):
			inv.nativeLibs = append(inv.nativeLibs, path.Base(e.Name))
			inv.nativeBytes += int64(e.UncompressedSize)
		case strings.HasSuffix(e.Name, ".dex"):
			inv.dexBytes += int64(e.UncompressedSize)
			inv.dexCount++
		}
	}
	return inv
}

// Detector 第三方加固检测，结果只作提示，不影响保护流程
type Detector struct {
	rules  []PackerRule
	logger *logrus.Logger
}

// NewDetector logger 为 nil 时使用标准 logger
func NewDetector(logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rules := BuiltinRules()
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })
	return &Detector{rules: rules, logger: logger}
}

// Detect 按优先级逐条评分，返回第一条达到阈值的规则
func (d *Detector) Detect(entries []*archive.Entry, entryPoint string) *PackerInfo {
	inv := takeInventory(entries, entryPoint)
	d.logger.WithFields(logrus.Fields{
		"native_libs": len(inv.nativeLibs),
		"dex_count":   inv.dexCount,
		"dex_size":    inv.dexBytes,
		"native_size": inv.nativeBytes,
	}).Debug("APK inventory collected")

	for _, rule := range d.rules {
		score, hits := rule.score(inv)
		if score < matchThreshold {
			continue
		}
		info := &PackerInfo{
			IsPacked:   true,
			PackerName: rule.Name,
			PackerType: rule.Type,
			Confidence: min(score, 1.0),
			Indicators: hits,
		}
		d.logger.WithFields(logrus.Fields{
			"packer_name": info.PackerName,
			"packer_type": info.PackerType,
			"confidence":  info.Confidence,
			"indicators":  info.Indicators,
		}).Info("Packer detected")
		return info
	}
	return &PackerInfo{Indicators: []string{}}
}

func (r PackerRule) score(inv *inventory) (float64, []string) {
	var (
		total float64
		hits  = []string{}
	)
	hit := func(w float64, indicator string) {
		total += w
		hits = append(hits, indicator)
	}

	if inv.entryPoint != "" {
		for _, cls := range r.ClassNames {
			if cls == inv.entryPoint {
				hit(weightEntryPoint, "entry_point:"+cls)
			}
		}
	}
	for _, want := range r.NativeLibs {
		for _, lib := range inv.nativeLibs {
			if matchLibName(want, lib) {
				hit(weightNativeLib, "native_lib:"+lib)
			}
		}
	}
	for _, prefix := range r.Assets {
		for _, name := range inv.names {
			if strings.HasPrefix(name, prefix) {
				hit(weightAsset, "asset:"+name)
				break
			}
		}
	}
	if kb := r.FileSize.DEXMaxKB; kb > 0 && inv.dexBytes > 0 && inv.dexBytes/1024 < kb {
		hit(weightSize, "dex_size_anomaly")
	}
	if mb := r.FileSize.NativeMinMB; mb > 0 && inv.nativeBytes > 0 && inv.nativeBytes>>20 > mb {
		hit(weightSize, "native_size_anomaly")
	}
	return total, hits
}

// matchLibName 容忍版本后缀，libshellx-2.10.3.4.so 视同 libshellx.so
func matchLibName(want, got string) bool {
	if want == got {
		return true
	}
	w := strings.TrimSuffix(want, ".so")
	g := strings.TrimSuffix(got, ".so")
	if strings.HasPrefix(g, w) || strings.HasPrefix(w, g) {
		return true
	}
	core := func(s string) string {
		s, _, _ = strings.Cut(strings.TrimPrefix(s, "lib"), "-")
		return s
	}
	return core(w) == core(g)
}

// Summary 一行中文摘要
func Summary(info *PackerInfo) string {
	if info == nil || !info.IsPacked {
		return "未检测到加固"
	}
	return "检测到加固: " + info.PackerName + " (" + info.PackerType + ")"
}
