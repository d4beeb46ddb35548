package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/dex"
	"github.com/apk-protector/apk-protector-go/internal/manifest"
	"github.com/apk-protector/apk-protector-go/internal/packer"
	"github.com/apk-protector/apk-protector-go/internal/payload"
	"github.com/apk-protector/apk-protector-go/internal/signer"
)

// codeUnitInfo 代码单元摘要
type codeUnitInfo struct {
	Name       string `json:"name"`
	Version    string `json:"dex_version,omitempty"`
	Size       uint64 `json:"size"`
	ClassDefs  uint32 `json:"class_defs,omitempty"`
	ParseError string `json:"parse_error,omitempty"`
}

// payloadInfo 载荷头摘要，不需要构建密钥
type payloadInfo struct {
	Asset         string `json:"asset"`
	Version       uint32 `json:"version"`
	Owner         bool   `json:"owner"`
	Expires       string `json:"expires"`
	OriginalSize  uint32 `json:"original_size"`
	EncryptedSize uint32 `json:"encrypted_size"`
}

type inspectReport struct {
	Path       string                    `json:"path"`
	App        *manifest.ApplicationInfo `json:"app,omitempty"`
	MetaData   map[string]string         `json:"meta_data,omitempty"`
	Protected  bool                      `json:"protected"`
	CodeUnits  []codeUnitInfo            `json:"code_units"`
	Payload    *payloadInfo              `json:"payload,omitempty"`
	Signatures []string                  `json:"signatures"`
	Packer     *packer.PackerInfo        `json:"packer,omitempty"`
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	configPath := fs.String("config", "", "配置文件路径（可选）")
	jsonOut := fs.Bool("json", false, "以 JSON 输出")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("usage: apkprotect inspect [flags] <file.apk>")
	}

	cfg, logger, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}

	report, err := inspectAPK(fs.Arg(0), cfg.Protection.PayloadAsset, packer.NewDetector(logger))
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printInspect(os.Stdout, report)
	return nil
}

// inspectAPK 只读分析，不因单个代码单元或签名异常而失败
func inspectAPK(path, defaultAsset string, detector *packer.Detector) (*inspectReport, error) {
	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	report := &inspectReport{Path: path, Signatures: []string{}}

	raw, err := r.ReadAll(manifest.EntryName)
	if err != nil {
		return nil, err
	}
	if report.App, err = manifest.Extract(raw); err != nil {
		return nil, err
	}
	if report.MetaData, err = manifest.MetaData(raw); err != nil {
		return nil, err
	}

	asset := defaultAsset
	if name, ok := report.MetaData[manifest.MetaPayloadAsset]; ok {
		report.Protected = true
		asset = name
	}

	for _, e := range payload.CodeUnits(r.Entries()) {
		info := codeUnitInfo{Name: e.Name, Size: e.UncompressedSize}
		data, err := e.ReadAll()
		if err == nil {
			var h *dex.Header
			if h, err = dex.Validate(data); err == nil {
				info.Version, info.ClassDefs = h.Version, h.ClassDefsSize
			}
		}
		if err != nil {
			info.ParseError = err.Error()
		}
		report.CodeUnits = append(report.CodeUnits, info)
	}

	if e, ok := r.Lookup(asset); ok && asset != "" {
		report.Protected = true
		blob, err := e.ReadAll()
		if err != nil {
			return nil, err
		}
		h, body, err := payload.Split(blob)
		if err != nil {
			return nil, err
		}
		report.Payload = &payloadInfo{
			Asset:         asset,
			Version:       h.Version,
			Owner:         h.Owner(),
			Expires:       formatExpiry(h.ExpireTs, h.Owner()),
			OriginalSize:  h.OriginalSize,
			EncryptedSize: uint32(len(body)),
		}
	}

	if sig, err := signer.Verify(path); err == nil {
		report.Signatures = schemeList(sig)
	}

	if detector != nil {
		report.Packer = detector.Detect(r.Entries(), report.App.EntryPoint)
	}
	return report, nil
}

func schemeList(v *signer.VerifyResult) []string {
	var out []string
	if v.V1 {
		out = append(out, signer.SchemeV1)
	}
	if v.V2 {
		out = append(out, signer.SchemeV2)
	}
	if v.V3 {
		out = append(out, signer.SchemeV3)
	}
	return out
}

func printInspect(w io.Writer, r *inspectReport) {
	fmt.Fprintf(w, "File:        %s\n", r.Path)
	fmt.Fprintf(w, "Package:     %s %s (%d)\n", r.App.PackageName, r.App.VersionName, r.App.VersionCode)
	fmt.Fprintf(w, "Entry point: %s\n", r.App.EntryPoint)
	if realApp, ok := r.MetaData[manifest.MetaRealAppClass]; ok {
		fmt.Fprintf(w, "Real app:    %s\n", realApp)
	}
	fmt.Fprintf(w, "Protected:   %t\n", r.Protected)
	if len(r.Signatures) == 0 {
		fmt.Fprintf(w, "Signatures:  none (or invalid)\n")
	} else {
		fmt.Fprintf(w, "Signatures:  %v\n", r.Signatures)
	}

	fmt.Fprintf(w, "Code units:  %d\n", len(r.CodeUnits))
	for _, u := range r.CodeUnits {
		if u.ParseError != "" {
			fmt.Fprintf(w, "  %-16s %10d bytes  invalid: %s\n", u.Name, u.Size, u.ParseError)
			continue
		}
		fmt.Fprintf(w, "  %-16s %10d bytes  dex %s, %d classes\n", u.Name, u.Size, u.Version, u.ClassDefs)
	}

	if p := r.Payload; p != nil {
		fmt.Fprintf(w, "Payload:     %s v%d, %d -> %d bytes, expires %s\n", p.Asset, p.Version, p.OriginalSize, p.EncryptedSize, p.Expires)
	}
	if r.Packer != nil {
		fmt.Fprintf(w, "Packer:      %s\n", packer.Summary(r.Packer))
	}
}
