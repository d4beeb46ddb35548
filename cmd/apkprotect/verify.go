package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/dex"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/manifest"
	"github.com/apk-protector/apk-protector-go/internal/payload"
	"github.com/apk-protector/apk-protector-go/internal/protector"
	"github.com/apk-protector/apk-protector-go/internal/signer"
)

type verifyReport struct {
	Path        string         `json:"path"`
	Signatures  []string       `json:"signatures"`
	Certificate string         `json:"certificate"`
	EntryPoint  string         `json:"entry_point"`
	RealApp     string         `json:"real_app"`
	Payload     *payloadInfo   `json:"payload"`
	CodeUnits   []codeUnitInfo `json:"code_units"`
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	configPath := fs.String("config", "", "配置文件路径（可选）")
	at := fs.String("at", "", "按指定时间（RFC3339）检查试用期，默认当前时间")
	jsonOut := fs.Bool("json", false, "以 JSON 输出")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("usage: apkprotect verify [flags] <output.apk>")
	}

	cfg, _, err := loadConfig(*configPath, false)
	if err != nil {
		return err
	}
	now, err := verifyAt(*at)
	if err != nil {
		return err
	}

	report, err := verifyAPK(fs.Arg(0), []byte(cfg.Protection.Secret), now)
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printVerify(os.Stdout, report)
	return nil
}

// verifyAPK 按 loader 的运行时流程检查加固产物：签名有效，清单指向 loader，
// 载荷可用构建密钥解密，且解密结果能切分为合法的 DEX
func verifyAPK(path string, secret []byte, now time.Time) (*verifyReport, error) {
	sig, err := signer.Verify(path)
	if err != nil {
		return nil, err
	}
	report := &verifyReport{Path: path, Signatures: schemeList(sig)}
	if sig.Certificate != nil {
		report.Certificate = sig.Certificate.Subject.String()
	}

	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	raw, err := r.ReadAll(manifest.EntryName)
	if err != nil {
		return nil, err
	}
	app, err := manifest.Extract(raw)
	if err != nil {
		return nil, err
	}
	meta, err := manifest.MetaData(raw)
	if err != nil {
		return nil, err
	}
	report.EntryPoint = app.EntryPoint
	report.RealApp = meta[manifest.MetaRealAppClass]
	asset := meta[manifest.MetaPayloadAsset]
	if asset == "" || report.RealApp == "" {
		return nil, domain.ProtectionError("verify", "%s is not protected: manifest has no %s/%s meta-data", path, manifest.MetaRealAppClass, manifest.MetaPayloadAsset)
	}

	// 加固后只剩 loader 一个代码单元
	if _, ok := r.Lookup(protector.LoaderEntryName); !ok {
		return nil, domain.ProtectionError("verify", "loader %s missing", protector.LoaderEntryName)
	}
	for _, e := range r.Entries() {
		if payload.IsCodeUnit(e.Name) && e.Name != protector.LoaderEntryName {
			return nil, domain.ProtectionError("verify", "plaintext code unit %s left in protected APK", e.Name)
		}
	}

	blob, err := r.ReadAll(asset)
	if err != nil {
		return nil, err
	}
	plain, h, err := payload.Open(blob, secret, now)
	if err != nil {
		return nil, err
	}
	report.Payload = &payloadInfo{
		Asset:         asset,
		Version:       h.Version,
		Owner:         h.Owner(),
		Expires:       formatExpiry(h.ExpireTs, h.Owner()),
		OriginalSize:  h.OriginalSize,
		EncryptedSize: h.EncryptedSize,
	}

	units, err := dex.Split(plain)
	if err != nil {
		return nil, err
	}
	for i, u := range units {
		dh, err := dex.Validate(u)
		if err != nil {
			return nil, err
		}
		report.CodeUnits = append(report.CodeUnits, codeUnitInfo{
			Name:      unitName(i),
			Version:   dh.Version,
			Size:      uint64(len(u)),
			ClassDefs: dh.ClassDefsSize,
		})
	}
	return report, nil
}

// unitName 载荷中第 i 个代码单元对应的原条目名
func unitName(i int) string {
	if i == 0 {
		return "classes.dex"
	}
	return fmt.Sprintf("classes%d.dex", i+1)
}

func printVerify(w io.Writer, r *verifyReport) {
	fmt.Fprintf(w, "File:        %s\n", r.Path)
	fmt.Fprintf(w, "Signatures:  %v\n", r.Signatures)
	fmt.Fprintf(w, "Certificate: %s\n", r.Certificate)
	fmt.Fprintf(w, "Entry point: %s\n", r.EntryPoint)
	fmt.Fprintf(w, "Real app:    %s\n", r.RealApp)
	p := r.Payload
	fmt.Fprintf(w, "Payload:     %s v%d, %d -> %d bytes, expires %s\n", p.Asset, p.Version, p.OriginalSize, p.EncryptedSize, p.Expires)
	for _, u := range r.CodeUnits {
		fmt.Fprintf(w, "  %-16s %10d bytes  dex %s, %d classes\n", u.Name, u.Size, u.Version, u.ClassDefs)
	}
	fmt.Fprintln(w, "OK")
}

// verifyAt 解析 -at 参数，空值为当前时间
func verifyAt(s string) (time.Time, error) {
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid -at %q: %w", s, err)
	}
	return t, nil
}
