package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
	"github.com/apk-protector/apk-protector-go/internal/packer"
	"github.com/apk-protector/apk-protector-go/internal/protector"
	"github.com/apk-protector/apk-protector-go/internal/signer"
)

func runProtect(args []string) error {
	fs := flag.NewFlagSet("protect", flag.ContinueOnError)
	configPath := fs.String("config", "", "配置文件路径（可选）")
	output := fs.String("o", "", "输出路径，默认 <name>_protected.apk")
	trialDays := fs.Int("trial-days", 0, "试用天数，覆盖配置")
	owner := fs.Bool("owner", false, "所有者模式，载荷不过期")
	overwrite := fs.Bool("overwrite", false, "允许覆盖已存在的输出文件")
	loaderDex := fs.String("loader", "", "loader.dex 路径，覆盖配置")
	certPath := fs.String("cert", "", "签名证书 PEM，覆盖配置")
	keyPath := fs.String("key", "", "签名私钥 PEM，覆盖配置")
	quiet := fs.Bool("quiet", false, "不输出进度")
	jsonOut := fs.Bool("json", false, "以 JSON 输出结果")
	verbose := fs.Bool("verbose", false, "输出调试日志")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("usage: apkprotect protect [flags] <input.apk>")
	}
	src := fs.Arg(0)

	cfg, logger, err := loadConfig(*configPath, *verbose)
	if err != nil {
		return err
	}

	set := flagsSet(fs)
	if set["trial-days"] {
		cfg.Protection.TrialDays = *trialDays
	}
	if set["owner"] {
		cfg.Protection.Owner = *owner
	}
	if set["overwrite"] {
		cfg.Protection.Overwrite = *overwrite
	}
	if set["loader"] {
		cfg.Protection.LoaderDex = *loaderDex
	}
	if set["cert"] {
		cfg.Signing.Cert = *certPath
	}
	if set["key"] {
		cfg.Signing.Key = *keyPath
	}
	if err := cfg.Protection.CheckSecret(); err != nil {
		return domain.CryptoError("protect", err)
	}

	apkSigner, err := newSigner(cfg, logger)
	if err != nil {
		return err
	}

	dst := *output
	if dst == "" {
		dst = protector.DefaultOutputPath(src, "")
	}
	pc := protector.FromConfig(cfg.Protection, src, dst)

	orch := protector.New(protector.Dependencies{
		Loader:   protector.FileLoader(cfg.Protection.LoaderDex),
		Signer:   apkSigner,
		Detector: packer.NewDetector(logger),
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := make(chan protector.Progress, 16)
	printer := newProgressPrinter(os.Stderr, *quiet)
	done := make(chan struct{})
	go func() {
		printer.Run(progress)
		close(done)
	}()

	res, err := orch.Protect(ctx, pc, progress)
	<-done
	if err != nil {
		return err
	}

	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	printResult(os.Stdout, res)
	return nil
}

// newSigner 配置了证书时加载，否则使用本地开发证书
func newSigner(cfg *config.Config, logger *logrus.Logger) (*signer.Signer, error) {
	var (
		id  *signer.Identity
		err error
	)
	if cfg.Signing.Cert != "" || cfg.Signing.Key != "" {
		passphrase, perr := signingPassphrase(cfg.Signing)
		if perr != nil {
			return nil, domain.SigningError("read passphrase", perr)
		}
		id, err = signer.LoadIdentity(cfg.Signing.Cert, cfg.Signing.Key, passphrase)
		zeroBytes(passphrase)
	} else {
		logger.WithField("dir", cfg.Signing.DevDir).Warn("No signing certificate configured, using development identity")
		id, err = signer.LoadOrCreateDevIdentity(cfg.Signing.DevDir, []byte(cfg.Signing.Passphrase), logger)
	}
	if err != nil {
		return nil, err
	}

	opts := signer.Options{Schemes: cfg.Signing.Schemes, MinSDK: cfg.Signing.MinSDK}
	if cfg.Protection.Align {
		opts.Align = 4
	}
	return signer.New(id, opts, logger)
}

func printResult(w io.Writer, res *protector.Result) {
	fmt.Fprintf(w, "Output:        %s\n", res.OutputPath)
	if res.App != nil {
		fmt.Fprintf(w, "Package:       %s %s (%d)\n", res.App.PackageName, res.App.VersionName, res.App.VersionCode)
		fmt.Fprintf(w, "Entry point:   %s\n", res.App.EntryPoint)
	}
	fmt.Fprintf(w, "Code units:    %v\n", res.CodeUnits)
	fmt.Fprintf(w, "Payload:       %d bytes\n", res.PayloadSize)
	fmt.Fprintf(w, "Expires:       %s\n", formatExpiry(res.Header.ExpireTs, res.Header.Owner()))
	fmt.Fprintf(w, "Input SHA256:  %s\n", res.InputSHA256)
	fmt.Fprintf(w, "Output SHA256: %s\n", res.OutputSHA256)
	if res.Packer != nil && res.Packer.IsPacked {
		fmt.Fprintf(w, "Packer:        %s\n", packer.Summary(res.Packer))
	}

	for _, s := range []domain.Stage{domain.StageAnalyzing, domain.StageBuildingPayload, domain.StageRewritingArchive, domain.StageSigning} {
		if d, ok := res.Durations[s]; ok {
			fmt.Fprintf(w, "  %-18s %s\n", s.Label(), d.Round(time.Millisecond))
		}
	}
}

func formatExpiry(expireTs int64, owner bool) string {
	switch {
	case owner:
		return "never (owner)"
	case expireTs == 0:
		return "never"
	default:
		return time.Unix(expireTs, 0).UTC().Format(time.RFC3339)
	}
}
