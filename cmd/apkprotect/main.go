package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/config"
	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	Version = "1.0.0"

	// 签名私钥口令，未设置且私钥加密时从终端读取
	PassphraseEnvVar = "APKP_SIGNING_PASSPHRASE"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run(args []string) error {
	if len(args) < 1 {
		printUsage()
		return errors.New("no command specified")
	}

	switch args[0] {
	case "protect":
		return runProtect(args[1:])
	case "verify":
		return runVerify(args[1:])
	case "inspect":
		return runInspect(args[1:])
	case "version", "--version", "-v":
		fmt.Printf("apkprotect %s\n", Version)
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `apkprotect %s

Usage:
  apkprotect protect [flags] <input.apk>   加固并签名 APK
  apkprotect verify  [flags] <output.apk>  校验签名并解密载荷
  apkprotect inspect [flags] <file.apk>    查看清单、代码单元与载荷头

Run "apkprotect <command> -h" for command flags.

Environment:
  APKP_BUILD_SECRET        构建密钥
  %s  签名私钥口令
`, Version, PassphraseEnvVar)
}

// exitCode 按失败类型区分退出码，便于脚本判断
func exitCode(err error) int {
	switch domain.KindOf(err) {
	case domain.KindIO:
		return 3
	case domain.KindFormat:
		return 4
	case domain.KindProtection:
		return 5
	case domain.KindCrypto:
		return 6
	case domain.KindSigning:
		return 7
	case domain.KindCancelled:
		return 130
	default:
		return 1
	}
}

// loadConfig 配置文件可选，未指定时只使用默认值与环境变量
func loadConfig(path string, verbose bool) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := config.InitLogger(&cfg.Log)
	logger.SetOutput(os.Stderr)
	// 进度由终端打印器负责，日志默认只保留警告
	if !verbose {
		logger.SetLevel(logrus.WarnLevel)
	}
	return cfg, logger, nil
}

// flagsSet 命令行中显式出现的参数，用于判断是否覆盖配置文件
func flagsSet(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}
