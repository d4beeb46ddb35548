package protector

import (
	"os"

	"github.com/apk-protector/apk-protector-go/internal/dex"
	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// LoaderEntryName loader 替换原主 dex 的位置
const LoaderEntryName = "classes.dex"

// DefaultLoaderClass loader 的 Application 入口
const DefaultLoaderClass = "com.apkprotector.stub.ProtectedApp"

// LoaderSource 提供随 APK 一起打包的 loader 代码单元
type LoaderSource interface {
	Load() ([]byte, error)
}

// FileLoader 从磁盘读取构建产物 loader.dex
type FileLoader string

func (p FileLoader) Load() ([]byte, error) {
	if p == "" {
		return nil, domain.ProtectionError("load loader", "no loader dex configured")
	}
	b, err := os.ReadFile(string(p))
	if err != nil {
		return nil, domain.ProtectionError("load loader", "read %s: %w", string(p), err)
	}
	return validateLoader(string(p), b)
}

// StaticLoader 内存中的 loader，供嵌入式构建与测试使用
type StaticLoader []byte

func (b StaticLoader) Load() ([]byte, error) {
	return validateLoader("static loader", append([]byte(nil), b...))
}

func validateLoader(name string, b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, domain.ProtectionError("load loader", "%s is empty", name)
	}
	if _, err := dex.Validate(b); err != nil {
		return nil, domain.ProtectionError("load loader", "%s is not a valid dex: %w", name, err)
	}
	return b, nil
}
