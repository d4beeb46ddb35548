package payload

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	// KeySize AES-256
	KeySize = 32

	keySalt = "apkprotector/payload"
)

// DeriveKey 由构建密钥与头部的版本、标志位、过期时间派生载荷密钥，loader 以同样方式从头部重新派生
func DeriveKey(secret []byte, version, flags uint32, expireTs int64) ([]byte, error) {
	if len(secret) == 0 {
		return nil, domain.CryptoError("derive payload key", errors.New("build secret is empty"))
	}
	info := make([]byte, 0, 1+4+4+8)
	info = append(info, 'v')
	info = binary.LittleEndian.AppendUint32(info, version)
	info = binary.LittleEndian.AppendUint32(info, flags)
	info = binary.LittleEndian.AppendUint64(info, uint64(expireTs))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, []byte(keySalt), info), key); err != nil {
		return nil, domain.CryptoError("derive payload key", err)
	}
	return key, nil
}
