package payload

import (
	"encoding/binary"
	"time"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	// Magic "PLDX"
	Magic uint32 = 0x58444C50
	// Version 当前载荷格式版本
	Version uint32 = 1
	// MaxVersion 解码器可识别的最高版本
	MaxVersion uint32 = 1

	IVSize       = 12
	ReservedSize = 24
	// HeaderSize 固定头长度
	HeaderSize = 4 + 4 + 8 + 4 + 4 + 4 + IVSize + ReservedSize

	// FlagOwner 所有者模式，不受试用期限制
	FlagOwner uint32 = 1 << 0
)

// Header 载荷头，小端序，固定 64 字节
type Header struct {
	Magic         uint32
	Version       uint32
	ExpireTs      int64 // unix 秒，0 表示永不过期
	Flags         uint32
	OriginalSize  uint32
	EncryptedSize uint32
	IV            [IVSize]byte
	Reserved      [ReservedSize]byte
}

// Owner 是否为所有者模式
func (h Header) Owner() bool {
	return h.Flags&FlagOwner != 0
}

// Expired loader 的过期判断：所有者模式或 ExpireTs 为 0 时永不过期
func (h Header) Expired(now time.Time) bool {
	if h.Owner() || h.ExpireTs == 0 {
		return false
	}
	return now.Unix() >= h.ExpireTs
}

// Equal 逐字段比较
func (h Header) Equal(other Header) bool {
	return h == other
}

// Encode 编码为固定长度字节序列
func Encode(h Header) []byte {
	b := make([]byte, HeaderSize)
	le := binary.LittleEndian
	le.PutUint32(b[0:], h.Magic)
	le.PutUint32(b[4:], h.Version)
	le.PutUint64(b[8:], uint64(h.ExpireTs))
	le.PutUint32(b[16:], h.Flags)
	le.PutUint32(b[20:], h.OriginalSize)
	le.PutUint32(b[24:], h.EncryptedSize)
	copy(b[28:28+IVSize], h.IV[:])
	copy(b[28+IVSize:], h.Reserved[:])
	return b
}

// Decode 解码载荷头，任何校验失败都返回零值 Header
func Decode(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, domain.FormatError("decode payload header", "need %d bytes, got %d", HeaderSize, len(b))
	}
	le := binary.LittleEndian
	magic := le.Uint32(b[0:])
	if magic != Magic {
		return Header{}, domain.FormatError("decode payload header", "bad magic 0x%08x", magic)
	}
	version := le.Uint32(b[4:])
	if version == 0 || version > MaxVersion {
		return Header{}, domain.FormatError("decode payload header", "unsupported version %d", version)
	}

	h := Header{
		Magic:         magic,
		Version:       version,
		ExpireTs:      int64(le.Uint64(b[8:])),
		Flags:         le.Uint32(b[16:]),
		OriginalSize:  le.Uint32(b[20:]),
		EncryptedSize: le.Uint32(b[24:]),
	}
	copy(h.IV[:], b[28:28+IVSize])
	copy(h.Reserved[:], b[28+IVSize:HeaderSize])
	return h, nil
}

func (h Header) MarshalBinary() ([]byte, error) {
	return Encode(h), nil
}

func (h *Header) UnmarshalBinary(b []byte) error {
	decoded, err := Decode(b)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// Split 拆分载荷为头和密文，并校验 EncryptedSize
func Split(blob []byte) (Header, []byte, error) {
	h, err := Decode(blob)
	if err != nil {
		return Header{}, nil, err
	}
	body := blob[HeaderSize:]
	if uint64(h.EncryptedSize) != uint64(len(body)) {
		return Header{}, nil, domain.FormatError("split payload", "encrypted size %d, trailing bytes %d", h.EncryptedSize, len(body))
	}
	return h, body, nil
}
