package dex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"hash/adler32"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	// HeaderSize DEX 头固定长度
	HeaderSize = 0x70
	// EndianConstant 小端标记
	EndianConstant = 0x12345678

	checksumOffset  = 8
	signatureOffset = 12
	fileSizeOffset  = 32
)

var dexMagicPrefix = []byte("dex\n")

// Header DEX 文件头
type Header struct {
	Version       string
	Checksum      uint32
	Signature     [20]byte
	FileSize      uint32
	HeaderSize    uint32
	EndianTag     uint32
	StringIDsSize uint32
	TypeIDsSize   uint32
	MethodIDsSize uint32
	ClassDefsSize uint32
	DataSize      uint32
	DataOff       uint32
}

// ParseHeader 解析并校验 DEX 头，b 可以比 file_size 长（拼接的多个 DEX）
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < HeaderSize {
		return nil, domain.FormatError("parse dex header", "need %d bytes, got %d", HeaderSize, len(b))
	}
	if !bytes.Equal(b[:4], dexMagicPrefix) || b[7] != 0 {
		return nil, domain.FormatError("parse dex header", "invalid DEX magic: %q", b[:8])
	}
	version := string(b[4:7])
	if version < "035" || version > "041" {
		return nil, domain.FormatError("parse dex header", "unsupported DEX version %s", version)
	}

	le := binary.LittleEndian
	h := &Header{
		Version:       version,
		Checksum:      le.Uint32(b[checksumOffset:]),
		FileSize:      le.Uint32(b[fileSizeOffset:]),
		HeaderSize:    le.Uint32(b[36:]),
		EndianTag:     le.Uint32(b[40:]),
		StringIDsSize: le.Uint32(b[56:]),
		TypeIDsSize:   le.Uint32(b[64:]),
		MethodIDsSize: le.Uint32(b[88:]),
		ClassDefsSize: le.Uint32(b[96:]),
		DataSize:      le.Uint32(b[104:]),
		DataOff:       le.Uint32(b[108:]),
	}
	copy(h.Signature[:], b[signatureOffset:fileSizeOffset])

	if h.EndianTag != EndianConstant {
		return nil, domain.FormatError("parse dex header", "unsupported endian tag 0x%08x", h.EndianTag)
	}
	if h.HeaderSize != HeaderSize {
		return nil, domain.FormatError("parse dex header", "header_size 0x%x", h.HeaderSize)
	}
	if h.FileSize < HeaderSize || uint64(h.FileSize) > uint64(len(b)) {
		return nil, domain.FormatError("parse dex header", "file_size %d out of range (have %d bytes)", h.FileSize, len(b))
	}

	body := b[:h.FileSize]
	if sum := adler32.Checksum(body[signatureOffset:]); sum != h.Checksum {
		return nil, domain.FormatError("parse dex header", "checksum mismatch: header 0x%08x, computed 0x%08x", h.Checksum, sum)
	}
	if sig := sha1.Sum(body[fileSizeOffset:]); sig != h.Signature {
		return nil, domain.FormatError("parse dex header", "signature mismatch")
	}
	return h, nil
}

// Validate 校验单个完整 DEX 文件
func Validate(b []byte) (*Header, error) {
	h, err := ParseHeader(b)
	if err != nil {
		return nil, err
	}
	if int(h.FileSize) != len(b) {
		return nil, domain.FormatError("validate dex", "file_size %d, actual %d bytes", h.FileSize, len(b))
	}
	return h, nil
}

// Split 按各自 file_size 切分拼接的 DEX 序列
func Split(blob []byte) ([][]byte, error) {
	var out [][]byte
	for len(blob) > 0 {
		h, err := ParseHeader(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, blob[:h.FileSize])
		blob = blob[h.FileSize:]
	}
	return out, nil
}

// Seal 重新计算 file_size、signature 与 checksum，b 会被原地修改
func Seal(b []byte) []byte {
	le := binary.LittleEndian
	le.PutUint32(b[fileSizeOffset:], uint32(len(b)))
	sig := sha1.Sum(b[fileSizeOffset:])
	copy(b[signatureOffset:fileSizeOffset], sig[:])
	le.PutUint32(b[checksumOffset:], adler32.Checksum(b[signatureOffset:]))
	return b
}

// Build 用给定的数据区构造一个头部合法的 DEX 文件
func Build(version string, data []byte) []byte {
	b := make([]byte, HeaderSize+len(data))
	copy(b, dexMagicPrefix)
	copy(b[4:7], version)
	le := binary.LittleEndian
	le.PutUint32(b[36:], HeaderSize)
	le.PutUint32(b[40:], EndianConstant)
	if len(data) > 0 {
		le.PutUint32(b[104:], uint32(len(data)))
		le.PutUint32(b[108:], HeaderSize)
	}
	copy(b[HeaderSize:], data)
	return Seal(b)
}
