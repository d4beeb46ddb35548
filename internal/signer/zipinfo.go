package signer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	eocdSig       = 0x06054b50
	eocdMinLen    = 22
	eocdMaxSearch = eocdMinLen + 0xffff

	sigBlockMagic = "APK Sig Block 42"
)

// zipLayout APK 的三段：条目数据、中央目录、EOCD
type zipLayout struct {
	size     int64
	cdOffset int64
	cdSize   int64
	eocdOff  int64
	eocd     []byte
}

// readZipLayout 定位 EOCD 与中央目录
func readZipLayout(f *os.File) (*zipLayout, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < eocdMinLen {
		return nil, errors.New("file too small for a zip archive")
	}

	search := int64(eocdMaxSearch)
	if search > size {
		search = size
	}
	tail := make([]byte, search)
	if _, err := f.ReadAt(tail, size-search); err != nil && err != io.EOF {
		return nil, err
	}

	le := binary.LittleEndian
	for i := len(tail) - eocdMinLen; i >= 0; i-- {
		if le.Uint32(tail[i:]) != eocdSig {
			continue
		}
		commentLen := int(le.Uint16(tail[i+20:]))
		if i+eocdMinLen+commentLen != len(tail) {
			continue
		}
		eocd := append([]byte(nil), tail[i:]...)
		l := &zipLayout{
			size:     size,
			eocdOff:  size - search + int64(i),
			cdSize:   int64(le.Uint32(eocd[12:])),
			cdOffset: int64(le.Uint32(eocd[16:])),
			eocd:     eocd,
		}
		if l.cdOffset == 0xffffffff || l.cdSize == 0xffffffff {
			return nil, errors.New("zip64 archives are not supported")
		}
		if l.cdOffset+l.cdSize != l.eocdOff {
			return nil, fmt.Errorf("central directory [%d,+%d) does not end at EOCD %d", l.cdOffset, l.cdSize, l.eocdOff)
		}
		return l, nil
	}
	return nil, errors.New("end of central directory not found")
}

// findSigningBlock 返回 APK 签名块中的 id->value，以及签名块起始偏移
func findSigningBlock(f *os.File, l *zipLayout) (map[uint32][]byte, int64, error) {
	if l.cdOffset < 32 {
		return nil, 0, errors.New("no APK signing block")
	}
	footer := make([]byte, 24)
	if _, err := f.ReadAt(footer, l.cdOffset-24); err != nil {
		return nil, 0, err
	}
	if string(footer[8:]) != sigBlockMagic {
		return nil, 0, errors.New("no APK signing block")
	}
	le := binary.LittleEndian
	blockSize := int64(le.Uint64(footer))
	start := l.cdOffset - blockSize - 8
	if blockSize < 24 || start < 0 {
		return nil, 0, fmt.Errorf("invalid signing block size %d", blockSize)
	}

	block := make([]byte, blockSize+8)
	if _, err := f.ReadAt(block, start); err != nil {
		return nil, 0, err
	}
	if int64(le.Uint64(block)) != blockSize {
		return nil, 0, errors.New("signing block size fields disagree")
	}

	pairs := block[8 : len(block)-24]
	out := map[uint32][]byte{}
	for len(pairs) > 0 {
		if len(pairs) < 12 {
			return nil, 0, errors.New("truncated signing block pair")
		}
		n := le.Uint64(pairs)
		if n < 4 || n > uint64(len(pairs)-8) {
			return nil, 0, fmt.Errorf("invalid signing block pair length %d", n)
		}
		id := le.Uint32(pairs[8:])
		out[id] = pairs[12 : 8+n]
		pairs = pairs[8+n:]
	}
	return out, start, nil
}

// lengthPrefixed 读取 u32 长度前缀的字段
func lengthPrefixed(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(b)-4)
	}
	return b[4 : 4+n], b[4+n:], nil
}

func appendLengthPrefixed(b []byte, field []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(field)))
	return append(b, field...)
}

func appendSequence(b []byte, items [][]byte) []byte {
	var seq []byte
	for _, it := range items {
		seq = appendLengthPrefixed(seq, it)
	}
	return appendLengthPrefixed(b, seq)
}

func splitSequence(b []byte) ([][]byte, error) {
	var out [][]byte
	for len(b) > 0 {
		item, rest, err := lengthPrefixed(b)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
		b = rest
	}
	return out, nil
}

// withCDOffset 复制 EOCD 并改写中央目录偏移
func withCDOffset(eocd []byte, off int64) []byte {
	out := append([]byte(nil), eocd...)
	binary.LittleEndian.PutUint32(out[16:], uint32(off))
	return out
}
