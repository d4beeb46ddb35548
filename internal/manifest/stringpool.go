package manifest

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	poolFlagSorted = 1 << 0
	poolFlagUTF8   = 1 << 8

	poolHeaderSize = 28
	spanEnd        = 0xFFFFFFFF
)

// span 样式区间，Name 为字符串池索引
type span struct {
	Name  uint32
	First uint32
	Last  uint32
}

// StringPool 字符串池，未修改时原样输出
type StringPool struct {
	Flags   uint32
	Strings []string
	Styles  [][]span

	raw   []byte
	dirty bool
}

// UTF8 是否为 UTF-8 编码
func (p *StringPool) UTF8() bool {
	return p.Flags&poolFlagUTF8 != 0
}

func parseStringPool(chunk []byte, headerSize uint16) (*StringPool, error) {
	if headerSize < poolHeaderSize || len(chunk) < poolHeaderSize {
		return nil, domain.FormatError("parse string pool", "header too small: %d", headerSize)
	}
	le := binary.LittleEndian
	stringCount := le.Uint32(chunk[8:])
	styleCount := le.Uint32(chunk[12:])
	flags := le.Uint32(chunk[16:])
	stringsStart := le.Uint32(chunk[20:])
	stylesStart := le.Uint32(chunk[24:])

	offsetsEnd := uint64(headerSize) + 4*uint64(stringCount) + 4*uint64(styleCount)
	if offsetsEnd > uint64(len(chunk)) {
		return nil, domain.FormatError("parse string pool", "%d strings, %d styles overflow chunk of %d bytes", stringCount, styleCount, len(chunk))
	}

	p := &StringPool{
		Flags:   flags,
		Strings: make([]string, stringCount),
		raw:     chunk,
	}

	for i := uint32(0); i < stringCount; i++ {
		off := uint64(stringsStart) + uint64(le.Uint32(chunk[uint32(headerSize)+4*i:]))
		if off >= uint64(len(chunk)) {
			return nil, domain.FormatError("parse string pool", "string %d offset %d out of range", i, off)
		}
		var (
			s   string
			err error
		)
		if p.UTF8() {
			s, err = decodeUTF8(chunk[off:])
		} else {
			s, err = decodeUTF16(chunk[off:])
		}
		if err != nil {
			return nil, domain.FormatError("parse string pool", "string %d: %v", i, err)
		}
		p.Strings[i] = s
	}

	styleBase := uint32(headerSize) + 4*stringCount
	for i := uint32(0); i < styleCount; i++ {
		off := uint64(stylesStart) + uint64(le.Uint32(chunk[styleBase+4*i:]))
		var spans []span
		for {
			if off+4 > uint64(len(chunk)) {
				return nil, domain.FormatError("parse string pool", "style %d runs past chunk end", i)
			}
			name := le.Uint32(chunk[off:])
			if name == spanEnd {
				break
			}
			if off+12 > uint64(len(chunk)) {
				return nil, domain.FormatError("parse string pool", "style %d truncated", i)
			}
			spans = append(spans, span{Name: name, First: le.Uint32(chunk[off+4:]), Last: le.Uint32(chunk[off+8:])})
			off += 12
		}
		p.Styles = append(p.Styles, spans)
	}
	return p, nil
}

func decodeLength8(b []byte) (int, int, bool) {
	if len(b) < 1 {
		return 0, 0, false
	}
	if b[0]&0x80 == 0 {
		return int(b[0]), 1, true
	}
	if len(b) < 2 {
		return 0, 0, false
	}
	return int(b[0]&0x7f)<<8 | int(b[1]), 2, true
}

func decodeUTF8(b []byte) (string, error) {
	_, n1, ok := decodeLength8(b)
	if !ok {
		return "", errTruncated
	}
	size, n2, ok := decodeLength8(b[n1:])
	if !ok {
		return "", errTruncated
	}
	start := n1 + n2
	if start+size > len(b) {
		return "", errTruncated
	}
	return string(b[start : start+size]), nil
}

func decodeUTF16(b []byte) (string, error) {
	if len(b) < 2 {
		return "", errTruncated
	}
	le := binary.LittleEndian
	n := int(le.Uint16(b))
	pos := 2
	if n&0x8000 != 0 {
		if len(b) < 4 {
			return "", errTruncated
		}
		n = (n&0x7fff)<<16 | int(le.Uint16(b[2:]))
		pos = 4
	}
	if pos+2*n > len(b) {
		return "", errTruncated
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = le.Uint16(b[pos+2*i:])
	}
	return string(utf16.Decode(units)), nil
}

// Index 查找字符串，未找到返回 -1
func (p *StringPool) Index(s string) int {
	for i, v := range p.Strings {
		if v == s {
			return i
		}
	}
	return -1
}

// Get 按索引取字符串，越界或 0xFFFFFFFF 返回空
func (p *StringPool) Get(ref uint32) (string, bool) {
	if ref == noRef || int64(ref) >= int64(len(p.Strings)) {
		return "", false
	}
	return p.Strings[ref], true
}

// Append 追加字符串并返回索引
func (p *StringPool) Append(s string) uint32 {
	p.Strings = append(p.Strings, s)
	p.dirty = true
	return uint32(len(p.Strings) - 1)
}

// insertAt 在 idx 处插入字符串，调用方负责重映射所有引用
func (p *StringPool) insertAt(idx int, s string) {
	p.Strings = append(p.Strings, "")
	copy(p.Strings[idx+1:], p.Strings[idx:])
	p.Strings[idx] = s
	if idx < len(p.Styles) {
		p.Styles = append(p.Styles, nil)
		copy(p.Styles[idx+1:], p.Styles[idx:])
		p.Styles[idx] = nil
	}
	for _, spans := range p.Styles {
		for j := range spans {
			spans[j].Name = shiftRef(spans[j].Name, uint32(idx))
		}
	}
	p.dirty = true
}

func (p *StringPool) encode() []byte {
	if !p.dirty && p.raw != nil {
		return p.raw
	}
	le := binary.LittleEndian
	var data []byte
	offsets := make([]uint32, len(p.Strings))
	for i, s := range p.Strings {
		offsets[i] = uint32(len(data))
		if p.UTF8() {
			data = appendUTF8(data, s)
		} else {
			data = appendUTF16(data, s)
		}
	}
	for len(data)%4 != 0 {
		data = append(data, 0)
	}

	var styles []byte
	styleOffsets := make([]uint32, len(p.Styles))
	if len(p.Styles) > 0 {
		for i, spans := range p.Styles {
			styleOffsets[i] = uint32(len(styles))
			for _, sp := range spans {
				styles = le.AppendUint32(styles, sp.Name)
				styles = le.AppendUint32(styles, sp.First)
				styles = le.AppendUint32(styles, sp.Last)
			}
			styles = le.AppendUint32(styles, spanEnd)
		}
		styles = le.AppendUint32(styles, spanEnd)
		styles = le.AppendUint32(styles, spanEnd)
	}

	stringsStart := uint32(poolHeaderSize + 4*len(p.Strings) + 4*len(p.Styles))
	var stylesStart uint32
	if len(p.Styles) > 0 {
		stylesStart = stringsStart + uint32(len(data))
	}
	total := int(stringsStart) + len(data) + len(styles)

	out := make([]byte, 0, total)
	out = le.AppendUint16(out, resStringPoolType)
	out = le.AppendUint16(out, poolHeaderSize)
	out = le.AppendUint32(out, uint32(total))
	out = le.AppendUint32(out, uint32(len(p.Strings)))
	out = le.AppendUint32(out, uint32(len(p.Styles)))
	out = le.AppendUint32(out, p.Flags&^poolFlagSorted)
	if len(p.Strings) == 0 {
		out = le.AppendUint32(out, 0)
	} else {
		out = le.AppendUint32(out, stringsStart)
	}
	out = le.AppendUint32(out, stylesStart)
	for _, o := range offsets {
		out = le.AppendUint32(out, o)
	}
	for _, o := range styleOffsets {
		out = le.AppendUint32(out, o)
	}
	out = append(out, data...)
	out = append(out, styles...)
	return out
}

func appendLength8(b []byte, n int) []byte {
	if n < 0x80 {
		return append(b, byte(n))
	}
	return append(b, byte(n>>8)|0x80, byte(n))
}

func appendUTF8(b []byte, s string) []byte {
	b = appendLength8(b, len(utf16.Encode([]rune(s))))
	b = appendLength8(b, len(s))
	b = append(b, s...)
	return append(b, 0)
}

func appendUTF16(b []byte, s string) []byte {
	le := binary.LittleEndian
	units := utf16.Encode([]rune(s))
	n := len(units)
	if n > 0x7fff {
		b = le.AppendUint16(b, uint16(n>>16)|0x8000)
	}
	b = le.AppendUint16(b, uint16(n))
	for _, u := range units {
		b = le.AppendUint16(b, u)
	}
	return le.AppendUint16(b, 0)
}
