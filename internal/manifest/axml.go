package manifest

import (
	"encoding/binary"
	"errors"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// 二进制 XML 块类型
const (
	resStringPoolType   uint16 = 0x0001
	resXMLType          uint16 = 0x0003
	resXMLStartNSType   uint16 = 0x0100
	resXMLEndNSType     uint16 = 0x0101
	resXMLStartElemType uint16 = 0x0102
	resXMLEndElemType   uint16 = 0x0103
	resXMLCDataType     uint16 = 0x0104
	resXMLResMapType    uint16 = 0x0180
)

// 属性值类型
const (
	TypeReference uint8 = 0x01
	TypeString    uint8 = 0x03
	TypeIntDec    uint8 = 0x10
	TypeIntHex    uint8 = 0x11
	TypeBoolean   uint8 = 0x12
)

const (
	noRef          uint32 = 0xFFFFFFFF
	chunkHeaderLen        = 8
	nodeHeaderLen         = 16
	attrExtLen            = 20
	attrLen               = 20
	typedValueLen         = 8
)

var errTruncated = errors.New("truncated")

// shiftRef 在 at 处插入字符串后的索引平移
func shiftRef(ref, at uint32) uint32 {
	if ref == noRef || ref < at {
		return ref
	}
	return ref + 1
}

// Value Res_value
type Value struct {
	Size     uint16
	Res0     uint8
	DataType uint8
	Data     uint32
}

func stringValue(ref uint32) Value {
	return Value{Size: typedValueLen, DataType: TypeString, Data: ref}
}

// Attribute 元素属性
type Attribute struct {
	NS       uint32
	Name     uint32
	RawValue uint32
	Typed    Value

	extra []byte
}

// Node XML 树中的一个块，Type 决定哪些字段有效
type Node struct {
	Type       uint16
	LineNumber uint32
	Comment    uint32

	// 命名空间
	Prefix uint32
	URI    uint32

	// 元素
	NS         uint32
	Name       uint32
	IDIndex    uint16
	ClassIndex uint16
	StyleIndex uint16
	Attrs      []*Attribute
	attrStart  uint16
	attrSize   uint16

	// CDATA
	Data  uint32
	Typed Value

	hdrExtra []byte // 头部中超出 16 字节的部分
	extGap   []byte // 元素扩展与属性之间的字节
	tail     []byte // 块末尾未解析的字节
	raw      []byte // 未知块原样保存
}

// Document 解析后的二进制 XML
type Document struct {
	Pool   *StringPool
	ResMap []uint32
	Nodes  []*Node

	hdrExtra    []byte
	resMapRaw   []byte
	resMapDirty bool
	hasResMap   bool
	order       []uint16 // 顶层块顺序，节点块统一记为 0
}

func readChunkHeader(b []byte) (typ, headerSize uint16, size uint32, err error) {
	if len(b) < chunkHeaderLen {
		return 0, 0, 0, errTruncated
	}
	le := binary.LittleEndian
	typ = le.Uint16(b)
	headerSize = le.Uint16(b[2:])
	size = le.Uint32(b[4:])
	if headerSize < chunkHeaderLen || uint64(size) < uint64(headerSize) || uint64(size) > uint64(len(b)) {
		return 0, 0, 0, errTruncated
	}
	return typ, headerSize, size, nil
}

// Parse 解析二进制 XML，未知块原样保留
func Parse(b []byte) (*Document, error) {
	typ, headerSize, size, err := readChunkHeader(b)
	if err != nil {
		return nil, domain.FormatError("parse binary xml", "bad root chunk: %v", err)
	}
	if typ != resXMLType {
		return nil, domain.FormatError("parse binary xml", "root chunk type 0x%04x", typ)
	}

	doc := &Document{hdrExtra: append([]byte(nil), b[chunkHeaderLen:headerSize]...)}
	body := b[headerSize:size]
	for off := 0; off < len(body); {
		ctyp, chdr, csize, err := readChunkHeader(body[off:])
		if err != nil {
			return nil, domain.FormatError("parse binary xml", "chunk at offset %d: %v", int(headerSize)+off, err)
		}
		chunk := body[off : off+int(csize)]
		switch {
		case ctyp == resStringPoolType && doc.Pool == nil:
			doc.Pool, err = parseStringPool(chunk, chdr)
			if err != nil {
				return nil, err
			}
			doc.order = append(doc.order, resStringPoolType)
		case ctyp == resXMLResMapType && !doc.hasResMap:
			le := binary.LittleEndian
			for p := int(chdr); p+4 <= len(chunk); p += 4 {
				doc.ResMap = append(doc.ResMap, le.Uint32(chunk[p:]))
			}
			doc.hasResMap = true
			doc.resMapRaw = chunk
			doc.order = append(doc.order, resXMLResMapType)
		default:
			n, err := parseNode(ctyp, chdr, chunk)
			if err != nil {
				return nil, domain.FormatError("parse binary xml", "chunk 0x%04x at offset %d: %v", ctyp, int(headerSize)+off, err)
			}
			doc.Nodes = append(doc.Nodes, n)
			doc.order = append(doc.order, 0)
		}
		off += int(csize)
	}
	if doc.Pool == nil {
		return nil, domain.FormatError("parse binary xml", "missing string pool")
	}
	return doc, nil
}

func parseNode(typ, headerSize uint16, chunk []byte) (*Node, error) {
	le := binary.LittleEndian
	switch typ {
	case resXMLStartNSType, resXMLEndNSType, resXMLStartElemType, resXMLEndElemType, resXMLCDataType:
	default:
		return &Node{Type: typ, raw: chunk}, nil
	}
	if headerSize < nodeHeaderLen {
		return nil, errTruncated
	}

	n := &Node{
		Type:       typ,
		LineNumber: le.Uint32(chunk[8:]),
		Comment:    le.Uint32(chunk[12:]),
		hdrExtra:   append([]byte(nil), chunk[nodeHeaderLen:headerSize]...),
	}
	ext := chunk[headerSize:]
	switch typ {
	case resXMLStartNSType, resXMLEndNSType:
		if len(ext) < 8 {
			return nil, errTruncated
		}
		n.Prefix = le.Uint32(ext)
		n.URI = le.Uint32(ext[4:])
		n.tail = append([]byte(nil), ext[8:]...)
	case resXMLEndElemType:
		if len(ext) < 8 {
			return nil, errTruncated
		}
		n.NS = le.Uint32(ext)
		n.Name = le.Uint32(ext[4:])
		n.tail = append([]byte(nil), ext[8:]...)
	case resXMLCDataType:
		if len(ext) < 4+typedValueLen {
			return nil, errTruncated
		}
		n.Data = le.Uint32(ext)
		n.Typed = readValue(ext[4:])
		n.tail = append([]byte(nil), ext[4+typedValueLen:]...)
	case resXMLStartElemType:
		if len(ext) < attrExtLen {
			return nil, errTruncated
		}
		n.NS = le.Uint32(ext)
		n.Name = le.Uint32(ext[4:])
		n.attrStart = le.Uint16(ext[8:])
		n.attrSize = le.Uint16(ext[10:])
		count := int(le.Uint16(ext[12:]))
		n.IDIndex = le.Uint16(ext[14:])
		n.ClassIndex = le.Uint16(ext[16:])
		n.StyleIndex = le.Uint16(ext[18:])
		if n.attrStart < attrExtLen || n.attrSize < attrLen {
			return nil, errors.New("bad attribute layout")
		}
		end := int(n.attrStart) + count*int(n.attrSize)
		if end > len(ext) {
			return nil, errTruncated
		}
		n.extGap = append([]byte(nil), ext[attrExtLen:n.attrStart]...)
		for i := 0; i < count; i++ {
			a := ext[int(n.attrStart)+i*int(n.attrSize):]
			n.Attrs = append(n.Attrs, &Attribute{
				NS:       le.Uint32(a),
				Name:     le.Uint32(a[4:]),
				RawValue: le.Uint32(a[8:]),
				Typed:    readValue(a[12:]),
				extra:    append([]byte(nil), a[attrLen:n.attrSize]...),
			})
		}
		n.tail = append([]byte(nil), ext[end:]...)
	}
	return n, nil
}

func readValue(b []byte) Value {
	le := binary.LittleEndian
	return Value{Size: le.Uint16(b), Res0: b[2], DataType: b[3], Data: le.Uint32(b[4:])}
}

func appendValue(b []byte, v Value) []byte {
	le := binary.LittleEndian
	b = le.AppendUint16(b, v.Size)
	b = append(b, v.Res0, v.DataType)
	return le.AppendUint32(b, v.Data)
}

func (n *Node) encode() []byte {
	if n.raw != nil {
		return n.raw
	}
	le := binary.LittleEndian
	var ext []byte
	switch n.Type {
	case resXMLStartNSType, resXMLEndNSType:
		ext = le.AppendUint32(ext, n.Prefix)
		ext = le.AppendUint32(ext, n.URI)
	case resXMLEndElemType:
		ext = le.AppendUint32(ext, n.NS)
		ext = le.AppendUint32(ext, n.Name)
	case resXMLCDataType:
		ext = le.AppendUint32(ext, n.Data)
		ext = appendValue(ext, n.Typed)
	case resXMLStartElemType:
		attrStart, attrSize := n.attrStart, n.attrSize
		if attrStart == 0 {
			attrStart = attrExtLen + uint16(len(n.extGap))
		}
		if attrSize == 0 {
			attrSize = attrLen
		}
		ext = le.AppendUint32(ext, n.NS)
		ext = le.AppendUint32(ext, n.Name)
		ext = le.AppendUint16(ext, attrStart)
		ext = le.AppendUint16(ext, attrSize)
		ext = le.AppendUint16(ext, uint16(len(n.Attrs)))
		ext = le.AppendUint16(ext, n.IDIndex)
		ext = le.AppendUint16(ext, n.ClassIndex)
		ext = le.AppendUint16(ext, n.StyleIndex)
		ext = append(ext, n.extGap...)
		for _, a := range n.Attrs {
			ext = le.AppendUint32(ext, a.NS)
			ext = le.AppendUint32(ext, a.Name)
			ext = le.AppendUint32(ext, a.RawValue)
			ext = appendValue(ext, a.Typed)
			extra := a.extra
			if pad := int(attrSize) - attrLen; len(extra) != pad {
				extra = make([]byte, pad)
			}
			ext = append(ext, extra...)
		}
	}
	ext = append(ext, n.tail...)

	headerSize := nodeHeaderLen + len(n.hdrExtra)
	out := make([]byte, 0, headerSize+len(ext))
	out = le.AppendUint16(out, n.Type)
	out = le.AppendUint16(out, uint16(headerSize))
	out = le.AppendUint32(out, uint32(headerSize+len(ext)))
	out = le.AppendUint32(out, n.LineNumber)
	out = le.AppendUint32(out, n.Comment)
	out = append(out, n.hdrExtra...)
	return append(out, ext...)
}

func (d *Document) encodeResMap() []byte {
	if !d.resMapDirty && d.resMapRaw != nil {
		return d.resMapRaw
	}
	le := binary.LittleEndian
	out := make([]byte, 0, chunkHeaderLen+4*len(d.ResMap))
	out = le.AppendUint16(out, resXMLResMapType)
	out = le.AppendUint16(out, chunkHeaderLen)
	out = le.AppendUint32(out, uint32(chunkHeaderLen+4*len(d.ResMap)))
	for _, id := range d.ResMap {
		out = le.AppendUint32(out, id)
	}
	return out
}

// Bytes 重新编码，未修改的块保持原始字节
func (d *Document) Bytes() []byte {
	order := d.order
	if len(order) == 0 {
		order = append([]uint16{resStringPoolType}, make([]uint16, len(d.Nodes))...)
	}
	if !d.hasResMap && len(d.ResMap) > 0 {
		// 资源映射紧跟字符串池
		fixed := make([]uint16, 0, len(order)+1)
		for _, t := range order {
			fixed = append(fixed, t)
			if t == resStringPoolType {
				fixed = append(fixed, resXMLResMapType)
			}
		}
		order = fixed
	}

	var body []byte
	nodeIdx := 0
	for _, t := range order {
		switch t {
		case resStringPoolType:
			body = append(body, d.Pool.encode()...)
		case resXMLResMapType:
			body = append(body, d.encodeResMap()...)
		default:
			body = append(body, d.Nodes[nodeIdx].encode()...)
			nodeIdx++
		}
	}
	for ; nodeIdx < len(d.Nodes); nodeIdx++ {
		body = append(body, d.Nodes[nodeIdx].encode()...)
	}

	le := binary.LittleEndian
	headerSize := chunkHeaderLen + len(d.hdrExtra)
	out := make([]byte, 0, headerSize+len(body))
	out = le.AppendUint16(out, resXMLType)
	out = le.AppendUint16(out, uint16(headerSize))
	out = le.AppendUint32(out, uint32(headerSize+len(body)))
	out = append(out, d.hdrExtra...)
	return append(out, body...)
}

// String 取字符串池中的字符串
func (d *Document) String(ref uint32) string {
	s, _ := d.Pool.Get(ref)
	return s
}

// insertString 在 idx 处插入字符串并重映射文档内所有引用
func (d *Document) insertString(idx int, s string) uint32 {
	at := uint32(idx)
	d.Pool.insertAt(idx, s)
	for _, n := range d.Nodes {
		if n.raw != nil {
			continue
		}
		n.Comment = shiftRef(n.Comment, at)
		switch n.Type {
		case resXMLStartNSType, resXMLEndNSType:
			n.Prefix = shiftRef(n.Prefix, at)
			n.URI = shiftRef(n.URI, at)
		case resXMLStartElemType, resXMLEndElemType:
			n.NS = shiftRef(n.NS, at)
			n.Name = shiftRef(n.Name, at)
		case resXMLCDataType:
			n.Data = shiftRef(n.Data, at)
			if n.Typed.DataType == TypeString {
				n.Typed.Data = shiftRef(n.Typed.Data, at)
			}
		}
		for _, a := range n.Attrs {
			a.NS = shiftRef(a.NS, at)
			a.Name = shiftRef(a.Name, at)
			a.RawValue = shiftRef(a.RawValue, at)
			if a.Typed.DataType == TypeString {
				a.Typed.Data = shiftRef(a.Typed.Data, at)
			}
		}
	}
	return at
}

// internString 返回字符串索引，不存在时追加到池尾
func (d *Document) internString(s string) uint32 {
	if i := d.Pool.Index(s); i >= 0 {
		return uint32(i)
	}
	return d.Pool.Append(s)
}

// attrName 返回映射到资源 ID 的属性名索引，必要时插入到资源映射区末尾
func (d *Document) attrName(resID uint32, name string) uint32 {
	for i, id := range d.ResMap {
		if id == resID && i < len(d.Pool.Strings) {
			return uint32(i)
		}
	}
	idx := len(d.ResMap)
	if idx > len(d.Pool.Strings) {
		idx = len(d.Pool.Strings)
	}
	ref := d.insertString(idx, name)
	d.ResMap = append(d.ResMap[:idx:idx], resID)
	d.resMapDirty = true
	return ref
}

// resourceID 属性名对应的资源 ID，没有返回 0
func (d *Document) resourceID(nameRef uint32) uint32 {
	if nameRef == noRef || int64(nameRef) >= int64(len(d.ResMap)) {
		return 0
	}
	return d.ResMap[nameRef]
}
