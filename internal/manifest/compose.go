package manifest

import (
	"sort"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// androidAttrIDs Compose 支持的 android 属性
var androidAttrIDs = map[string]uint32{
	"label":            0x01010001,
	"icon":             0x01010002,
	"name":             attrResName,
	"permission":       0x01010006,
	"debuggable":       0x0101000f,
	"exported":         0x01010010,
	"value":            attrResValue,
	"resource":         0x01010025,
	"minSdkVersion":    0x0101020c,
	"versionCode":      attrResVersionCode,
	"versionName":      attrResVersionName,
	"targetSdkVersion": 0x01010270,
	"allowBackup":      0x01010280,
}

// Element Compose 的输入元素
type Element struct {
	Name     string
	Attrs    []Attr
	Children []Element
	Text     string
}

// Attr Type 为 0 时按字符串处理
type Attr struct {
	Android bool
	Name    string
	Value   string
	Type    uint8
	Data    uint32
}

// Compose 把元素树编码为二进制 XML，用于构造测试样本和 inspect 命令的回显
func Compose(root Element, utf8 bool) ([]byte, error) {
	doc := &Document{Pool: &StringPool{dirty: true}, hasResMap: true, resMapDirty: true}
	if utf8 {
		doc.Pool.Flags |= poolFlagUTF8
	}

	// 资源映射区必须位于字符串池最前
	var walkAttrs func(e Element) error
	walkAttrs = func(e Element) error {
		for _, a := range e.Attrs {
			if !a.Android {
				continue
			}
			id, ok := androidAttrIDs[a.Name]
			if !ok {
				return domain.FormatError("compose manifest", "unknown android attribute %q", a.Name)
			}
			if doc.Pool.Index(a.Name) < 0 {
				doc.Pool.Strings = append(doc.Pool.Strings, a.Name)
				doc.ResMap = append(doc.ResMap, id)
			}
		}
		for _, c := range e.Children {
			if err := walkAttrs(c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walkAttrs(root); err != nil {
		return nil, err
	}

	prefix := doc.internString("android")
	uri := doc.internString(AndroidNamespace)
	doc.Nodes = append(doc.Nodes, &Node{Type: resXMLStartNSType, LineNumber: 1, Comment: noRef, Prefix: prefix, URI: uri})

	line := uint32(1)
	var walk func(e Element)
	walk = func(e Element) {
		line++
		name := doc.internString(e.Name)
		start := &Node{Type: resXMLStartElemType, LineNumber: line, Comment: noRef, NS: noRef, Name: name}
		for _, a := range e.Attrs {
			attr := &Attribute{NS: noRef, RawValue: noRef}
			if a.Android {
				attr.NS = uri
				attr.Name = uint32(doc.Pool.Index(a.Name))
			} else {
				attr.Name = doc.internString(a.Name)
			}
			if a.Type == 0 || a.Type == TypeString {
				ref := doc.internString(a.Value)
				attr.RawValue = ref
				attr.Typed = stringValue(ref)
			} else {
				attr.Typed = Value{Size: typedValueLen, DataType: a.Type, Data: a.Data}
			}
			start.Attrs = append(start.Attrs, attr)
		}
		sort.SliceStable(start.Attrs, func(i, j int) bool {
			return attrOrder(doc, start.Attrs[i]) < attrOrder(doc, start.Attrs[j])
		})
		doc.Nodes = append(doc.Nodes, start)
		if e.Text != "" {
			ref := doc.internString(e.Text)
			doc.Nodes = append(doc.Nodes, &Node{Type: resXMLCDataType, LineNumber: line, Comment: noRef, Data: ref, Typed: Value{Size: typedValueLen}})
		}
		for _, c := range e.Children {
			walk(c)
		}
		doc.Nodes = append(doc.Nodes, &Node{Type: resXMLEndElemType, LineNumber: line, Comment: noRef, NS: noRef, Name: name})
	}
	walk(root)
	doc.Nodes = append(doc.Nodes, &Node{Type: resXMLEndNSType, LineNumber: line, Comment: noRef, Prefix: prefix, URI: uri})

	doc.order = doc.defaultOrder()
	return doc.Bytes(), nil
}

func attrOrder(d *Document, a *Attribute) uint64 {
	if id := d.resourceID(a.Name); id != 0 {
		return uint64(id)
	}
	return 1 << 32
}

func (d *Document) defaultOrder() []uint16 {
	order := []uint16{resStringPoolType, resXMLResMapType}
	return append(order, make([]uint16, len(d.Nodes))...)
}
