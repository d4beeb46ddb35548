package manifest

import (
	"strconv"
	"strings"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	// EntryName 清单在 APK 中的固定路径
	EntryName = "AndroidManifest.xml"

	AndroidNamespace = "http://schemas.android.com/apk/res/android"

	// 注入的 meta-data 键
	MetaRealAppClass = "REAL_APP_CLASS"
	MetaPayloadAsset = "PAYLOAD_ASSET"

	attrResName        uint32 = 0x01010003
	attrResValue       uint32 = 0x01010024
	attrResVersionCode uint32 = 0x0101021b
	attrResVersionName uint32 = 0x0101021c
)

// ApplicationInfo 从清单中提取的应用信息
type ApplicationInfo struct {
	PackageName string `json:"package_name"`
	VersionName string `json:"version_name,omitempty"`
	VersionCode int64  `json:"version_code"`
	// EntryPoint 原 Application 类全名
	EntryPoint string `json:"entry_point"`
}

// PatchOptions 清单改写参数
type PatchOptions struct {
	LoaderClass  string
	PayloadAsset string
}

type located struct {
	manifest    int
	application int
	appEnd      int
	nsRef       uint32
}

// Extract 解析清单并提取应用信息
func Extract(b []byte) (*ApplicationInfo, error) {
	doc, err := Parse(b)
	if err != nil {
		return nil, err
	}
	info, _, err := doc.extract()
	return info, err
}

// MetaData 返回 <application> 下 meta-data 的 name/value，值不是字符串的项忽略
func MetaData(b []byte) (map[string]string, error) {
	doc, err := Parse(b)
	if err != nil {
		return nil, err
	}
	loc, err := doc.locate()
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	for _, n := range doc.children(loc.application, loc.appEnd) {
		if doc.String(n.Name) != "meta-data" {
			continue
		}
		key := doc.findAttr(n, loc.nsRef, attrResName, "name")
		val := doc.findAttr(n, loc.nsRef, attrResValue, "value")
		if key == nil || val == nil {
			continue
		}
		if v := doc.attrString(val); v != "" {
			out[doc.attrString(key)] = v
		}
	}
	return out, nil
}

// Patch 把 Application 入口替换为 loader，并写入原入口类和载荷路径两个 meta-data
func Patch(b []byte, opts PatchOptions) ([]byte, *ApplicationInfo, error) {
	if opts.LoaderClass == "" || opts.PayloadAsset == "" {
		return nil, nil, domain.ProtectionError("patch manifest", "loader class and payload asset are required")
	}
	doc, err := Parse(b)
	if err != nil {
		return nil, nil, err
	}
	info, _, err := doc.extract()
	if err != nil {
		return nil, nil, err
	}
	if info.EntryPoint == opts.LoaderClass {
		return nil, nil, domain.ProtectionError("patch manifest", "entry point is already %s", opts.LoaderClass)
	}

	// 先插入带资源 ID 的属性名，之后的字符串只追加不会再移动索引
	doc.attrName(attrResName, "name")
	valueRef := doc.attrName(attrResValue, "value")
	nameRef := doc.attrName(attrResName, "name")

	loc, err := doc.locate()
	if err != nil {
		return nil, nil, err
	}

	loaderRef := doc.internString(opts.LoaderClass)
	app := doc.Nodes[loc.application]
	entry := doc.findAttr(app, loc.nsRef, attrResName, "name")
	entry.RawValue = loaderRef
	entry.Typed = stringValue(loaderRef)

	metas := []struct{ key, value string }{
		{MetaRealAppClass, info.EntryPoint},
		{MetaPayloadAsset, opts.PayloadAsset},
	}
	var inserted []*Node
	for _, m := range metas {
		keyRef := doc.internString(m.key)
		valRef := doc.internString(m.value)
		found := false
		for _, n := range doc.children(loc.application, loc.appEnd) {
			if doc.String(n.Name) != "meta-data" {
				continue
			}
			if a := doc.findAttr(n, loc.nsRef, attrResName, "name"); a == nil || doc.attrString(a) != m.key {
				continue
			}
			found = true
			if a := doc.findAttr(n, loc.nsRef, attrResValue, "value"); a != nil {
				a.RawValue = valRef
				a.Typed = stringValue(valRef)
				continue
			}
			doc.insertAttr(n, &Attribute{NS: loc.nsRef, Name: valueRef, RawValue: valRef, Typed: stringValue(valRef)})
		}
		if found {
			continue
		}

		metaRef := doc.internString("meta-data")
		inserted = append(inserted,
			&Node{
				Type:       resXMLStartElemType,
				LineNumber: app.LineNumber,
				Comment:    noRef,
				NS:         noRef,
				Name:       metaRef,
				Attrs: []*Attribute{
					{NS: loc.nsRef, Name: nameRef, RawValue: keyRef, Typed: stringValue(keyRef)},
					{NS: loc.nsRef, Name: valueRef, RawValue: valRef, Typed: stringValue(valRef)},
				},
			},
			&Node{Type: resXMLEndElemType, LineNumber: app.LineNumber, Comment: noRef, NS: noRef, Name: metaRef},
		)
	}
	if len(inserted) > 0 {
		at := loc.application + 1
		nodes := make([]*Node, 0, len(doc.Nodes)+len(inserted))
		nodes = append(nodes, doc.Nodes[:at]...)
		nodes = append(nodes, inserted...)
		nodes = append(nodes, doc.Nodes[at:]...)
		doc.Nodes = nodes
		doc.insertOrder(at, len(inserted))
	}

	return doc.Bytes(), info, nil
}

// insertOrder 在第 at 个节点前为新增节点补上顶层顺序占位
func (d *Document) insertOrder(at, count int) {
	seen := 0
	pos := len(d.order)
	for i, t := range d.order {
		if t != 0 {
			continue
		}
		if seen == at {
			pos = i
			break
		}
		seen++
	}
	order := make([]uint16, 0, len(d.order)+count)
	order = append(order, d.order[:pos]...)
	order = append(order, make([]uint16, count)...)
	d.order = append(order, d.order[pos:]...)
}

func (d *Document) extract() (*ApplicationInfo, located, error) {
	loc, err := d.locate()
	if err != nil {
		return nil, loc, err
	}

	info := &ApplicationInfo{}
	manifest := d.Nodes[loc.manifest]
	for _, a := range manifest.Attrs {
		if a.NS == noRef && d.String(a.Name) == "package" {
			info.PackageName = d.attrString(a)
		}
	}
	if info.PackageName == "" {
		return nil, loc, domain.FormatError("extract manifest", "missing package attribute")
	}
	if a := d.findAttr(manifest, loc.nsRef, attrResVersionName, "versionName"); a != nil {
		info.VersionName = d.attrString(a)
	}
	if a := d.findAttr(manifest, loc.nsRef, attrResVersionCode, "versionCode"); a != nil {
		switch a.Typed.DataType {
		case TypeIntDec, TypeIntHex:
			info.VersionCode = int64(int32(a.Typed.Data))
		default:
			info.VersionCode, _ = strconv.ParseInt(d.attrString(a), 0, 64)
		}
	}

	entry := d.findAttr(d.Nodes[loc.application], loc.nsRef, attrResName, "name")
	if entry == nil {
		return nil, loc, domain.FormatError("extract manifest", "<application> has no android:name entry point")
	}
	name := d.attrString(entry)
	if name == "" {
		return nil, loc, domain.FormatError("extract manifest", "<application> android:name is not a string")
	}
	info.EntryPoint = resolveClassName(info.PackageName, name)
	return info, loc, nil
}

// locate 找到 <manifest> 与其直接子元素 <application>
func (d *Document) locate() (located, error) {
	loc := located{manifest: -1, application: -1, appEnd: -1, nsRef: noRef}
	if i := d.Pool.Index(AndroidNamespace); i >= 0 {
		loc.nsRef = uint32(i)
	}

	depth := 0
	for i, n := range d.Nodes {
		switch n.Type {
		case resXMLStartElemType:
			depth++
			if depth == 1 && loc.manifest < 0 {
				if d.String(n.Name) != "manifest" {
					return loc, domain.FormatError("locate manifest", "root element is <%s>", d.String(n.Name))
				}
				loc.manifest = i
			}
			if depth == 2 && loc.application < 0 && d.String(n.Name) == "application" {
				loc.application = i
			}
		case resXMLEndElemType:
			if depth == 2 && loc.application >= 0 && loc.appEnd < 0 && d.String(n.Name) == "application" {
				loc.appEnd = i
			}
			depth--
		}
	}
	if loc.manifest < 0 {
		return loc, domain.FormatError("locate manifest", "no <manifest> element")
	}
	if loc.application < 0 || loc.appEnd < 0 {
		return loc, domain.FormatError("locate manifest", "no <application> element")
	}
	if loc.nsRef == noRef {
		return loc, domain.FormatError("locate manifest", "android namespace not declared")
	}
	return loc, nil
}

// children application 的直接子元素
func (d *Document) children(start, end int) []*Node {
	var out []*Node
	depth := 0
	for _, n := range d.Nodes[start+1 : end] {
		switch n.Type {
		case resXMLStartElemType:
			if depth == 0 {
				out = append(out, n)
			}
			depth++
		case resXMLEndElemType:
			depth--
		}
	}
	return out
}

// findAttr 按资源 ID 查找 android 命名空间属性，没有资源映射时按名称
func (d *Document) findAttr(n *Node, nsRef, resID uint32, name string) *Attribute {
	for _, a := range n.Attrs {
		if a.NS != nsRef {
			continue
		}
		if id := d.resourceID(a.Name); id != 0 {
			if id == resID {
				return a
			}
			continue
		}
		if d.String(a.Name) == name {
			return a
		}
	}
	return nil
}

func (d *Document) attrString(a *Attribute) string {
	if a.RawValue != noRef {
		return d.String(a.RawValue)
	}
	if a.Typed.DataType == TypeString {
		return d.String(a.Typed.Data)
	}
	return ""
}

// insertAttr 按资源 ID 升序插入属性并修正 id/class/style 索引
func (d *Document) insertAttr(n *Node, a *Attribute) {
	id := d.resourceID(a.Name)
	pos := len(n.Attrs)
	for i, existing := range n.Attrs {
		eid := d.resourceID(existing.Name)
		if eid == 0 || eid > id {
			pos = i
			break
		}
	}
	n.Attrs = append(n.Attrs, nil)
	copy(n.Attrs[pos+1:], n.Attrs[pos:])
	n.Attrs[pos] = a

	bump := func(idx uint16) uint16 {
		if idx != 0 && int(idx)-1 >= pos {
			return idx + 1
		}
		return idx
	}
	n.IDIndex = bump(n.IDIndex)
	n.ClassIndex = bump(n.ClassIndex)
	n.StyleIndex = bump(n.StyleIndex)
}

func resolveClassName(pkg, name string) string {
	if strings.HasPrefix(name, ".") {
		return pkg + name
	}
	if !strings.Contains(name, ".") {
		return pkg + "." + name
	}
	return name
}
