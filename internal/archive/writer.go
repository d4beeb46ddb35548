package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"golang.org/x/sync/errgroup"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	// alignmentExtraID Android zipalign 对齐用的 extra 字段
	alignmentExtraID = 0xd935
	// nativeLibAlignment 未压缩 .so 按页对齐
	nativeLibAlignment = 4096

	localHeaderLen = 30
)

// WriterOptions 写入选项
type WriterOptions struct {
	Workers int // 并行压缩的 worker 数，<=0 时为 1
	Align   int // 未压缩条目数据对齐字节数，0 表示不对齐
	Level   int // deflate 压缩级别
}

// NewEntry 待插入的新条目
type NewEntry struct {
	Name     string
	Data     []byte
	Modified time.Time
	Method   uint16 // zip.Store 或 zip.Deflate
}

// Writer 目标 APK 写入器，只创建新文件
type Writer struct {
	Path string

	f      *os.File
	cw     *countWriter
	zw     *zip.Writer
	opts   WriterOptions
	names  map[string]struct{}
	closed bool
}

type countWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	if err != nil && c.err == nil {
		c.err = err
	}
	return n, err
}

// Create 以 O_EXCL 创建目标文件
func Create(path string, opts WriterOptions) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, domain.IOError("create archive", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Level == 0 {
		opts.Level = flate.DefaultCompression
	}
	cw := &countWriter{w: f}
	return &Writer{
		Path:  path,
		f:     f,
		cw:    cw,
		zw:    zip.NewWriter(cw),
		opts:  opts,
		names: make(map[string]struct{}),
	}, nil
}

// Has 条目名是否已写入
func (w *Writer) Has(name string) bool {
	_, ok := w.names[name]
	return ok
}

func (w *Writer) claim(name string) error {
	if _, ok := w.names[name]; ok {
		return domain.ProtectionError("write archive", "duplicate entry name %q", name)
	}
	w.names[name] = struct{}{}
	return nil
}

// Copy 原样复制源条目的压缩字节，保留时间、压缩方式和 CRC
func (w *Writer) Copy(e *Entry) error {
	if err := w.claim(e.Name); err != nil {
		return err
	}
	raw, err := e.OpenRaw()
	if err != nil {
		return err
	}

	fh := e.file.FileHeader
	// 长度写入本地头，不再使用数据描述符
	fh.Flags &^= 0x8
	fh.Extra = stripExtra(fh.Extra, alignmentExtraID)
	if fh.Method == zip.Store && !e.IsDir() {
		if err := w.pad(&fh); err != nil {
			return err
		}
	}
	dst, err := w.zw.CreateRaw(&fh)
	if err != nil {
		return domain.IOError("copy entry "+e.Name, err)
	}

	method := fh.Method
	if e.CompressedSize == 0 {
		// 空条目没有压缩流可解
		method = zip.Store
	}
	tr := &trackingReader{r: raw}
	sink := &countWriter{w: dst}
	sum, size, err := checksumRaw(io.TeeReader(tr, sink), method)
	if tr.err != nil {
		return domain.WrapFormat("copy entry "+e.Name, tr.err)
	}
	if sink.err != nil {
		return domain.IOError("copy entry "+e.Name, sink.err)
	}
	if err != nil {
		return domain.WrapFormat("copy entry "+e.Name, err)
	}
	if uint64(sink.n) != e.CompressedSize {
		return domain.FormatError("copy entry "+e.Name, "truncated: %d of %d bytes", sink.n, e.CompressedSize)
	}
	if sum != e.CRC32 || size != e.UncompressedSize {
		return domain.FormatError("copy entry "+e.Name, "checksum mismatch: crc %08x size %d, want crc %08x size %d",
			sum, size, e.CRC32, e.UncompressedSize)
	}
	return nil
}

// checksumRaw 读完整个原始数据流，返回解压后内容的 CRC-32 与长度
func checksumRaw(raw io.Reader, method uint16) (uint32, uint64, error) {
	h := crc32.NewIEEE()
	var src io.Reader
	switch method {
	case zip.Store:
		src = raw
	case zip.Deflate:
		fr := flate.NewReader(raw)
		defer fr.Close()
		src = fr
	default:
		return 0, 0, fmt.Errorf("unsupported compression method %d", method)
	}
	n, err := io.Copy(h, src)
	if err != nil {
		return 0, 0, err
	}
	// deflate 流结束后可能还有未读的原始字节，也要写入目标
	if _, err := io.Copy(io.Discard, raw); err != nil {
		return 0, 0, err
	}
	return h.Sum32(), uint64(n), nil
}

// AddDir 写入目录标记
func (w *Writer) AddDir(name string, modified time.Time) error {
	if !strings.HasSuffix(name, "/") {
		name += "/"
	}
	return w.AddAll(context.Background(), []NewEntry{{Name: name, Modified: modified, Method: zip.Store}})
}

// Add 写入单个新条目
func (w *Writer) Add(name string, data []byte, modified time.Time, method uint16) error {
	return w.AddAll(context.Background(), []NewEntry{{Name: name, Data: data, Modified: modified, Method: method}})
}

type compressed struct {
	data []byte
	crc  uint32
}

// AddAll 并行压缩后按给定顺序写入，输出顺序与完成顺序无关
func (w *Writer) AddAll(ctx context.Context, entries []NewEntry) error {
	for _, e := range entries {
		if err := w.claim(e.Name); err != nil {
			return err
		}
	}

	results := make([]compressed, len(entries))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for i := range entries {
		i := i
		g.Go(func() error {
			out, err := compress(entries[i], w.opts.Level)
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, e := range entries {
		if err := w.writeCompressed(e, results[i]); err != nil {
			return err
		}
	}
	return nil
}

func compress(e NewEntry, level int) (compressed, error) {
	crc := crc32.ChecksumIEEE(e.Data)
	if e.Method != zip.Deflate || len(e.Data) == 0 {
		return compressed{data: e.Data, crc: crc}, nil
	}

	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, level)
	if err != nil {
		return compressed{}, domain.IOError("compress "+e.Name, err)
	}
	if _, err := fw.Write(e.Data); err != nil {
		return compressed{}, domain.IOError("compress "+e.Name, err)
	}
	if err := fw.Close(); err != nil {
		return compressed{}, domain.IOError("compress "+e.Name, err)
	}
	return compressed{data: buf.Bytes(), crc: crc}, nil
}

func (w *Writer) writeCompressed(e NewEntry, c compressed) error {
	method := e.Method
	if method == zip.Deflate && len(e.Data) == 0 {
		method = zip.Store
	}
	fh := &zip.FileHeader{
		Name:               e.Name,
		Method:             method,
		CRC32:              c.crc,
		CompressedSize64:   uint64(len(c.data)),
		UncompressedSize64: uint64(len(e.Data)),
	}
	fh.ModifiedDate, fh.ModifiedTime = msDosTime(e.Modified)
	if method == zip.Store && !strings.HasSuffix(e.Name, "/") {
		if err := w.pad(fh); err != nil {
			return err
		}
	}

	dst, err := w.zw.CreateRaw(fh)
	if err != nil {
		return domain.IOError("write entry "+e.Name, err)
	}
	if _, err := dst.Write(c.data); err != nil {
		return domain.IOError("write entry "+e.Name, err)
	}
	return nil
}

// pad 在 extra 字段追加填充，使未压缩数据起始偏移对齐
func (w *Writer) pad(fh *zip.FileHeader) error {
	align := w.opts.Align
	if align <= 0 {
		return nil
	}
	if strings.HasSuffix(fh.Name, ".so") {
		align = nativeLibAlignment
	}
	if err := w.zw.Flush(); err != nil {
		return domain.IOError("flush archive", err)
	}

	dataStart := w.cw.n + localHeaderLen + int64(len(fh.Name)) + int64(len(fh.Extra))
	need := int((int64(align) - dataStart%int64(align)) % int64(align))
	if need == 0 {
		return nil
	}
	for need < 6 {
		need += align
	}
	field := make([]byte, need)
	binary.LittleEndian.PutUint16(field[0:], alignmentExtraID)
	binary.LittleEndian.PutUint16(field[2:], uint16(need-4))
	binary.LittleEndian.PutUint16(field[4:], uint16(align))
	fh.Extra = append(append([]byte(nil), fh.Extra...), field...)
	return nil
}

// Close 完成写入，只能调用一次
func (w *Writer) Close() error {
	if w.closed {
		return domain.IOError("close archive", errors.New("archive already closed"))
	}
	w.closed = true
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return domain.IOError("finalize archive", err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return domain.IOError("sync archive", err)
	}
	if err := w.f.Close(); err != nil {
		return domain.IOError("close archive", err)
	}
	return nil
}

// Abort 放弃写入并删除半成品文件
func (w *Writer) Abort() {
	if !w.closed {
		w.closed = true
		w.f.Close()
	}
	os.Remove(w.Path)
}

type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// stripExtra 去掉指定 ID 的 extra 字段，格式异常时原样返回
func stripExtra(extra []byte, id uint16) []byte {
	out := make([]byte, 0, len(extra))
	for b := extra; len(b) > 0; {
		if len(b) < 4 {
			return extra
		}
		size := int(binary.LittleEndian.Uint16(b[2:]))
		if len(b) < 4+size {
			return extra
		}
		if binary.LittleEndian.Uint16(b) != id {
			out = append(out, b[:4+size]...)
		}
		b = b[4+size:]
	}
	return out
}

func msDosTime(t time.Time) (date, clock uint16) {
	if t.IsZero() || t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	date = uint16(t.Day() + int(t.Month())<<5 + (t.Year()-1980)<<9)
	clock = uint16(t.Second()/2 + t.Minute()<<5 + t.Hour()<<11)
	return date, clock
}
