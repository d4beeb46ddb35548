package archive

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// maxEntrySize 单个条目解压后的上限，载荷头只能描述 32 位长度
const maxEntrySize = 1<<32 - 1

// Entry 归档中的一个条目
type Entry struct {
	Name             string
	Modified         time.Time
	Method           uint16
	CRC32            uint32
	CompressedSize   uint64
	UncompressedSize uint64

	file *zip.File
}

// IsDir 是否为目录标记
func (e *Entry) IsDir() bool {
	return len(e.Name) > 0 && e.Name[len(e.Name)-1] == '/'
}

// Open 打开解压后的内容
func (e *Entry) Open() (io.ReadCloser, error) {
	rc, err := e.file.Open()
	if err != nil {
		return nil, domain.WrapFormat("open entry "+e.Name, err)
	}
	return rc, nil
}

// OpenRaw 打开压缩后的原始字节
func (e *Entry) OpenRaw() (io.Reader, error) {
	r, err := e.file.OpenRaw()
	if err != nil {
		return nil, domain.WrapFormat("open raw entry "+e.Name, err)
	}
	return r, nil
}

// Reader 源 APK 的随机访问读取器
type Reader struct {
	Path string
	Size int64

	f       *os.File
	zr      *zip.Reader
	entries []*Entry
	index   map[string]*Entry
}

// Open 打开 APK，文件不可读返回 IOError，非 ZIP 返回 FormatError
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.IOError("open archive", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, domain.IOError("stat archive", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, domain.IOError("open archive", fmt.Errorf("%s is a directory", path))
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		f.Close()
		return nil, domain.WrapFormat("read zip directory", err)
	}
	zr.RegisterDecompressor(zip.Deflate, flate.NewReader)

	r := &Reader{
		Path:  path,
		Size:  info.Size(),
		f:     f,
		zr:    zr,
		index: make(map[string]*Entry, len(zr.File)),
	}
	for _, zf := range zr.File {
		if _, dup := r.index[zf.Name]; dup {
			f.Close()
			return nil, domain.FormatError("read zip directory", "duplicate entry %q", zf.Name)
		}
		e := &Entry{
			Name:             zf.Name,
			Modified:         zf.Modified,
			Method:           zf.Method,
			CRC32:            zf.CRC32,
			CompressedSize:   zf.CompressedSize64,
			UncompressedSize: zf.UncompressedSize64,
			file:             zf,
		}
		r.entries = append(r.entries, e)
		r.index[zf.Name] = e
	}
	return r, nil
}

// Entries 按中央目录顺序返回条目
func (r *Reader) Entries() []*Entry {
	return r.entries
}

// Lookup 按名称查找条目
func (r *Reader) Lookup(name string) (*Entry, bool) {
	e, ok := r.index[name]
	return e, ok
}

// ReadAll 读取并解压条目，校验失败或截断返回 FormatError
func (r *Reader) ReadAll(name string) ([]byte, error) {
	e, ok := r.index[name]
	if !ok {
		return nil, domain.FormatError("read entry", "entry %q not found", name)
	}
	return e.ReadAll()
}

// ReadAll 读取并解压条目
func (e *Entry) ReadAll() ([]byte, error) {
	if e.UncompressedSize > maxEntrySize {
		return nil, domain.FormatError("read entry "+e.Name, "entry too large: %d bytes", e.UncompressedSize)
	}
	rc, err := e.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, domain.WrapFormat("read entry "+e.Name, err)
	}
	return data, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}
