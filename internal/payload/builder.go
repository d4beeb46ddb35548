package payload

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"math"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/dex"
	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	// DefaultAssetName 载荷在 APK 中的固定路径
	DefaultAssetName = "assets/payload.pldx"

	MaxTrialDays = 3650
	tagSize      = 16
)

var codeUnitPattern = regexp.MustCompile(`^classes([0-9]*)\.dex$`)

// IsCodeUnit 是否为 classes*.dex 代码单元
func IsCodeUnit(name string) bool {
	return codeUnitPattern.MatchString(name)
}

// multidexIndex classes.dex 为 1，classesN.dex 为 N
func multidexIndex(name string) int {
	m := codeUnitPattern.FindStringSubmatch(name)
	if m == nil || m[1] == "" {
		return 1
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return math.MaxInt32
	}
	return n
}

// CodeUnits 按 multidex 加载顺序返回代码单元，与归档内枚举顺序无关
func CodeUnits(entries []*archive.Entry) []*archive.Entry {
	var units []*archive.Entry
	for _, e := range entries {
		if IsCodeUnit(e.Name) {
			units = append(units, e)
		}
	}
	sort.SliceStable(units, func(i, j int) bool {
		a, b := multidexIndex(units[i].Name), multidexIndex(units[j].Name)
		if a != b {
			return a < b
		}
		return units[i].Name < units[j].Name
	})
	return units
}

// Options 载荷构建参数
type Options struct {
	TrialDays int
	Owner     bool
	Secret    []byte
	Now       func() time.Time
	Rand      io.Reader
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o Options) rand() io.Reader {
	if o.Rand != nil {
		return o.Rand
	}
	return rand.Reader
}

// Result 构建结果
type Result struct {
	Header    Header
	Blob      []byte
	CodeUnits []string
}

// Build 提取全部代码单元，校验后拼接并加密为载荷
func Build(r *archive.Reader, opts Options) (*Result, error) {
	units := CodeUnits(r.Entries())
	if len(units) == 0 {
		return nil, domain.ProtectionError("build payload", "no classes*.dex found in %s", r.Path)
	}

	var (
		plain []byte
		names []string
	)
	for _, e := range units {
		data, err := e.ReadAll()
		if err != nil {
			return nil, err
		}
		if _, err := dex.Validate(data); err != nil {
			return nil, domain.WrapFormat("validate "+e.Name, err)
		}
		plain = append(plain, data...)
		names = append(names, e.Name)
	}

	h, blob, err := Seal(plain, opts)
	if err != nil {
		return nil, err
	}
	return &Result{Header: h, Blob: blob, CodeUnits: names}, nil
}

// Seal 加密明文并生成 header || ciphertext
func Seal(plain []byte, opts Options) (Header, []byte, error) {
	if uint64(len(plain))+tagSize > math.MaxUint32 {
		return Header{}, nil, domain.ProtectionError("seal payload", "code units too large: %d bytes", len(plain))
	}

	h := Header{
		Magic:         Magic,
		Version:       Version,
		OriginalSize:  uint32(len(plain)),
		EncryptedSize: uint32(len(plain) + tagSize),
	}
	if opts.Owner {
		h.Flags |= FlagOwner
	} else {
		if opts.TrialDays < 1 || opts.TrialDays > MaxTrialDays {
			return Header{}, nil, domain.ProtectionError("seal payload", "trial days %d out of range 1..%d", opts.TrialDays, MaxTrialDays)
		}
		h.ExpireTs = opts.now().Unix() + int64(opts.TrialDays)*86400
	}
	if _, err := io.ReadFull(opts.rand(), h.IV[:]); err != nil {
		return Header{}, nil, domain.CryptoError("generate iv", err)
	}

	aead, err := newAEAD(opts.Secret, h)
	if err != nil {
		return Header{}, nil, err
	}
	hdr := Encode(h)
	blob := make([]byte, HeaderSize, HeaderSize+int(h.EncryptedSize))
	copy(blob, hdr)
	blob = aead.Seal(blob, h.IV[:], plain, hdr)
	if len(blob)-HeaderSize != int(h.EncryptedSize) {
		return Header{}, nil, domain.CryptoError("seal payload", errors.New("unexpected ciphertext length"))
	}
	return h, blob, nil
}

// Open 参照 loader 的流程校验并解密载荷
func Open(blob, secret []byte, now time.Time) ([]byte, Header, error) {
	h, body, err := Split(blob)
	if err != nil {
		return nil, Header{}, err
	}
	if h.Expired(now) {
		return nil, h, domain.ProtectionError("open payload", "trial expired at %s", time.Unix(h.ExpireTs, 0).UTC().Format(time.RFC3339))
	}
	aead, err := newAEAD(secret, h)
	if err != nil {
		return nil, h, err
	}
	plain, err := aead.Open(nil, h.IV[:], body, blob[:HeaderSize])
	if err != nil {
		return nil, h, domain.CryptoError("open payload", err)
	}
	if uint32(len(plain)) != h.OriginalSize {
		return nil, h, domain.FormatError("open payload", "decrypted %d bytes, header says %d", len(plain), h.OriginalSize)
	}
	return plain, h, nil
}

func newAEAD(secret []byte, h Header) (cipher.AEAD, error) {
	key, err := DeriveKey(secret, h.Version, h.Flags, h.ExpireTs)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.CryptoError("init cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.CryptoError("init cipher", err)
	}
	return aead, nil
}
