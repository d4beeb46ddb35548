package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/archive"
	"github.com/apk-protector/apk-protector-go/internal/domain"
)

// 签名方案
const (
	SchemeV1 = "v1"
	SchemeV2 = "v2"
	SchemeV3 = "v3"
)

// Options 签名选项
type Options struct {
	Schemes []string
	MinSDK  int
	Align   int
}

// Signer 对重写后的 APK 进行 v1/v2/v3 签名
type Signer struct {
	id     *Identity
	v1     bool
	v2     bool
	v3     bool
	minSDK int
	align  int
	logger *logrus.Logger
}

// New 创建签名器，方案列表为空或含未知方案时返回 SigningError
func New(id *Identity, opts Options, logger *logrus.Logger) (*Signer, error) {
	if id == nil || id.Key == nil || id.Certificate == nil {
		return nil, domain.SigningError("new signer", errors.New("identity is required"))
	}
	if _, err := algorithmFor(id.Key.Public()); err != nil {
		return nil, domain.SigningError("new signer", err)
	}
	if len(opts.Schemes) == 0 {
		return nil, domain.SigningError("new signer", errors.New("no signature scheme enabled"))
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Signer{id: id, minSDK: opts.MinSDK, align: opts.Align, logger: logger}
	for _, scheme := range opts.Schemes {
		switch strings.ToLower(strings.TrimSpace(scheme)) {
		case SchemeV1:
			s.v1 = true
		case SchemeV2:
			s.v2 = true
		case SchemeV3:
			s.v3 = true
		default:
			return nil, domain.SigningError("new signer", fmt.Errorf("unknown signature scheme %q", scheme))
		}
	}
	return s, nil
}

// Identity 当前签名身份
func (s *Signer) Identity() *Identity {
	return s.id
}

// Sign 签名 in 并写出到 out，out 必须不存在；失败时不留下 out
func (s *Signer) Sign(ctx context.Context, in, out string) error {
	if err := ctx.Err(); err != nil {
		return domain.CancelledError("sign", err)
	}

	src := in
	if s.v1 {
		dst := out
		if s.v2 || s.v3 {
			dst = out + ".v1"
			defer os.Remove(dst)
		}
		if err := signV1(ctx, s.id, in, dst, s.v2, s.v3, s.align); err != nil {
			return wrapSigning("sign v1", err)
		}
		src = dst
	}

	if s.v2 || s.v3 {
		if err := ctx.Err(); err != nil {
			os.Remove(out)
			return domain.CancelledError("sign", err)
		}
		if err := signV2V3(s.id, src, out, s.v2, s.v3, s.minSDK); err != nil {
			return wrapSigning("sign v2/v3", err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"output": out,
		"v1":     s.v1,
		"v2":     s.v2,
		"v3":     s.v3,
	}).Debug("APK signed")
	return nil
}

// Verify 校验 APK 上存在的全部签名，任一签名无效即返回 SigningError
func Verify(path string) (*VerifyResult, error) {
	res := &VerifyResult{}

	r, err := archive.Open(path)
	if err != nil {
		return nil, err
	}
	ok, err := verifyV1(r)
	r.Close()
	if err != nil {
		return nil, domain.SigningError("verify v1", err)
	}
	res.V1 = ok

	f, err := os.Open(path)
	if err != nil {
		return nil, domain.IOError("verify", err)
	}
	defer f.Close()

	l, err := readZipLayout(f)
	if err != nil {
		return nil, domain.SigningError("verify", err)
	}
	pairs, start, err := findSigningBlock(f, l)
	if err == nil {
		digest, err := contentDigest(f, start, l, withCDOffset(l.eocd, start))
		if err != nil {
			return nil, domain.SigningError("verify", err)
		}
		if v, ok := pairs[blockIDV2]; ok {
			cert, err := verifyBlock(v, false, digest)
			if err != nil {
				return nil, domain.SigningError("verify v2", err)
			}
			res.V2, res.Certificate = true, cert
		}
		if v, ok := pairs[blockIDV3]; ok {
			cert, err := verifyBlock(v, true, digest)
			if err != nil {
				return nil, domain.SigningError("verify v3", err)
			}
			res.V3, res.Certificate = true, cert
		}
	}

	if !res.V1 && !res.V2 && !res.V3 {
		return nil, domain.SigningError("verify", errors.New("APK is not signed"))
	}
	return res, nil
}

// wrapSigning 已归类的错误原样返回
func wrapSigning(op string, err error) error {
	switch domain.KindOf(err) {
	case domain.KindSigning, domain.KindCancelled, domain.KindIO, domain.KindFormat:
		return err
	}
	return domain.SigningError(op, err)
}
