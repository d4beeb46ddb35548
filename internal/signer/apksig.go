package signer

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	blockIDV2 uint32 = 0x7109871a
	blockIDV3 uint32 = 0xf05368c0

	sigRSAPKCS1SHA256 uint32 = 0x0103
	sigECDSASHA256    uint32 = 0x0201

	// strippingProtectionAttr v2 签名中声明还存在 v3 签名，防止被剥离降级
	strippingProtectionAttr uint32 = 0xbeeff00d

	v3MinSDK = 28
	v3MaxSDK = 0x7fffffff

	chunkSize = 1 << 20
)

func algorithmFor(key crypto.PublicKey) (uint32, error) {
	switch key.(type) {
	case *rsa.PublicKey:
		return sigRSAPKCS1SHA256, nil
	case *ecdsa.PublicKey:
		return sigECDSASHA256, nil
	default:
		return 0, fmt.Errorf("unsupported key type %T", key)
	}
}

// contentDigest 按 1MB 分块计算 entries、中央目录、EOCD 三段的 SHA-256 摘要
// entriesEnd 为条目数据结束位置，已签名文件中即签名块起始
func contentDigest(f io.ReaderAt, entriesEnd int64, l *zipLayout, eocd []byte) ([]byte, error) {
	sections := []io.ReaderAt{
		io.NewSectionReader(f, 0, entriesEnd),
		io.NewSectionReader(f, l.cdOffset, l.cdSize),
		bytes.NewReader(eocd),
	}
	lengths := []int64{entriesEnd, l.cdSize, int64(len(eocd))}

	var chunkDigests []byte
	count := 0
	buf := make([]byte, chunkSize)
	for i, sec := range sections {
		for off := int64(0); off < lengths[i]; off += chunkSize {
			n := lengths[i] - off
			if n > chunkSize {
				n = chunkSize
			}
			if _, err := sec.ReadAt(buf[:n], off); err != nil && err != io.EOF {
				return nil, err
			}
			h := sha256.New()
			var prefix [5]byte
			prefix[0] = 0xa5
			binary.LittleEndian.PutUint32(prefix[1:], uint32(n))
			h.Write(prefix[:])
			h.Write(buf[:n])
			chunkDigests = h.Sum(chunkDigests)
			count++
		}
	}

	top := sha256.New()
	var prefix [5]byte
	prefix[0] = 0x5a
	binary.LittleEndian.PutUint32(prefix[1:], uint32(count))
	top.Write(prefix[:])
	top.Write(chunkDigests)
	return top.Sum(nil), nil
}

func signData(key crypto.Signer, data []byte) ([]byte, error) {
	d := sha256.Sum256(data)
	return key.Sign(rand.Reader, d[:], crypto.SHA256)
}

func verifyData(pub crypto.PublicKey, data, sig []byte) error {
	d := sha256.Sum256(data)
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, d[:], sig)
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(k, d[:], sig) {
			return errors.New("ecdsa signature mismatch")
		}
		return nil
	default:
		return fmt.Errorf("unsupported key type %T", pub)
	}
}

// buildSigner 构造 v2/v3 signer 结构
func buildSigner(id *Identity, digest []byte, v3 bool, minSDK uint32, attrs [][]byte) ([]byte, error) {
	alg, err := algorithmFor(id.Key.Public())
	if err != nil {
		return nil, err
	}
	pub, err := x509.MarshalPKIXPublicKey(id.Key.Public())
	if err != nil {
		return nil, err
	}

	digestItem := binary.LittleEndian.AppendUint32(nil, alg)
	digestItem = appendLengthPrefixed(digestItem, digest)

	var signed []byte
	signed = appendSequence(signed, [][]byte{digestItem})
	signed = appendSequence(signed, [][]byte{id.Certificate.Raw})
	if v3 {
		signed = binary.LittleEndian.AppendUint32(signed, minSDK)
		signed = binary.LittleEndian.AppendUint32(signed, v3MaxSDK)
	}
	signed = appendSequence(signed, attrs)

	sig, err := signData(id.Key, signed)
	if err != nil {
		return nil, err
	}
	sigItem := binary.LittleEndian.AppendUint32(nil, alg)
	sigItem = appendLengthPrefixed(sigItem, sig)

	var signer []byte
	signer = appendLengthPrefixed(signer, signed)
	if v3 {
		signer = binary.LittleEndian.AppendUint32(signer, minSDK)
		signer = binary.LittleEndian.AppendUint32(signer, v3MaxSDK)
	}
	signer = appendSequence(signer, [][]byte{sigItem})
	signer = appendLengthPrefixed(signer, pub)
	return signer, nil
}

func attribute(id uint32, value []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, id)
	return append(b, value...)
}

// signingBlock 组装 APK Signing Block
func signingBlock(pairs map[uint32][]byte, ids []uint32) []byte {
	le := binary.LittleEndian
	var body []byte
	for _, id := range ids {
		v := pairs[id]
		body = le.AppendUint64(body, uint64(4+len(v)))
		body = le.AppendUint32(body, id)
		body = append(body, v...)
	}
	size := uint64(len(body) + 8 + len(sigBlockMagic))
	out := le.AppendUint64(nil, size)
	out = append(out, body...)
	out = le.AppendUint64(out, size)
	return append(out, sigBlockMagic...)
}

// signV2V3 在中央目录前插入签名块，写出到 out
func signV2V3(id *Identity, in, out string, v2, v3 bool, minSDK int) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	l, err := readZipLayout(f)
	if err != nil {
		return err
	}
	digest, err := contentDigest(f, l.cdOffset, l, l.eocd)
	if err != nil {
		return err
	}

	pairs := map[uint32][]byte{}
	var ids []uint32
	if v2 {
		var attrs [][]byte
		if v3 {
			attrs = append(attrs, attribute(strippingProtectionAttr, binary.LittleEndian.AppendUint32(nil, 3)))
		}
		s, err := buildSigner(id, digest, false, 0, attrs)
		if err != nil {
			return err
		}
		pairs[blockIDV2] = appendSequence(nil, [][]byte{s})
		ids = append(ids, blockIDV2)
	}
	if v3 {
		sdk := uint32(v3MinSDK)
		if minSDK > v3MinSDK {
			sdk = uint32(minSDK)
		}
		s, err := buildSigner(id, digest, true, sdk, nil)
		if err != nil {
			return err
		}
		pairs[blockIDV3] = appendSequence(nil, [][]byte{s})
		ids = append(ids, blockIDV3)
	}
	block := signingBlock(pairs, ids)

	dst, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			dst.Close()
			os.Remove(out)
		}
	}()

	if _, err := io.Copy(dst, io.NewSectionReader(f, 0, l.cdOffset)); err != nil {
		return err
	}
	if _, err := dst.Write(block); err != nil {
		return err
	}
	if _, err := io.Copy(dst, io.NewSectionReader(f, l.cdOffset, l.cdSize)); err != nil {
		return err
	}
	if _, err := dst.Write(withCDOffset(l.eocd, l.cdOffset+int64(len(block)))); err != nil {
		return err
	}
	if err := dst.Sync(); err != nil {
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	ok = true
	return nil
}

// VerifyResult 签名校验结果
type VerifyResult struct {
	V1          bool
	V2          bool
	V3          bool
	Certificate *x509.Certificate
}

// verifyBlock 校验一个 v2/v3 签名块，返回签名证书
func verifyBlock(value []byte, v3 bool, digest []byte) (*x509.Certificate, error) {
	seq, _, err := lengthPrefixed(value)
	if err != nil {
		return nil, err
	}
	signers, err := splitSequence(seq)
	if err != nil {
		return nil, err
	}
	if len(signers) == 0 {
		return nil, errors.New("no signers")
	}

	var cert *x509.Certificate
	for _, s := range signers {
		signed, rest, err := lengthPrefixed(s)
		if err != nil {
			return nil, err
		}
		if v3 {
			if len(rest) < 8 {
				return nil, errors.New("truncated v3 sdk range")
			}
			rest = rest[8:]
		}
		sigs, rest, err := lengthPrefixed(rest)
		if err != nil {
			return nil, err
		}
		pubDER, _, err := lengthPrefixed(rest)
		if err != nil {
			return nil, err
		}
		pub, err := x509.ParsePKIXPublicKey(pubDER)
		if err != nil {
			return nil, err
		}

		sigItems, err := splitSequence(sigs)
		if err != nil {
			return nil, err
		}
		verified := false
		for _, it := range sigItems {
			if len(it) < 4 {
				return nil, errors.New("truncated signature item")
			}
			sig, _, err := lengthPrefixed(it[4:])
			if err != nil {
				return nil, err
			}
			if err := verifyData(pub, signed, sig); err != nil {
				return nil, fmt.Errorf("signature: %w", err)
			}
			verified = true
		}
		if !verified {
			return nil, errors.New("signer has no signatures")
		}

		digests, rest, err := lengthPrefixed(signed)
		if err != nil {
			return nil, err
		}
		certs, _, err := lengthPrefixed(rest)
		if err != nil {
			return nil, err
		}
		digestItems, err := splitSequence(digests)
		if err != nil {
			return nil, err
		}
		matched := false
		for _, it := range digestItems {
			if len(it) < 4 {
				return nil, errors.New("truncated digest item")
			}
			alg := binary.LittleEndian.Uint32(it)
			if alg != sigRSAPKCS1SHA256 && alg != sigECDSASHA256 {
				continue
			}
			d, _, err := lengthPrefixed(it[4:])
			if err != nil {
				return nil, err
			}
			if !bytes.Equal(d, digest) {
				return nil, errors.New("content digest mismatch")
			}
			matched = true
		}
		if !matched {
			return nil, errors.New("no supported content digest")
		}

		certItems, err := splitSequence(certs)
		if err != nil || len(certItems) == 0 {
			return nil, errors.New("missing signer certificate")
		}
		cert, err = x509.ParseCertificate(certItems[0])
		if err != nil {
			return nil, err
		}
		if !publicKeysEqual(cert.PublicKey, pub) {
			return nil, errors.New("certificate does not match signer public key")
		}
	}
	return cert, nil
}
