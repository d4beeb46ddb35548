package signer

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/smallstep/pkcs7"

	"github.com/apk-protector/apk-protector-go/internal/archive"
)

const (
	manifestName = "META-INF/MANIFEST.MF"
	sfName       = "META-INF/CERT.SF"
	createdBy    = "1.0 (APK Protector)"

	maxLineLen = 72
)

// IsV1SignatureFile META-INF 下的 JAR 签名文件
func IsV1SignatureFile(name string) bool {
	if !strings.HasPrefix(name, "META-INF/") || strings.Count(name, "/") != 1 {
		return false
	}
	if name == manifestName {
		return true
	}
	switch strings.ToUpper(path.Ext(name)) {
	case ".SF", ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}

// writeAttr 按 JAR 规范写入属性，单行不超过 72 字节，续行以空格开头
func writeAttr(buf *bytes.Buffer, name, value string) {
	line := name + ": " + value
	first := true
	for len(line) > 0 {
		limit := maxLineLen
		if !first {
			buf.WriteByte(' ')
			limit--
		}
		if len(line) <= limit {
			buf.WriteString(line)
			buf.WriteString("\r\n")
			break
		}
		buf.WriteString(line[:limit])
		buf.WriteString("\r\n")
		line = line[limit:]
		first = false
	}
}

func b64sha256(b []byte) string {
	d := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(d[:])
}

// jarManifest 生成 MANIFEST.MF 与 CERT.SF
func jarManifest(digests map[string]string, v2, v3 bool) (mf, sf []byte) {
	names := make([]string, 0, len(digests))
	for n := range digests {
		names = append(names, n)
	}
	sort.Strings(names)

	var m bytes.Buffer
	writeAttr(&m, "Manifest-Version", "1.0")
	writeAttr(&m, "Created-By", createdBy)
	m.WriteString("\r\n")
	mainLen := m.Len()

	sections := make([][]byte, len(names))
	for i, n := range names {
		var s bytes.Buffer
		writeAttr(&s, "Name", n)
		writeAttr(&s, "SHA-256-Digest", digests[n])
		s.WriteString("\r\n")
		sections[i] = s.Bytes()
		m.Write(sections[i])
	}
	mf = m.Bytes()

	var s bytes.Buffer
	writeAttr(&s, "Signature-Version", "1.0")
	writeAttr(&s, "Created-By", createdBy)
	writeAttr(&s, "SHA-256-Digest-Manifest", b64sha256(mf))
	writeAttr(&s, "SHA-256-Digest-Manifest-Main-Attributes", b64sha256(mf[:mainLen]))
	var signed []string
	if v2 {
		signed = append(signed, "2")
	}
	if v3 {
		signed = append(signed, "3")
	}
	if len(signed) > 0 {
		writeAttr(&s, "X-Android-APK-Signed", strings.Join(signed, ", "))
	}
	s.WriteString("\r\n")
	for i, n := range names {
		writeAttr(&s, "Name", n)
		writeAttr(&s, "SHA-256-Digest", b64sha256(sections[i]))
		s.WriteString("\r\n")
	}
	return mf, s.Bytes()
}

// pkcs7Detached 对 CERT.SF 生成分离式 PKCS#7 签名
func pkcs7Detached(id *Identity, content []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, err
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.AddSigner(id.Certificate, id.Key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, err
	}
	sd.Detach()
	return sd.Finish()
}

func blockFileName(id *Identity) string {
	if _, ok := id.Key.Public().(*ecdsa.PublicKey); ok {
		return "META-INF/CERT.EC"
	}
	return "META-INF/CERT.RSA"
}

// signV1 复制全部条目并追加 JAR 签名文件
func signV1(ctx context.Context, id *Identity, in, out string, v2, v3 bool, align int) error {
	r, err := archive.Open(in)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := archive.Create(out, archive.WriterOptions{Align: align})
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			w.Abort()
		}
	}()

	digests := map[string]string{}
	var latest time.Time
	for _, e := range r.Entries() {
		if IsV1SignatureFile(e.Name) {
			continue
		}
		if err := w.Copy(e); err != nil {
			return err
		}
		if e.Modified.After(latest) {
			latest = e.Modified
		}
		if e.IsDir() {
			continue
		}
		data, err := e.ReadAll()
		if err != nil {
			return err
		}
		digests[e.Name] = b64sha256(data)
	}
	if len(digests) == 0 {
		return errors.New("archive has no entries to sign")
	}

	mf, sf := jarManifest(digests, v2, v3)
	sig, err := pkcs7Detached(id, sf)
	if err != nil {
		return fmt.Errorf("pkcs7: %w", err)
	}
	if latest.IsZero() {
		latest = time.Now()
	}
	err = w.AddAll(ctx, []archive.NewEntry{
		{Name: manifestName, Data: mf, Modified: latest, Method: zip.Deflate},
		{Name: sfName, Data: sf, Modified: latest, Method: zip.Deflate},
		{Name: blockFileName(id), Data: sig, Modified: latest, Method: zip.Deflate},
	})
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	ok = true
	return nil
}

// verifyV1 校验 JAR 签名：PKCS#7 覆盖 CERT.SF，CERT.SF 覆盖 MANIFEST.MF，MANIFEST.MF 覆盖每个条目
func verifyV1(r *archive.Reader) (bool, error) {
	mf, err := r.ReadAll(manifestName)
	if err != nil {
		return false, nil
	}
	sf, err := r.ReadAll(sfName)
	if err != nil {
		return false, fmt.Errorf("missing %s", sfName)
	}
	var sig []byte
	for _, name := range []string{"META-INF/CERT.RSA", "META-INF/CERT.EC"} {
		if b, err := r.ReadAll(name); err == nil {
			sig = b
			break
		}
	}
	if sig == nil {
		return false, errors.New("missing signature block file")
	}

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return false, fmt.Errorf("parse pkcs7: %w", err)
	}
	p7.Content = sf
	if err := p7.Verify(); err != nil {
		return false, fmt.Errorf("verify pkcs7: %w", err)
	}
	if !bytes.Contains(sf, []byte("SHA-256-Digest-Manifest: "+b64sha256(mf))) {
		return false, errors.New("CERT.SF does not match MANIFEST.MF")
	}

	for _, e := range r.Entries() {
		if e.IsDir() || IsV1SignatureFile(e.Name) {
			continue
		}
		data, err := e.ReadAll()
		if err != nil {
			return false, err
		}
		var want bytes.Buffer
		writeAttr(&want, "Name", e.Name)
		writeAttr(&want, "SHA-256-Digest", b64sha256(data))
		if !bytes.Contains(mf, want.Bytes()) {
			return false, fmt.Errorf("entry %s not covered by MANIFEST.MF", e.Name)
		}
	}
	return true, nil
}
