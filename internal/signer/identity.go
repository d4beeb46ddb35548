package signer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-protector/apk-protector-go/internal/domain"
)

const (
	devCertFile = "dev.crt"
	devKeyFile  = "dev.key"

	devKeyBits     = 2048
	devCertSubject = "APK Protector Development"
	devCertYears   = 30
)

// Identity 签名身份
type Identity struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
}

// GenerateIdentity 生成 RSA-2048 自签名证书
func GenerateIdentity(commonName string, now time.Time) (*Identity, error) {
	key, err := rsa.GenerateKey(rand.Reader, devKeyBits)
	if err != nil {
		return nil, domain.SigningError("generate signing key", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, domain.SigningError("generate serial", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"APK Protector"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(devCertYears, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, domain.SigningError("create certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, domain.SigningError("parse certificate", err)
	}
	return &Identity{Key: key, Certificate: cert}, nil
}

// LoadIdentity 从 PEM 文件加载证书与私钥，私钥支持 PKCS#8/PKCS#1/EC 及口令加密格式
func LoadIdentity(certPath, keyPath string, passphrase []byte) (*Identity, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, domain.SigningError("read certificate", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, domain.SigningError("read private key", err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, domain.SigningError("parse certificate", fmt.Errorf("%s: no CERTIFICATE block", certPath))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, domain.SigningError("parse certificate", err)
	}

	key, err := parsePrivateKey(keyPEM, passphrase)
	if err != nil {
		return nil, domain.SigningError("parse private key", fmt.Errorf("%s: %w", keyPath, err))
	}
	if !publicKeysEqual(key.Public(), cert.PublicKey) {
		return nil, domain.SigningError("load identity", errors.New("private key does not match certificate"))
	}
	return &Identity{Key: key, Certificate: cert}, nil
}

// KeyEncrypted 私钥文件是否为口令加密格式
func KeyEncrypted(keyPath string) (bool, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return false, domain.SigningError("read private key", err)
	}
	block, _ := pem.Decode(data)
	return block != nil && block.Type == encryptedKeyType, nil
}

func parsePrivateKey(data []byte, passphrase []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block")
	}

	var (
		parsed interface{}
		err    error
	)
	switch block.Type {
	case encryptedKeyType:
		var der []byte
		der, err = decryptKeyPEM(block, passphrase)
		if err != nil {
			return nil, err
		}
		parsed, err = x509.ParsePKCS8PrivateKey(der)
	case "PRIVATE KEY":
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		parsed, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		parsed, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM type %q", block.Type)
	}
	if err != nil {
		return nil, err
	}

	switch k := parsed.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", parsed)
	}
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	ea, ok := a.(equaler)
	return ok && ea.Equal(b)
}

// SaveIdentity 写入 PEM，私钥权限 0600，passphrase 非空时加密私钥
func SaveIdentity(id *Identity, certPath, keyPath string, passphrase []byte) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.Key)
	if err != nil {
		return domain.SigningError("marshal private key", err)
	}

	var keyPEM []byte
	if len(passphrase) > 0 {
		keyPEM, err = encryptKeyPEM(der, passphrase, defaultKeyEncryption)
		if err != nil {
			return domain.SigningError("encrypt private key", err)
		}
	} else {
		keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: id.Certificate.Raw})

	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return domain.SigningError("write private key", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return domain.SigningError("write certificate", err)
	}
	return nil
}

// LoadOrCreateDevIdentity 本地开发证书：首次生成并持久化，之后每次复用同一身份
// 已存在但无法解析的证书不会被覆盖，直接返回 SigningError
func LoadOrCreateDevIdentity(dir string, passphrase []byte, logger *logrus.Logger) (*Identity, error) {
	certPath := filepath.Join(dir, devCertFile)
	keyPath := filepath.Join(dir, devKeyFile)

	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	switch {
	case certErr == nil && keyErr == nil:
		return LoadIdentity(certPath, keyPath, passphrase)
	case certErr == nil || keyErr == nil:
		return nil, domain.SigningError("load dev identity", fmt.Errorf("incomplete identity in %s: need both %s and %s", dir, devCertFile, devKeyFile))
	case !os.IsNotExist(certErr):
		return nil, domain.SigningError("load dev identity", certErr)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, domain.SigningError("create dev identity dir", err)
	}
	id, err := GenerateIdentity(devCertSubject, time.Now())
	if err != nil {
		return nil, err
	}
	if err := SaveIdentity(id, certPath, keyPath, passphrase); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"dir":    dir,
			"serial": id.Certificate.SerialNumber.Text(16),
		}).Info("Generated development signing identity")
	}
	return id, nil
}
