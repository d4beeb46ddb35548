package signer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/crypto/argon2"
)

const encryptedKeyType = "ENCRYPTED PRIVATE KEY"

// keyEncryptionParams Argon2id 参数，写入 PEM 头部以便解密时还原
type keyEncryptionParams struct {
	Time      uint32
	Memory    uint32 // KB
	Threads   uint8
	KeyLength uint32
}

var defaultKeyEncryption = keyEncryptionParams{
	Time:      3,
	Memory:    64 * 1024,
	Threads:   2,
	KeyLength: 32,
}

// encryptKeyPEM 用 Argon2id 派生密钥，AES-GCM 加密 PKCS#8 私钥
func encryptKeyPEM(pkcs8 []byte, passphrase []byte, params keyEncryptionParams) ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	key := argon2.IDKey(passphrase, salt, params.Time, params.Memory, params.Threads, params.KeyLength)

	aead, err := newKeyAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	block := &pem.Block{
		Type: encryptedKeyType,
		Headers: map[string]string{
			"CipherSuite":        "AES-GCM",
			"Argon2id.Time":      strconv.FormatUint(uint64(params.Time), 10),
			"Argon2id.Memory":    strconv.FormatUint(uint64(params.Memory), 10),
			"Argon2id.Threads":   strconv.FormatUint(uint64(params.Threads), 10),
			"Argon2id.KeyLength": strconv.FormatUint(uint64(params.KeyLength), 10),
			"Argon2id.Salt":      hex.EncodeToString(salt),
		},
		Bytes: append(nonce, aead.Seal(nil, nonce, pkcs8, nil)...),
	}
	return pem.EncodeToMemory(block), nil
}

// decryptKeyPEM 还原 PKCS#8 私钥字节
func decryptKeyPEM(block *pem.Block, passphrase []byte) ([]byte, error) {
	if block.Type != encryptedKeyType {
		return nil, fmt.Errorf("unexpected PEM type: %s", block.Type)
	}
	if len(passphrase) == 0 {
		return nil, errors.New("private key is encrypted but no passphrase configured")
	}
	if cs := block.Headers["CipherSuite"]; cs != "AES-GCM" {
		return nil, fmt.Errorf("unsupported cipher suite %q", cs)
	}

	parse := func(name string, bits int) (uint64, error) {
		v, ok := block.Headers[name]
		if !ok {
			return 0, fmt.Errorf("missing %s header", name)
		}
		n, err := strconv.ParseUint(v, 10, bits)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", name, err)
		}
		return n, nil
	}
	t, err := parse("Argon2id.Time", 32)
	if err != nil {
		return nil, err
	}
	mem, err := parse("Argon2id.Memory", 32)
	if err != nil {
		return nil, err
	}
	threads, err := parse("Argon2id.Threads", 8)
	if err != nil {
		return nil, err
	}
	keyLen, err := parse("Argon2id.KeyLength", 32)
	if err != nil {
		return nil, err
	}
	salt, err := hex.DecodeString(block.Headers["Argon2id.Salt"])
	if err != nil || len(salt) == 0 {
		return nil, errors.New("invalid Argon2id.Salt")
	}

	key := argon2.IDKey(passphrase, salt, uint32(t), uint32(mem), uint8(threads), uint32(keyLen))
	aead, err := newKeyAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(block.Bytes) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ct := block.Bytes[:aead.NonceSize()], block.Bytes[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key (wrong passphrase?): %w", err)
	}
	return plain, nil
}

func newKeyAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}
