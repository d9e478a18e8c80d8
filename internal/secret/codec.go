// Package secret 按用户加解密发件箱凭据
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrMasterKeyTooShort = errors.New("secret: master key must be at least 32 bytes")
	ErrMalformed         = errors.New("secret: malformed ciphertext")
)

const keyInfoPrefix = "bulkmail/outbox-secret/"

// Codec 凭据加解密器
//
// 每个用户的密钥由主密钥经 HKDF-SHA256 派生，密文格式为 base64(nonce || ciphertext)
type Codec struct {
	master []byte
}

// NewCodec 创建加解密器
func NewCodec(masterKey string) (*Codec, error) {
	if len(masterKey) < 32 {
		return nil, ErrMasterKeyTooShort
	}
	return &Codec{master: []byte(masterKey)}, nil
}

// Encrypt 加密，空串原样返回
func (c *Codec) Encrypt(ownerID int64, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead, err := c.aead(ownerID)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密，空串原样返回
func (c *Codec) Decrypt(ownerID int64, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformed
	}

	aead, err := c.aead(ownerID)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrMalformed
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// aead 派生用户密钥
func (c *Codec) aead(ownerID int64) (cipher.AEAD, error) {
	info := []byte(keyInfoPrefix + strconv.FormatInt(ownerID, 10))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
