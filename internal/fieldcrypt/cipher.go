package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrIntegrity is returned when a ciphertext is malformed, was tampered with,
// or was produced under a key this cipher does not hold.
var ErrIntegrity = errors.New("ciphertext failed integrity check")

const formatVersion = "v1"

// Cipher encrypts and decrypts short sensitive fields with AES-256-GCM.
// Ciphertexts carry a format version and key id (v1.<keyID>.<payload>) so a
// future key rotation can register the retired key for decryption only.
type Cipher struct {
	activeID uint8
	aeads    map[uint8]cipher.AEAD
}

func New(secret string) (*Cipher, error) {
	return NewWithActiveKey(1, secret)
}

func NewWithActiveKey(id uint8, secret string) (*Cipher, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("empty encryption key")
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return nil, err
	}

	return &Cipher{
		activeID: id,
		aeads:    map[uint8]cipher.AEAD{id: aead},
	}, nil
}

// AddDecryptKey registers a retired key so records written before a rotation
// stay readable. New ciphertexts always use the active key.
func (c *Cipher) AddDecryptKey(id uint8, secret string) error {
	if id == c.activeID {
		return fmt.Errorf("key id %d is the active key", id)
	}

	aead, err := newAEAD(secret)
	if err != nil {
		return err
	}

	c.aeads[id] = aead
	return nil
}

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("empty plaintext")
	}

	aead := c.aeads[c.activeID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)

	return fmt.Sprintf("%s.%d.%s", formatVersion, c.activeID, base64.RawURLEncoding.EncodeToString(sealed)), nil
}

func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", errors.New("empty ciphertext")
	}

	parts := strings.SplitN(ciphertext, ".", 3)
	if len(parts) != 3 || parts[0] != formatVersion {
		return "", ErrIntegrity
	}

	keyID, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return "", ErrIntegrity
	}

	aead, ok := c.aeads[uint8(keyID)]
	if !ok {
		return "", ErrIntegrity
	}

	raw, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return "", ErrIntegrity
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrIntegrity
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrIntegrity
	}

	return string(plain), nil
}

func newAEAD(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aes cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return aead, nil
}
