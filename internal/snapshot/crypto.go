package snapshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scrypt parameters for payload key derivation (N=2^15, r=8, p=1).
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32

	// payloadSalt is a fixed application salt. The key must be derivable
	// from the passphrase alone on every device, so the salt cannot be
	// random per device.
	payloadSalt = "gistsync/payload/v1"

	// CipherName is the cipher identifier written into the wire envelope.
	CipherName = "aes-256-gcm"
)

// Cipher encrypts and decrypts snapshot payloads with AES-256-GCM under
// an scrypt-derived key. Format: [12-byte IV][ciphertext+GCM tag].
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher derives the payload key from the passphrase and builds the
// cipher. The passphrase is NFKC-normalized first so the same secret
// typed on different platforms derives the same key.
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty encryption passphrase")
	}

	normalized := norm.NFKC.String(passphrase)
	key, err := scrypt.Key([]byte(normalized), []byte(payloadSalt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	// The cipher retains its own key schedule; drop the raw key bytes.
	for i := range key {
		key[i] = 0
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Encrypt seals data with a random IV. Returns [IV][ciphertext+tag].
func (c *Cipher) Encrypt(data []byte) ([]byte, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating IV: %w", err)
	}

	ct := c.gcm.Seal(nil, iv, data, nil)
	out := make([]byte, len(iv)+len(ct))
	copy(out, iv)
	copy(out[len(iv):], ct)
	return out, nil
}

// Decrypt opens [IV][ciphertext+tag] payloads.
func (c *Cipher) Decrypt(data []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize+c.gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plain, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening ciphertext: %w", err)
	}
	return plain, nil
}
