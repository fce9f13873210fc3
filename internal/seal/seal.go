// Package seal provides the authenticated checkpoint payload codec:
// msgpack encoding, zstd compression, AES-256-GCM encryption, and an
// HMAC-SHA256 integrity digest over the sealed bytes.
//
// The encryption key is supplied out-of-band; this package never embeds
// or derives key material from anything but the caller-provided key.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// KeySize is the required AES-256 key length in bytes.
const KeySize = 32

var (
	ErrInvalidKey        = errors.New("seal: key must be 32 bytes")
	ErrDigestMismatch    = errors.New("seal: integrity digest mismatch")
	ErrCiphertextTooSmall = errors.New("seal: ciphertext shorter than nonce")
)

// Sealer seals and opens checkpoint payloads.
type Sealer struct {
	aead    cipher.AEAD
	hmacKey []byte
}

// New creates a Sealer from a 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	// 完整性摘要使用独立派生密钥，避免与加密密钥复用
	mac := sha256.Sum256(append([]byte("exnihilo-checkpoint-digest:"), key...))

	return &Sealer{aead: aead, hmacKey: mac[:]}, nil
}

// Seal encodes, compresses, and encrypts v. The returned digest is the
// hex HMAC-SHA256 of the sealed bytes and must be stored alongside them.
func (s *Sealer) Seal(v any) (payload []byte, digest string, err error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("seal: encode: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, "", fmt.Errorf("seal: compressor: %w", err)
	}
	compressed := encoder.EncodeAll(data, nil)
	encoder.Close()

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("seal: nonce: %w", err)
	}

	payload = s.aead.Seal(nonce, nonce, compressed, nil)
	return payload, s.Digest(payload), nil
}

// Open verifies the digest, decrypts, decompresses, and decodes into v.
// A digest or authentication failure is reported, never silently trusted.
func (s *Sealer) Open(payload []byte, digest string, v any) error {
	if s.Digest(payload) != digest {
		return ErrDigestMismatch
	}

	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return ErrCiphertextTooSmall
	}
	nonce, ciphertext := payload[:nonceSize], payload[nonceSize:]

	compressed, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("seal: decrypt: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("seal: decompressor: %w", err)
	}
	defer decoder.Close()
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("seal: decompress: %w", err)
	}

	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("seal: decode: %w", err)
	}
	return nil
}

// Digest returns the hex HMAC-SHA256 of payload under the derived key.
func (s *Sealer) Digest(payload []byte) string {
	mac := hmac.New(sha256.New, s.hmacKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
