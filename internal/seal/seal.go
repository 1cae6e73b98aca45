// Package seal encrypts message bodies for storage and derives the
// sender fingerprint and display mask. Ciphertext layout is
// ciphertext || nonce || key_id, so historical rows stay readable
// after a key rotation.
package seal

import (
	"bufio"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // standard GCM nonce
)

// Sealer encrypts with the newest key in the ring and decrypts with
// whichever key the trailing key_id byte names.
type Sealer struct {
	keys    [][]byte
	current byte
}

// New builds a Sealer from a keyring. The last key is used for new
// ciphertext; earlier keys remain available for decryption only.
func New(keys [][]byte) (*Sealer, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keyring is empty")
	}
	if len(keys) > 256 {
		return nil, fmt.Errorf("keyring has %d keys, key_id is one byte", len(keys))
	}
	for i, k := range keys {
		if len(k) != keySize {
			return nil, fmt.Errorf("key %d must be %d bytes for AES-256, got %d", i, keySize, len(k))
		}
	}
	return &Sealer{keys: keys, current: byte(len(keys) - 1)}, nil
}

// Load reads the keyring file at path. One base64 key per line, newest
// last. The file must not be readable by group or others.
func Load(path string) (*Sealer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return nil, fmt.Errorf("key file %s has mode %04o, must not be readable by group or others", path, perm)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	var keys [][]byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, err := base64.StdEncoding.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("decode key %d: %w", len(keys), err)
		}
		keys = append(keys, k)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return New(keys)
}

// GenerateKeyFile creates a fresh single-key keyring at path with mode
// 0400. It refuses to overwrite an existing file.
func GenerateKeyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key file %s already exists", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o400); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Seal encrypts plaintext under the current key and returns
// ciphertext || nonce || key_id.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	gcm, err := s.aead(s.current)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, nil)
	blob := make([]byte, 0, len(ct)+nonceSize+1)
	blob = append(blob, ct...)
	blob = append(blob, nonce...)
	blob = append(blob, s.current)
	return blob, nil
}

// Open decrypts a blob produced by Seal, selecting the key named by
// the trailing key_id byte.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	// Trailing key_id, 12-byte nonce before it, and at least a GCM tag.
	if len(blob) < 1+nonceSize+16 {
		return nil, fmt.Errorf("ciphertext too short")
	}

	keyID := blob[len(blob)-1]
	if int(keyID) >= len(s.keys) {
		return nil, fmt.Errorf("unknown key_id %d", keyID)
	}
	nonce := blob[len(blob)-1-nonceSize : len(blob)-1]
	ct := blob[:len(blob)-1-nonceSize]

	gcm, err := s.aead(keyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// KeyID reports the key new ciphertext is sealed under.
func (s *Sealer) KeyID() byte { return s.current }

func (s *Sealer) aead(keyID byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.keys[keyID])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
