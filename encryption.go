package driftsync

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// encryptionNonceSize is the nonce size for AES-GCM.
	encryptionNonceSize = 12
	// encryptionSaltSize is the salt size for key derivation.
	encryptionSaltSize = 32
	// encryptionKeySize is the AES-256 key size.
	encryptionKeySize = 32
	// pbkdf2Iterations is the number of iterations for key derivation.
	pbkdf2Iterations = 100000
)

// EncryptionConfig configures snapshot encryption at rest.
type EncryptionConfig struct {
	// Enabled turns on encryption for queue snapshots.
	Enabled bool `yaml:"enabled"`

	// Key is the encryption key (must be 32 bytes for AES-256). If empty,
	// Password is used to derive a key. DO NOT commit keys to source control.
	Key []byte `yaml:"-"`

	// Password derives the encryption key via PBKDF2 when Key is unset.
	Password string `yaml:"password"`
}

// encryptor seals and opens snapshot payloads with AES-256-GCM. The key
// derivation salt travels with each sealed payload so snapshots written with
// a password survive process restarts.
type encryptor struct {
	config EncryptionConfig
}

// newEncryptor validates the configuration. Returns nil when disabled.
func newEncryptor(cfg EncryptionConfig) (*encryptor, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Key) > 0 && len(cfg.Key) != encryptionKeySize {
		return nil, errors.New("encryption key must be 32 bytes for AES-256")
	}
	if len(cfg.Key) == 0 && cfg.Password == "" {
		return nil, errors.New("encryption enabled but no key or password provided")
	}
	return &encryptor{config: cfg}, nil
}

func (e *encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := e.config.Key
	if len(key) == 0 {
		key = pbkdf2.Key([]byte(e.config.Password), salt, pbkdf2Iterations, encryptionKeySize, sha256.New)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// seal returns salt || nonce || ciphertext.
func (e *encryptor) seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, encryptionSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, encryptionNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, encryptionSaltSize+encryptionNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, nil), nil
}

// open decrypts a payload produced by seal.
func (e *encryptor) open(sealed []byte) ([]byte, error) {
	if len(sealed) < encryptionSaltSize+encryptionNonceSize {
		return nil, errors.New("sealed snapshot too short")
	}
	salt := sealed[:encryptionSaltSize]
	nonce := sealed[encryptionSaltSize : encryptionSaltSize+encryptionNonceSize]
	ciphertext := sealed[encryptionSaltSize+encryptionNonceSize:]

	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}
