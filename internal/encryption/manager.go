package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"charity-auth-service/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// envelope is the stored form of an encrypted contact channel: the AES-GCM
// ciphertext plus the wrapped data key needed to open it.
type envelope struct {
	Ciphertext   string `json:"ct"`
	EncryptedDEK string `json:"dek"`
	Version      string `json:"v"`
}

// Manager encrypts contact channels at rest with envelope encryption. Data
// keys are wrapped by KMS when enabled, otherwise by a static local key from
// configuration (development only).
type Manager struct {
	kmsClient *kms.Client
	cfg       *config.Config
	keyCache  sync.Map // wrapped DEK -> plaintext DEK
}

type dataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	return &Manager{
		kmsClient: kmsClient,
		cfg:       cfg,
	}
}

// EncryptContact encrypts a phone number for storage. Returns the opaque
// stored blob and the key identifier used to wrap the data key.
func (m *Manager) EncryptContact(ctx context.Context, phone string) ([]byte, string, error) {
	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return nil, "", err
	}

	block, err := aes.NewCipher(dk.Plaintext)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(phone), nil)

	env := envelope{
		Ciphertext:   base64.StdEncoding.EncodeToString(sealed),
		EncryptedDEK: base64.StdEncoding.EncodeToString(dk.Ciphertext),
		Version:      "v1",
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	m.keyCache.Store(env.EncryptedDEK, dk.Plaintext)

	return blob, dk.KeyID, nil
}

// DecryptContact opens a blob produced by EncryptContact.
func (m *Manager) DecryptContact(ctx context.Context, blob []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}

	var plainDEK []byte
	if cached, ok := m.keyCache.Load(env.EncryptedDEK); ok {
		plainDEK = cached.([]byte)
	} else {
		var err error
		plainDEK, err = m.unwrapDataKey(ctx, env.EncryptedDEK)
		if err != nil {
			return "", err
		}
		m.keyCache.Store(env.EncryptedDEK, plainDEK)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(plainDEK)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !m.cfg.Encryption.KMSEnabled {
		return m.generateLocalDataKey()
	}

	result, err := m.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.cfg.Encryption.KMSKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      m.cfg.Encryption.KMSKeyID,
	}, nil
}

func (m *Manager) unwrapDataKey(ctx context.Context, encryptedDEK string) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(encryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	if !m.cfg.Encryption.KMSEnabled {
		return m.unwrapLocalDataKey(wrapped)
	}

	result, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: wrapped,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
	}
	return result.Plaintext, nil
}

// Local mode wraps data keys with a static AES key from config so blobs
// survive restarts even without KMS.
func (m *Manager) generateLocalDataKey() (*dataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	wrapped, err := m.localSeal(key)
	if err != nil {
		return nil, err
	}

	return &dataKey{
		Plaintext:  key,
		Ciphertext: wrapped,
		KeyID:      "local",
	}, nil
}

func (m *Manager) unwrapLocalDataKey(wrapped []byte) ([]byte, error) {
	localKey, err := m.localKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(localKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(wrapped) < nonceSize {
		return nil, fmt.Errorf("%w: wrapped DEK too short", ErrDecryptionFailed)
	}

	nonce, sealed := wrapped[:nonceSize], wrapped[nonceSize:]
	key, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return key, nil
}

func (m *Manager) localSeal(key []byte) ([]byte, error) {
	localKey, err := m.localKey()
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(localKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return gcm.Seal(nonce, nonce, key, nil), nil
}

func (m *Manager) localKey() ([]byte, error) {
	raw := m.cfg.Encryption.LocalKey
	if raw == "" {
		return nil, fmt.Errorf("%w: local encryption key not configured", ErrEncryptionFailed)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: local encryption key must be base64 of 32 bytes", ErrEncryptionFailed)
	}
	return key, nil
}

// ClearCache drops all cached plaintext data keys.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
}
