package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"charity-auth-service/internal/config"
	"charity-auth-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrUnknownPepper = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type Pepper struct {
	Value     string
	CreatedAt time.Time
	Version   int
}

// Hasher hashes OTP codes at rest with peppered Argon2id. Codes are short and
// low-entropy, so the stored form must never be the raw digits.
type Hasher struct {
	params        Argon2Params
	currentPepper *Pepper
	oldPeppers    []*Pepper
	mu            sync.RWMutex
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  32,
		KeyLength:   32,
	}

	h := &Hasher{params: params}
	h.loadPeppers(cfg)
	return h
}

// loadPeppers sources the pepper from configuration so every instance, and
// every restart, resolves a stored pepper version to the same secret. A
// process-local random pepper is only a fallback for environments with no
// pepper configured; challenges hashed under it die with the process.
func (h *Hasher) loadPeppers(cfg *config.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cfg.Hashing.Pepper != "" {
		version := cfg.Hashing.PepperVersion
		h.currentPepper = &Pepper{
			Value:     cfg.Hashing.Pepper,
			CreatedAt: time.Now(),
			Version:   version,
		}
		// The previous pepper stays resolvable during a rotation window so
		// in-flight challenges verify under their recorded version.
		if cfg.Hashing.PepperPrevious != "" {
			h.oldPeppers = append(h.oldPeppers, &Pepper{
				Value:   cfg.Hashing.PepperPrevious,
				Version: version - 1,
			})
		}
		util.Info("OTP pepper loaded from configuration",
			zap.Int("version", version),
		)
		return
	}

	if cfg.IsProduction() {
		util.Fatal("OTP pepper must be configured in production")
	}

	pepperBytes := make([]byte, 32)
	if _, err := rand.Read(pepperBytes); err != nil {
		util.Fatal("Failed to generate pepper", zap.Error(err))
	}

	h.currentPepper = &Pepper{
		Value:     base64.RawURLEncoding.EncodeToString(pepperBytes),
		CreatedAt: time.Now(),
		Version:   1,
	}

	util.Warn("OTP pepper not configured, using a process-local pepper; codes will not verify across restarts")
}

// HashOTP hashes a one-time code for storage.
func (h *Hasher) HashOTP(code string) (*HashResult, error) {
	h.mu.RLock()
	pepper := h.currentPepper
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Context suffix prevents hash reuse between purposes.
	contextualData := code + pepper.Value + "otp"

	hash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: pepper.Version,
		Algorithm:     "argon2id-v1",
	}, nil
}

// VerifyOTP compares a submitted code against a stored hash in constant time.
func (h *Hasher) VerifyOTP(code string, stored *HashResult) (bool, error) {
	pepper, err := h.getPepper(stored.PepperVersion)
	if err != nil {
		return false, err
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expectedHash, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	contextualData := code + pepper + "otp"

	computedHash := argon2.IDKey(
		[]byte(contextualData),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

func (h *Hasher) getPepper(version int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.currentPepper != nil && h.currentPepper.Version == version {
		return h.currentPepper.Value, nil
	}
	for _, p := range h.oldPeppers {
		if p.Version == version {
			return p.Value, nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownPepper, version)
}
