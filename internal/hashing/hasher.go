package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"

	"admin-auth-service/internal/config"
	"admin-auth-service/internal/model"
	"admin-auth-service/internal/util"

	"golang.org/x/crypto/argon2"
)

const algorithmArgon2id = "argon2id-v1"

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible hash algorithm")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher hashes OTP codes with argon2id, a random salt and a versioned pepper.
// Peppers come from configuration so every instance sharing a store agrees on them.
type Hasher struct {
	params  Argon2Params
	peppers []string
}

func NewHasher(cfg *config.Config) (*Hasher, error) {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	peppers := cfg.Hashing.Peppers
	if len(peppers) == 0 {
		// Single-instance development only; config validation refuses this in production.
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate pepper: %w", err)
		}
		peppers = []string{base64.RawURLEncoding.EncodeToString(b)}
		util.Warn("OTP_PEPPERS not set, using an ephemeral pepper")
	}

	return NewHasherWithParams(params, peppers), nil
}

func NewHasherWithParams(params Argon2Params, peppers []string) *Hasher {
	return &Hasher{params: params, peppers: append([]string(nil), peppers...)}
}

// CurrentPepperVersion is the version new hashes are written with.
func (h *Hasher) CurrentPepperVersion() int {
	return len(h.peppers)
}

// HashOTP hashes a clear OTP code for storage.
func (h *Hasher) HashOTP(code string) (model.CodeHash, error) {
	version := h.CurrentPepperVersion()
	pepper := h.peppers[version-1]

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return model.CodeHash{}, fmt.Errorf("failed to generate salt: %w", err)
	}

	sum := h.derive(code, pepper, salt, h.params.KeyLength)

	return model.CodeHash{
		Hash:          base64.RawURLEncoding.EncodeToString(sum),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     algorithmArgon2id,
	}, nil
}

// VerifyOTP recomputes the hash of code and compares it in constant time.
func (h *Hasher) VerifyOTP(code string, stored model.CodeHash) (bool, error) {
	if stored.Algorithm != algorithmArgon2id {
		return false, ErrIncompatibleVersion
	}
	if stored.PepperVersion < 1 || stored.PepperVersion > len(h.peppers) {
		return false, ErrUnknownPepper
	}

	salt, err := base64.RawURLEncoding.DecodeString(stored.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expected, err := base64.RawURLEncoding.DecodeString(stored.Hash)
	if err != nil || len(expected) == 0 {
		return false, ErrInvalidHash
	}

	computed := h.derive(code, h.peppers[stored.PepperVersion-1], salt, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}

func (h *Hasher) derive(code, pepper string, salt []byte, keyLen uint32) []byte {
	// the "otp" suffix keeps these hashes from being reusable for any other purpose
	return argon2.IDKey([]byte(code+pepper+"otp"), salt, h.params.Iterations, h.params.Memory, h.params.Parallelism, keyLen)
}
