package kdf

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	KeySize  = 32
	SaltSize = 16
)

type (
	// Params are the Argon2id cost settings. They are stored next to the
	// salt so a key file stays readable after defaults change.
	Params struct {
		Time    uint32 `json:"time"`
		Memory  uint32 `json:"memory_kib"`
		Threads uint8  `json:"threads"`
	}
)

var DefaultParams = Params{Time: 3, Memory: 64 * 1024, Threads: 4}

// DeriveKey stretches a passphrase into a KeySize key with Argon2id.
func DeriveKey(passphrase, salt []byte, p Params) ([]byte, error) {
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", SaltSize)
	}
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		return nil, fmt.Errorf("invalid argon2id params %+v", p)
	}
	return argon2.IDKey(passphrase, salt, p.Time, p.Memory, p.Threads, KeySize), nil
}

func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("rand.Read salt: %w", err)
	}
	return salt, nil
}
