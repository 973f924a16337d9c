package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPasskeyEmpty    = errors.New("passkey is empty")
	ErrPasskeyMismatch = errors.New("passkey mismatch")
)

// Passkey is the shared secret a manager must present to the supervisor.
// Only the bcrypt hash is kept in memory.
type Passkey struct {
	hash []byte
}

// NewPasskey hashes plaintext with the given bcrypt cost. A cost of zero
// selects bcrypt.DefaultCost.
func NewPasskey(plaintext string, cost int) (*Passkey, error) {
	if plaintext == "" {
		return nil, ErrPasskeyEmpty
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), cost)
	if err != nil {
		return nil, fmt.Errorf("hash passkey: %w", err)
	}
	return &Passkey{hash: hash}, nil
}

// PasskeyFromHash wraps an existing bcrypt hash.
func PasskeyFromHash(hash string) (*Passkey, error) {
	if hash == "" {
		return nil, ErrPasskeyEmpty
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid passkey hash: %w", err)
	}
	return &Passkey{hash: []byte(hash)}, nil
}

// Verify compares candidate against the stored hash.
func (p *Passkey) Verify(candidate string) error {
	if p == nil || len(p.hash) == 0 {
		return ErrPasskeyEmpty
	}
	if err := bcrypt.CompareHashAndPassword(p.hash, []byte(candidate)); err != nil {
		return ErrPasskeyMismatch
	}
	return nil
}

// Hash returns the encoded bcrypt hash.
func (p *Passkey) Hash() string {
	return string(p.hash)
}
