// Package auth hashes and verifies the API bearer token.
package auth

import (
	"crypto/subtle"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const BcryptCost = 12

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckToken(token, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}

// Verifier checks bearer tokens against one bcrypt hash. The last accepted
// token is remembered so repeated requests skip bcrypt.
type Verifier struct {
	hash string

	mu       sync.Mutex
	accepted []byte
}

func NewVerifier(hash string) *Verifier {
	return &Verifier{hash: hash}
}

// Enabled reports whether a hash is configured.
func (v *Verifier) Enabled() bool { return v.hash != "" }

func (v *Verifier) Check(token string) bool {
	if token == "" {
		return false
	}
	v.mu.Lock()
	cached := v.accepted
	v.mu.Unlock()
	if cached != nil && subtle.ConstantTimeCompare(cached, []byte(token)) == 1 {
		return true
	}
	if !CheckToken(token, v.hash) {
		return false
	}
	v.mu.Lock()
	v.accepted = []byte(token)
	v.mu.Unlock()
	return true
}
