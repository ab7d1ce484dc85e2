// Package rand produces random values used as defaults for generated
// columns: login names and initial passwords.
package rand

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	DefaultPasswordLength = 16
	MinPasswordLength     = 8

	passwordCharset = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789-_.!@#%+="
)

// GeneratePassword returns a password of the given length drawn from
// crypto/rand. Ambiguous characters such as 0/O and 1/l are left out.
func GeneratePassword(length int) (string, error) {
	if length < MinPasswordLength {
		return "", fmt.Errorf("password length %d is below %d", length, MinPasswordLength)
	}
	limit := big.NewInt(int64(len(passwordCharset)))
	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b[i] = passwordCharset[n.Int64()]
	}
	return string(b), nil
}

// NewPassword returns a password of DefaultPasswordLength. It panics only
// when the system random source fails.
func NewPassword() string {
	p, err := GeneratePassword(DefaultPasswordLength)
	if err != nil {
		panic(err)
	}
	return p
}
