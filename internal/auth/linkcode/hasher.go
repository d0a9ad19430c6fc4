package linkcode

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var errCodeFormat = errors.New("linkcode: code must be 6 digits")

// hashCode hashes a plaintext code using bcrypt.
func hashCode(code string, cost int) (string, error) {
	if !validFormat(code) {
		return "", errCodeFormat
	}

	bytes, err := bcrypt.GenerateFromPassword([]byte(code), cost)
	if err != nil {
		return "", err
	}

	return string(bytes), nil
}

// verifyCode compares a plaintext code with the stored hash.
func verifyCode(hash string, code string) error {
	return bcrypt.CompareHashAndPassword(
		[]byte(hash),
		[]byte(code),
	)
}

func validFormat(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
