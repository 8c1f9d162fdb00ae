// Package auth hashes and checks the passcodes hosts use to claim an event.
package auth

import (
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
)

const (
	minPasscodeLen = 6
	// bcrypt ignores input past 72 bytes.
	maxPasscodeBytes = 72
)

var (
	ErrPasscodeTooShort = errors.New("passcode must be at least 6 characters")
	ErrPasscodeTooLong  = errors.New("passcode must be at most 72 bytes")
	ErrPasscodeBlank    = errors.New("passcode must not contain whitespace")
)

// HashPasscode returns a bcrypt hash of the passcode.
func HashPasscode(passcode string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passcode), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPasscode reports whether passcode matches the stored hash.
func CheckPasscode(passcode, hash string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passcode)) == nil
}

// ValidatePasscode enforces the host passcode policy. Passcodes are read out
// loud to co-hosts, so only length and whitespace are checked.
func ValidatePasscode(passcode string) error {
	if utf8.RuneCountInString(passcode) < minPasscodeLen {
		return ErrPasscodeTooShort
	}
	if len(passcode) > maxPasscodeBytes {
		return ErrPasscodeTooLong
	}
	if strings.IndexFunc(passcode, unicode.IsSpace) >= 0 {
		return ErrPasscodeBlank
	}
	return nil
}
