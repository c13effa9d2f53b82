// Package model defines the domain rules shared by the relay's components.
package model

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// MaxUsernameLength is the size of the handshake read, in bytes. Any name
// that fits in it is admissible.
const MaxUsernameLength = 1024

var ErrUsernameEmpty = errors.New("username must not be empty")
var ErrUsernameTooLong = fmt.Errorf("username must not exceed %d bytes", MaxUsernameLength)
var ErrUsernameInvalidChars = errors.New("username must not contain whitespace or control characters")

// ValidateUsername checks that a username is a single protocol token:
// 1-1024 bytes of printable runes with no whitespace. The protocol splits on whitespace, so a
// name with a space could never be addressed as a recipient.
func ValidateUsername(name string) error {
	if len(name) == 0 {
		return ErrUsernameEmpty
	}
	if len(name) > MaxUsernameLength {
		return ErrUsernameTooLong
	}
	if !utf8.ValidString(name) {
		return ErrUsernameInvalidChars
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) || !unicode.IsPrint(r) {
			return ErrUsernameInvalidChars
		}
	}
	return nil
}
