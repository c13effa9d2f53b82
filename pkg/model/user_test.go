package model

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "client10", nil},
		{"valid with underscore", "client1_duplicate", nil},
		{"valid with punctuation", "a.b@c-d", nil},
		{"valid unicode letter", "ñoño", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"long multibyte name", strings.Repeat("é", MaxUsernameLength/2), nil},
		{"multibyte over limit", strings.Repeat("é", MaxUsernameLength/2+1), ErrUsernameTooLong},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"tab character", "user\tname", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
		{"nul byte", "user\x00", ErrUsernameInvalidChars},
		{"invalid utf8", "user\xff", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
