package auth

import (
	"strings"
	"testing"
)

func TestHashPasscodeAndCheckPasscode(t *testing.T) {
	hash, err := HashPasscode("shiloh7")
	if err != nil {
		t.Fatalf("hash passcode: %v", err)
	}
	if hash == "" || hash == "shiloh7" {
		t.Fatalf("expected an opaque hash, got %q", hash)
	}
	if !CheckPasscode("shiloh7", hash) {
		t.Fatalf("expected passcode check to pass")
	}
	if CheckPasscode("shiloh8", hash) {
		t.Fatalf("expected passcode check to fail")
	}
	if CheckPasscode("shiloh7", "") {
		t.Fatalf("expected empty hash to fail")
	}
}

func TestValidatePasscode(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"bethel", nil},
		{"béthel", nil},
		{"short", ErrPasscodeTooShort},
		{"two words", ErrPasscodeBlank},
		{strings.Repeat("a", 73), ErrPasscodeTooLong},
	}
	for _, tc := range tests {
		if got := ValidatePasscode(tc.in); got != tc.want {
			t.Fatalf("ValidatePasscode(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
