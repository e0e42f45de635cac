package auth

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"pgregory.net/rapid"
)

var passwordAlphabet = []rune("aZ9!bY8@cX7#ë Ω_-+=~")

func TestValidateStrength_PropertyMatchesRules(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		validator := NewPasswordValidator()
		runes := rapid.SliceOfN(rapid.SampledFrom(passwordAlphabet), 0, 16).Draw(t, "runes")
		password := string(runes)

		var hasUpper, hasLower, hasNumber, hasSpecial bool
		for _, r := range runes {
			switch {
			case r == 'Z' || r == 'Y' || r == 'X':
				hasUpper = true
			case r == 'a' || r == 'b' || r == 'c':
				hasLower = true
			case r >= '0' && r <= '9':
				hasNumber = true
			case strings.ContainsRune(passwordSpecialChars, r):
				hasSpecial = true
			}
		}
		_, common := commonPasswords[password]
		want := utf8.RuneCountInString(password) >= MinPasswordLength &&
			hasUpper && hasLower && hasNumber && hasSpecial && !common

		err := validator.ValidateStrength(password)
		if want && err != nil {
			t.Fatalf("expected %q to be accepted, got %v", password, err)
		}
		if !want {
			var policyErr *PasswordPolicyError
			if !errors.As(err, &policyErr) {
				t.Fatalf("expected %q to be rejected with a policy error, got %v", password, err)
			}
		}
	})
}

func TestValidateStrength_WeakPasswords(t *testing.T) {
	validator := NewPasswordValidator()

	tests := []struct {
		name     string
		password string
		reason   string
	}{
		{"too short", "Ab1!xyz", "at least 8"},
		{"no uppercase", "abcdef1!", "uppercase"},
		{"no lowercase", "ABCDEF1!", "lowercase"},
		{"no digit", "Abcdefg!", "number"},
		{"no special", "Abcdefg1", "special"},
		{"special outside the set", "Abcdefg1_", "special"},
		{"deny-listed", "Password123!", "too common"},
		{"deny-listed admin", "Admin123!", "too common"},
		{"deny-listed digits", "12345678!A", "lowercase"},
		{"non-ASCII uppercase", "Éabcdefg1!", "uppercase"},
		{"non-ASCII lowercase", "ABCDEFGé1!", "lowercase"},
		{"non-ASCII digit", "Abcdefgh٣!", "number"},
		{"over bcrypt limit", "Aa1!" + strings.Repeat("x", 69), "at most 72 bytes"},
		{"multibyte over bcrypt limit", "Aa1!" + strings.Repeat("é", 35), "at most 72 bytes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateStrength(tt.password)
			if err == nil {
				t.Fatalf("expected %q to be rejected", tt.password)
			}
			if !strings.Contains(err.Error(), tt.reason) {
				t.Errorf("expected reason containing %q, got %q", tt.reason, err.Error())
			}
		})
	}
}

func TestValidateStrength_AcceptsStrongPassword(t *testing.T) {
	validator := NewPasswordValidator()
	for _, pw := range []string{"Str0ng!Pass", "Ünïcode9?Ok", "c0rrect{Horse}", "Aa1!" + strings.Repeat("x", 68)} {
		if err := validator.ValidateStrength(pw); err != nil {
			t.Errorf("expected %q to be accepted, got %v", pw, err)
		}
	}
}

func TestValidatePassword_ReportsEveryFailure(t *testing.T) {
	validator := NewPasswordValidator()
	errs := validator.ValidatePassword("")
	if len(errs) != 5 {
		t.Fatalf("expected 5 failures for empty password, got %d", len(errs))
	}
	for _, e := range errs {
		if e.Field != "password" {
			t.Errorf("unexpected field %q", e.Field)
		}
	}
}
