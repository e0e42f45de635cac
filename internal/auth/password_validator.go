package auth

import (
	"strings"
	"unicode/utf8"
)

// MinPasswordLength is the minimum required password length in characters
const MinPasswordLength = 8

// MaxPasswordBytes is bcrypt's input limit; longer passwords cannot be hashed
const MaxPasswordBytes = 72

// passwordSpecialChars is the closed set that satisfies the special-character rule
const passwordSpecialChars = `!@#$%^&*(),.?":{}|<>`

// commonPasswords are rejected by exact match even though they pass every rule
var commonPasswords = map[string]struct{}{
	"Password123!": {},
	"Admin123!":    {},
	"12345678!A":   {},
}

// PasswordValidationError represents a specific password validation failure
type PasswordValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// PasswordPolicyError is the first rule a password failed.
type PasswordPolicyError struct {
	Reason string
}

func (e *PasswordPolicyError) Error() string {
	return e.Reason
}

// PasswordValidator checks password strength. It is stateless.
type PasswordValidator struct{}

// NewPasswordValidator creates a new PasswordValidator instance
func NewPasswordValidator() *PasswordValidator {
	return &PasswordValidator{}
}

// ValidateStrength returns nil for an acceptable password and a
// *PasswordPolicyError naming the first failed rule otherwise.
func (v *PasswordValidator) ValidateStrength(password string) error {
	failures := v.ValidatePassword(password)
	if len(failures) == 0 {
		return nil
	}
	return &PasswordPolicyError{Reason: failures[0].Message}
}

// ValidatePassword checks a password against every rule and returns all failures.
// The result is empty if the password is acceptable.
func (v *PasswordValidator) ValidatePassword(password string) []PasswordValidationError {
	var errs []PasswordValidationError
	fail := func(msg string) {
		errs = append(errs, PasswordValidationError{Field: "password", Message: msg})
	}

	if utf8.RuneCountInString(password) < MinPasswordLength {
		fail("Password must be at least 8 characters long")
	}
	if len(password) > MaxPasswordBytes {
		fail("Password must be at most 72 bytes long")
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, char := range password {
		switch {
		case char >= 'A' && char <= 'Z':
			hasUpper = true
		case char >= 'a' && char <= 'z':
			hasLower = true
		case char >= '0' && char <= '9':
			hasNumber = true
		case strings.ContainsRune(passwordSpecialChars, char):
			hasSpecial = true
		}
	}

	if !hasUpper {
		fail("Password must contain at least one uppercase letter")
	}
	if !hasLower {
		fail("Password must contain at least one lowercase letter")
	}
	if !hasNumber {
		fail("Password must contain at least one number")
	}
	if !hasSpecial {
		fail("Password must contain at least one special character (" + passwordSpecialChars + ")")
	}

	if len(errs) == 0 {
		if _, common := commonPasswords[password]; common {
			fail("Password is too common")
		}
	}

	return errs
}
