// Package validation provides input validation for the duel arena API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (256KB). Duel requests are
// tiny; anything larger is hostile or broken.
const MaxRequestSize = 256 << 10

// MaxActionSize bounds a single contest action payload.
const MaxActionSize = 32 << 10

// characterIDRegex validates character identifiers: a "chr_" prefix followed
// by 8-32 hex characters, as issued by the identity service.
var characterIDRegex = regexp.MustCompile(`^chr_[a-f0-9]{8,32}$`)

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCharacterID checks if a string is a well-formed character identifier.
func IsValidCharacterID(id string) bool {
	return characterIDRegex.MatchString(id)
}

// SanitizeString trims whitespace, strips null bytes, and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// FieldError describes a single invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is a collection of field errors.
type Errors []FieldError

func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return strings.Join(parts, "; ")
}

// Validate collects the non-nil results of the given checks.
func Validate(checks ...*FieldError) Errors {
	var errs Errors
	for _, c := range checks {
		if c != nil {
			errs = append(errs, *c)
		}
	}
	return errs
}

// ValidCharacterID returns a FieldError if the value is not a character ID.
func ValidCharacterID(field, value string) *FieldError {
	if !IsValidCharacterID(value) {
		return &FieldError{Field: field, Message: "must be a character id (chr_ followed by hex)"}
	}
	return nil
}

// ValidWager returns a FieldError if the amount is outside [0, max].
func ValidWager(field string, amount, max int64) *FieldError {
	if amount < 0 {
		return &FieldError{Field: field, Message: "must not be negative"}
	}
	if amount > max {
		return &FieldError{Field: field, Message: "exceeds the maximum wager"}
	}
	return nil
}
