// Package validation rejects malformed input before any side effect.
package validation

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/viralloop/internal/audit"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 10000

// MaxIDLength bounds content, user, variant and referral identifiers.
const MaxIDLength = 128

// MaxDelta bounds the magnitude of a single engagement delta.
const MaxDelta = 1_000_000

var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_:.\-]*$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidID reports whether s is a usable identifier.
func IsValidID(s string) bool {
	return len(s) <= MaxIDLength && idRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.ReplaceAll(s, "\x00", "")
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Err returns errs as an error, or nil when there are none.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return e
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidID checks a non-empty identifier field.
func ValidID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		if !IsValidID(value) {
			return &ValidationError{Field: field, Message: "must be an identifier of letters, digits, '_', '-', ':' or '.'"}
		}
		return nil
	}
}

// OptionalID checks an identifier field that may be empty.
func OptionalID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		return ValidID(field, value)()
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// ValidMetric checks the engagement metric name.
func ValidMetric(field string, m audit.Metric) func() *ValidationError {
	return func() *ValidationError {
		if !m.Valid() {
			return &ValidationError{Field: field, Message: fmt.Sprintf("unknown metric %q", m)}
		}
		return nil
	}
}

// ValidStatus checks the verification status name.
func ValidStatus(field string, s audit.Status) func() *ValidationError {
	return func() *ValidationError {
		if !s.Valid() {
			return &ValidationError{Field: field, Message: fmt.Sprintf("unknown verification status %q", s)}
		}
		return nil
	}
}

// ValidDelta checks that an engagement delta is non-zero and bounded.
func ValidDelta(field string, delta int64) func() *ValidationError {
	return func() *ValidationError {
		if delta == 0 {
			return &ValidationError{Field: field, Message: "must be non-zero"}
		}
		if delta > MaxDelta || delta < -MaxDelta {
			return &ValidationError{Field: field, Message: fmt.Sprintf("magnitude exceeds %d", MaxDelta)}
		}
		return nil
	}
}

// InRange checks min <= value <= max.
func InRange(field string, value, min, max int) func() *ValidationError {
	return func() *ValidationError {
		if value < min || value > max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be between %d and %d", min, max)}
		}
		return nil
	}
}

// NonNegative checks value >= 0.
func NonNegative(field string, value int64) func() *ValidationError {
	return func() *ValidationError {
		if value < 0 {
			return &ValidationError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// IDParamMiddleware rejects malformed path identifiers early.
func IDParamMiddleware(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param(param); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_id",
				"message": param + " must be a valid identifier",
			})
			return
		}
		c.Next()
	}
}
