// Package validation provides input validation middleware for the Gavel API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// principalRegex validates principal names: lowercase alphanumeric
	// with separators, 1 to 64 chars.
	principalRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
	// refRegex validates ledger references and resource ids
	refRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidPrincipal checks if a string is a well-formed principal name
func IsValidPrincipal(name string) bool {
	return principalRegex.MatchString(name)
}

// IsValidRef checks if a string is a well-formed ledger reference or resource id
func IsValidRef(s string) bool {
	return refRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizePrincipal normalizes a principal name
func SanitizePrincipal(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
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

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidPrincipal checks if a field is a well-formed principal name
func ValidPrincipal(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidPrincipal(value) {
			return &ValidationError{Field: field, Message: "must be a valid principal name"}
		}
		return nil
	}
}

// ValidRef checks if a field is a well-formed reference
func ValidRef(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidRef(value) {
			return &ValidationError{Field: field, Message: "must be a valid reference"}
		}
		return nil
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

// PrincipalParamMiddleware validates the :principal URL parameter on routes
// that use it. Apply to route groups to reject malformed names early.
func PrincipalParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("principal")
		if name != "" && !IsValidPrincipal(strings.ToLower(name)) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_principal",
				"message": "principal must be lowercase alphanumeric with ._- separators",
			})
			return
		}
		c.Next()
	}
}

// ValidAmount checks if a value is a well-formed positive decimal amount
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		// Should be a positive decimal number with at most one decimal point
		decimalCount := 0
		hasNonZero := false
		for i, c := range value {
			if c == '.' {
				decimalCount++
				if decimalCount > 1 {
					return &ValidationError{Field: field, Message: "invalid amount format"}
				}
				if i == 0 || i == len(value)-1 {
					return &ValidationError{Field: field, Message: "invalid amount format"}
				}
				continue
			}
			if c < '0' || c > '9' {
				return &ValidationError{Field: field, Message: "invalid amount format"}
			}
			if c != '0' {
				hasNonZero = true
			}
		}
		if !hasNonZero {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
