// Package validation provides input validation helpers for the decision API.
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
const MaxStringLength = 1024

var (
	// currencyRegex validates ISO 4217 alpha codes
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	// countryRegex validates ISO 3166-1 alpha-2 codes
	countryRegex = regexp.MustCompile(`^[A-Z]{2}$`)
	// tokenRegex validates opaque identifiers (card tokens, device ids):
	// URL-safe, no whitespace, bounded length
	tokenRegex = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidCurrency checks if a string is an ISO 4217 currency code.
func IsValidCurrency(s string) bool {
	return currencyRegex.MatchString(s)
}

// IsValidCountry checks if a string is an ISO 3166-1 alpha-2 country code.
func IsValidCountry(s string) bool {
	return countryRegex.MatchString(s)
}

// IsValidToken checks that an identifier is an opaque token we accept
// (card token, device id, account id, transaction id).
func IsValidToken(s string) bool {
	return tokenRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
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
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidToken checks that a non-empty field is an acceptable opaque identifier.
func ValidToken(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidToken(value) {
			return &ValidationError{Field: field, Message: "must be an identifier of 1-128 URL-safe characters"}
		}
		return nil
	}
}
