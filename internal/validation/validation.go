// Package validation provides request validation helpers for the settlement API.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/intentpay/internal/usdc"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// Field limits.
const (
	MaxIdentifierLength = 128
	MaxReasonLength     = 2000
)

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex        = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
	escrowIDRegex   = regexp.MustCompile(`^esc_[a-f0-9]{64}$`)
	txRefRegex      = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	// identifiers for intents and agents come from the marketplace
	identifierRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// IsValidEscrowID checks the derived escrow id format.
func IsValidEscrowID(id string) bool {
	return escrowIDRegex.MatchString(id)
}

// IsValidTxRef checks for a 0x-prefixed 32-byte transaction hash.
func IsValidTxRef(ref string) bool {
	return txRefRegex.MatchString(ref)
}

// SanitizeString trims whitespace, drops null bytes and limits length.
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

// Validate runs validators and collects their failures.
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

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidIdentifier checks marketplace ids (intent, agent).
func ValidIdentifier(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if len(value) > MaxIdentifierLength || !identifierRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 characters of [A-Za-z0-9_-:.]"}
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

// ValidAmount checks for a positive USDC amount with at most 6 decimals.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if strings.HasPrefix(value, ".") || strings.HasSuffix(value, ".") {
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		if _, frac, ok := strings.Cut(value, "."); ok && len(frac) > usdc.Decimals {
			return &ValidationError{Field: field, Message: "at most 6 decimal places"}
		}
		if _, err := usdc.ParsePositive(value); err != nil {
			if errors.Is(err, usdc.ErrNonPositive) {
				return &ValidationError{Field: field, Message: "amount must be greater than zero"}
			}
			return &ValidationError{Field: field, Message: "invalid amount format"}
		}
		return nil
	}
}

// ValidSignedTx checks that a field holds a hex-encoded raw transaction.
func ValidSignedTx(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidHex(value) || len(strings.TrimPrefix(value, "0x"))%2 != 0 {
			return &ValidationError{Field: field, Message: "must be a hex-encoded signed transaction"}
		}
		return nil
	}
}

// EscrowParamMiddleware rejects malformed :id params on escrow routes early.
func EscrowParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidEscrowID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_escrow_id",
				"message": "escrow id must be esc_ followed by 64 lowercase hex chars",
			})
			return
		}
		c.Next()
	}
}
