// Package validation checks request fields before they reach the
// transaction state machine. Rules are collected so a client sees every
// bad field at once.
package validation

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/usdc"
)

// MaxRequestSize caps request bodies. Evidence is the largest field a
// client sends.
const MaxRequestSize = 64 << 10

// FieldError is one failed rule.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors is every failed rule of a request, in rule order.
type Errors []FieldError

func (e Errors) Error() string {
	switch len(e) {
	case 0:
		return "validation failed"
	case 1:
		return e[0].Field + ": " + e[0].Message
	default:
		return fmt.Sprintf("%s: %s (and %d more)", e[0].Field, e[0].Message, len(e)-1)
	}
}

// Rule checks one field; nil means it passed.
type Rule func() *FieldError

func fail(field, format string, args ...interface{}) *FieldError {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate runs every rule and collects the failures.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// IsValidEthAddress requires the 0x prefix and 20 bytes of hex.
func IsValidEthAddress(addr string) bool {
	return strings.HasPrefix(addr, "0x") && common.IsHexAddress(addr)
}

// IsValidTxHash requires the 0x prefix and 32 bytes of hex.
func IsValidTxHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}

// SanitizeString trims, drops null bytes and truncates to maxLen.
func SanitizeString(s string, maxLen int) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// Required rejects blank values.
func Required(field, value string) Rule {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return fail(field, "is required")
		}
		return nil
	}
}

// ValidAddress checks an optional address field.
func ValidAddress(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidEthAddress(value) {
			return fail(field, "must be a valid Ethereum address (0x...)")
		}
		return nil
	}
}

// ValidTxHash checks an optional transfer hash field.
func ValidTxHash(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidTxHash(value) {
			return fail(field, "must be a 0x-prefixed 32-byte hex hash")
		}
		return nil
	}
}

// MaxLength rejects values longer than max bytes.
func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return fail(field, "exceeds maximum length of %d", max)
		}
		return nil
	}
}

// OneOf checks an optional field against a closed set of values.
func OneOf(field, value string, allowed ...string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return fail(field, "must be one of %s", strings.Join(allowed, ", "))
	}
}

// IntRange checks an optional integer field; zero means unset.
func IntRange(field string, value, min, max int) Rule {
	return func() *FieldError {
		if value != 0 && (value < min || value > max) {
			return fail(field, "must be between %d and %d", min, max)
		}
		return nil
	}
}

// ValidAmount checks an optional positive USDC amount with at most six
// decimal places.
func ValidAmount(field, value string) Rule {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		amount, err := usdc.Parse(value)
		if err != nil {
			return fail(field, "invalid amount format")
		}
		if amount <= 0 {
			return fail(field, "amount must be greater than zero")
		}
		return nil
	}
}

// RequestSizeMiddleware limits request body size.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware rejects a malformed :address URL parameter.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if addr := c.Param("address"); addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}
