// Package security provides validation, sanitization, and limits for the engine.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/campaignops/pipeline-engine/pkg/core"
)

// Limits enforced before anything reaches storage.
const (
	// MaxPipelineNameLength is the maximum length for pipeline type names
	MaxPipelineNameLength = 255

	// MaxInputSize is the maximum size in bytes for job input (1MB)
	MaxInputSize = 1 << 20

	// MaxRecoveryAttempts is the hard limit for recovery attempts
	MaxRecoveryAttempts = 10

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxScopeLength is the maximum length for idempotency scopes
	MaxScopeLength = 255

	// MaxKeyLength is the maximum length for idempotency keys
	MaxKeyLength = 255
)

// validName matches alphanumeric, hyphens, underscores, dots and colons
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.:]*$`)

// ValidatePipelineName validates a pipeline type name
func ValidatePipelineName(name string) error {
	if name == "" {
		return core.ErrInvalidPipelineName
	}
	if len(name) > MaxPipelineNameLength {
		return core.ErrPipelineNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidPipelineName
	}
	return nil
}

// ValidateScope validates an idempotency scope (an operation-type tag,
// e.g. "campaign-launch:42").
func ValidateScope(scope string) error {
	if scope == "" || len(scope) > MaxScopeLength {
		return core.ErrInvalidScope
	}
	if !validName.MatchString(scope) {
		return core.ErrInvalidScope
	}
	return nil
}

// ValidateKey validates a caller-supplied idempotency key. Keys are opaque
// tokens, so only emptiness and length are checked.
func ValidateKey(key string) error {
	if key == "" {
		return core.ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return core.ErrKeyTooLong
	}
	return nil
}

// ClampRecoveryAttempts clamps a recovery attempt limit to [0, MaxRecoveryAttempts]
func ClampRecoveryAttempts(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRecoveryAttempts {
		return MaxRecoveryAttempts
	}
	return n
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}
