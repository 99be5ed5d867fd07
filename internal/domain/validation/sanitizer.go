// Package validation guards the gateway's inbound frames: JSON-RPC shape
// checks, tool-name validation, and recursive argument sanitization, all
// before anything reaches policy evaluation.
package validation

import (
	"regexp"
	"strings"
)

// Size limits for sanitization.
const (
	// MaxStringLength is the maximum length of any string value (1MB).
	// Strings longer than this are truncated to prevent memory exhaustion.
	MaxStringLength = 1048576

	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 255
)

// toolNamePattern admits names starting with a letter and containing only
// alphanumerics, underscores, and hyphens. Qualified "<upstream>__<tool>"
// names pass unchanged.
var toolNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Sanitizer validates tool names and scrubs argument values so a crafted
// call cannot smuggle null bytes or unbounded strings past enforcement.
type Sanitizer struct{}

// NewSanitizer creates a new Sanitizer instance.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// ValidateToolName rejects empty, oversized, traversal-bearing, or
// pattern-violating tool names with a ValidationError.
func (s *Sanitizer) ValidateToolName(name string) error {
	if name == "" {
		return NewValidationError(ErrCodeInvalidParams, "tool name is required")
	}
	if len(name) > MaxToolNameLength {
		return NewValidationError(ErrCodeInvalidParams, "tool name too long")
	}
	// Traversal gets its own message before the generic pattern check.
	if strings.Contains(name, "..") || strings.Contains(name, "/") {
		return NewValidationError(ErrCodeInvalidParams, "invalid characters in tool name")
	}
	if !toolNamePattern.MatchString(name) {
		return NewValidationError(ErrCodeInvalidParams, "invalid tool name format")
	}

	return nil
}

// SanitizeValue recursively sanitizes a value.
// For strings, it removes null bytes and truncates at MaxStringLength.
// For maps and slices, it recurses into each element.
// For other types (numbers, booleans, nil), it returns them unchanged.
func (s *Sanitizer) SanitizeValue(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return s.sanitizeString(val), nil

	case map[string]any:
		result := make(map[string]any, len(val))
		for k, v := range val {
			sanitized, err := s.SanitizeValue(v)
			if err != nil {
				return nil, err
			}
			result[k] = sanitized
		}
		return result, nil

	case []any:
		result := make([]any, len(val))
		for i, v := range val {
			sanitized, err := s.SanitizeValue(v)
			if err != nil {
				return nil, err
			}
			result[i] = sanitized
		}
		return result, nil

	default:
		// Numbers, booleans, nil pass through unchanged.
		return v, nil
	}
}

// sanitizeString strips null bytes and truncates at MaxStringLength.
func (s *Sanitizer) sanitizeString(str string) string {
	str = strings.ReplaceAll(str, "\x00", "")
	if len(str) > MaxStringLength {
		str = str[:MaxStringLength]
	}
	return str
}

// SanitizeToolCall validates a tools/call's name and recursively sanitizes
// its arguments, leaving other param fields (like _meta) untouched.
func (s *Sanitizer) SanitizeToolCall(params map[string]any) (map[string]any, error) {
	name, ok := params["name"].(string)
	if !ok {
		return nil, NewValidationError(ErrCodeInvalidParams, "tool name is required")
	}
	if err := s.ValidateToolName(name); err != nil {
		return nil, err
	}

	result := make(map[string]any, len(params))
	result["name"] = name

	for k, v := range params {
		switch k {
		case "name":
		case "arguments":
			sanitized, err := s.SanitizeValue(v)
			if err != nil {
				return nil, err
			}
			result[k] = sanitized
		default:
			result[k] = v
		}
	}

	return result, nil
}
