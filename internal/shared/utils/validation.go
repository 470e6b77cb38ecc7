package utils

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"github.com/GriffinCanCode/attachproc/internal/types"
)

// Payload size limits (in bytes)
const (
	MaxRequestSize     = 8 * 1024 * 1024 // 8MB - processing request body
	MaxRunSettingsSize = 1 * 1024 * 1024 // 1MB - run settings document
	MaxMessageSize     = 64 * 1024       // 64KB - single websocket control message
)

// Count and length limits
const (
	MaxURILength       = 2048
	MaxNameLength      = 256
	MaxAttachmentSets  = 10000
	MaxCollectors      = 256
	MaxSetAttachments  = 10000
	MaxDescriptionSize = 4096
)

// URIPattern matches an absolute URI with a scheme
var URIPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// JSONSizeValidator validates JSON size limits
type JSONSizeValidator struct {
	maxSize int
}

// NewJSONSizeValidator creates a new validator with the specified max size
func NewJSONSizeValidator(maxSize int) *JSONSizeValidator {
	return &JSONSizeValidator{maxSize: maxSize}
}

// DefaultJSONValidator returns a validator for processing requests
func DefaultJSONValidator() *JSONSizeValidator {
	return NewJSONSizeValidator(MaxRequestSize)
}

// ValidateSize checks if the data size is within limits
func (v *JSONSizeValidator) ValidateSize(data []byte) error {
	size := len(data)
	if size > v.maxSize {
		return fmt.Errorf("JSON size %d bytes exceeds maximum %d bytes", size, v.maxSize)
	}
	return nil
}

// ValidateJSON validates both size and JSON structure
func (v *JSONSizeValidator) ValidateJSON(data []byte) error {
	// Check size first (faster than parsing)
	if err := v.ValidateSize(data); err != nil {
		return err
	}
	if !sonic.Valid(data) {
		return fmt.Errorf("invalid JSON")
	}
	return nil
}

// ValidateString validates a string field with length and content checks
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if required && value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}

	if value == "" && !required {
		return nil // Optional field, empty is OK
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}

	// Check for null bytes (security issue)
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}

	return nil
}

// ValidateURI validates a scheme-qualified URI such as a collector URI
func ValidateURI(uri, fieldName string, required bool) error {
	if err := ValidateString(uri, fieldName, 1, MaxURILength, required); err != nil {
		return err
	}
	if uri != "" && !URIPattern.MatchString(uri) {
		return fmt.Errorf("%s must be an absolute URI", fieldName)
	}
	return nil
}

// ValidateAttachmentSets checks the shape of incoming attachment sets.
// Attachment URIs may be file URIs or plain paths.
func ValidateAttachmentSets(sets []types.AttachmentSet) error {
	if len(sets) > MaxAttachmentSets {
		return fmt.Errorf("too many attachment sets: %d exceeds %d", len(sets), MaxAttachmentSets)
	}
	for i, set := range sets {
		field := fmt.Sprintf("attachments[%d]", i)
		if err := ValidateURI(set.URI, field+".uri", true); err != nil {
			return err
		}
		if err := ValidateString(set.DisplayName, field+".display_name", 0, MaxNameLength, false); err != nil {
			return err
		}
		if len(set.Attachments) > MaxSetAttachments {
			return fmt.Errorf("%s has too many attachments", field)
		}
		for j, a := range set.Attachments {
			af := fmt.Sprintf("%s.attachments[%d]", field, j)
			if err := ValidateString(a.URI, af+".uri", 1, MaxURILength, true); err != nil {
				return err
			}
			if err := ValidateString(a.Description, af+".description", 0, MaxDescriptionSize, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// ValidateCollectors checks the invoked collector list
func ValidateCollectors(collectors []types.InvokedCollector) error {
	if len(collectors) > MaxCollectors {
		return fmt.Errorf("too many invoked collectors: %d exceeds %d", len(collectors), MaxCollectors)
	}
	for i, c := range collectors {
		field := fmt.Sprintf("invoked_collectors[%d]", i)
		if err := ValidateURI(c.URI, field+".uri", true); err != nil {
			return err
		}
		if err := ValidateString(c.FriendlyName, field+".friendly_name", 0, MaxNameLength, false); err != nil {
			return err
		}
		if err := ValidateString(c.FilePath, field+".file_path", 0, MaxURILength, false); err != nil {
			return err
		}
	}
	return nil
}
