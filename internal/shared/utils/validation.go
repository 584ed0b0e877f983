package utils

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/w200024212/pebbleos-sub001/internal/shared/types"
)

// Size limits (in bytes)
const (
	MaxJSONSize = 64 * 1024 // control API request body limit
	MaxArgsSize = 1024      // launch args handed to a process
)

// String length limits
const (
	MaxNameLength   = 64
	MaxIconLength   = 256
	MaxPathLength   = 1024
	MaxSymbolLength = 128
)

// SymbolPattern matches entry symbols a flash binary may export
var SymbolPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// JSONSizeValidator validates request body size limits
type JSONSizeValidator struct {
	maxSize int
}

// NewJSONSizeValidator creates a new validator with the specified max size
func NewJSONSizeValidator(maxSize int) *JSONSizeValidator {
	return &JSONSizeValidator{maxSize: maxSize}
}

// DefaultJSONValidator returns a validator with the control API limit
func DefaultJSONValidator() *JSONSizeValidator {
	return NewJSONSizeValidator(MaxJSONSize)
}

// MaxSize returns the configured limit
func (v *JSONSizeValidator) MaxSize() int { return v.maxSize }

// ValidateSize checks if data exceeds size limit
func (v *JSONSizeValidator) ValidateSize(data []byte) error {
	if len(data) > v.maxSize {
		return fmt.Errorf("payload size %d bytes exceeds maximum %d bytes", len(data), v.maxSize)
	}
	return nil
}

// ValidateString bounds a text field by rune count and rejects NUL bytes.
// An empty optional field is always valid.
func ValidateString(value, fieldName string, minLen, maxLen int, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}

	switch n := utf8.RuneCountInString(value); {
	case n < minLen:
		return fmt.Errorf("%s is %d characters, minimum is %d", fieldName, n, minLen)
	case n > maxLen:
		return fmt.Errorf("%s is %d characters, maximum is %d", fieldName, n, maxLen)
	case strings.IndexByte(value, 0) >= 0:
		return fmt.Errorf("%s contains a NUL byte", fieldName)
	}
	return nil
}

// ValidateName validates an app name
func ValidateName(name, fieldName string) error {
	return ValidateString(name, fieldName, 1, MaxNameLength, true)
}

// ValidateUUID validates an app UUID in canonical form
func ValidateUUID(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if _, err := uuid.Parse(value); err != nil {
		return fmt.Errorf("%s is not a valid UUID: %w", fieldName, err)
	}
	return nil
}

// ValidateSymbol validates an entry symbol name
func ValidateSymbol(symbol, fieldName string, required bool) error {
	if err := ValidateString(symbol, fieldName, 1, MaxSymbolLength, required); err != nil {
		return err
	}
	if symbol != "" && !SymbolPattern.MatchString(symbol) {
		return fmt.Errorf("%s is not a valid symbol name", fieldName)
	}
	return nil
}

// ValidateArgs bounds the launch argument payload
func ValidateArgs(args string) error {
	if len(args) > MaxArgsSize {
		return fmt.Errorf("args must not exceed %d bytes", MaxArgsSize)
	}
	return nil
}

// ParseInstallID parses a path or query install id. Zero is never valid.
func ParseInstallID(value, fieldName string) (types.InstallID, error) {
	if value == "" {
		return types.InstallIDInvalid, fmt.Errorf("%s is required", fieldName)
	}
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return types.InstallIDInvalid, fmt.Errorf("%s must be an integer: %w", fieldName, err)
	}
	if n == 0 {
		return types.InstallIDInvalid, fmt.Errorf("%s must not be zero", fieldName)
	}
	return types.InstallID(n), nil
}

// ValidateInstallEntry checks the user-supplied fields of a flash install
func ValidateInstallEntry(e types.InstallEntry) error {
	if err := ValidateUUID(e.UUID, "uuid"); err != nil {
		return err
	}
	if err := ValidateName(e.Name, "name"); err != nil {
		return err
	}
	if err := ValidateString(e.Icon, "icon", 0, MaxIconLength, false); err != nil {
		return err
	}
	if err := ValidateString(e.Binary, "binary", 1, MaxPathLength, true); err != nil {
		return err
	}
	if err := ValidateString(e.Resources, "resources", 0, MaxPathLength, false); err != nil {
		return err
	}
	if err := ValidateSymbol(e.Entry, "entry", false); err != nil {
		return err
	}
	switch e.Visibility {
	case "", types.VisibilityShown, types.VisibilityHidden, types.VisibilityQuickLaunch:
	default:
		return fmt.Errorf("visibility %q is not recognized", e.Visibility)
	}
	if e.Watchface && e.Worker {
		return fmt.Errorf("an install cannot be both a watchface and a worker")
	}
	return nil
}
