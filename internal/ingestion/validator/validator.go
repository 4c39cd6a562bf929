// Package validator holds the safety checks run before a payload is decoded:
// upload path sanitization, content sniffing and route parameter checks.
package validator

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
)

const maxIndexNameLength = 255

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, e.Fields[k]))
	}
	return strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error {
	return apperrors.ErrInvalidInput
}

// SanitizePath rejects any path containing a "../" segment and strips
// remaining ".." substrings from the rest. The traversal check is the gate;
// the strip only tidies what passed it.
func SanitizePath(path string) (string, error) {
	if strings.Contains(path, "../") {
		return "", fmt.Errorf("%w: relative paths are not allowed", apperrors.ErrUnsafePath)
	}
	return strings.ReplaceAll(path, "..", ""), nil
}

// CheckUpload sniffs the file at path and rejects anything that is not text.
// Structured payloads (YAML, JSON) all descend from text/plain in the
// mimetype tree.
func CheckUpload(path string) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading upload: %w", apperrors.ErrDecode, err)
	}
	for m := mt; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return nil
		}
	}
	return apperrors.Newf(apperrors.ErrUnsupportedContent, http.StatusUnsupportedMediaType, "upload looks like %s, expected text", mt.String())
}

// ValidateRoute checks the path parameters a shape variant depends on.
func ValidateRoute(variant ingestion.ShapeVariant, p ingestion.RouteParams) error {
	errs := make(map[string]string)
	index := strings.TrimSpace(p.Index)
	if index == "" {
		errs["index_name"] = "index name is required"
	} else if len(index) > maxIndexNameLength {
		errs["index_name"] = fmt.Sprintf("index name must be at most %d characters", maxIndexNameLength)
	}
	if variant == ingestion.SingleTyped || variant == ingestion.ListBulk {
		if strings.TrimSpace(p.Type) == "" {
			errs["index_type"] = "index type is required"
		}
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}
