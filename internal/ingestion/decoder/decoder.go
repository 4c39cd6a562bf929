// Package decoder turns a RawPayload into a parsed YAML tree. JSON payloads
// decode too, since JSON is a subset of YAML. Mapping key order is kept so
// keyed bulk payloads fan out in document order.
package decoder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
)

// ParsedInput is a decoded payload. Root is the top-level value node (never a
// document node).
type ParsedInput struct {
	Root *yaml.Node
}

// Decode reads and parses the payload. File payloads must already have been
// through validator.SanitizePath.
func Decode(p ingestion.RawPayload) (*ParsedInput, error) {
	switch p.Kind {
	case ingestion.PayloadFile:
		data, err := os.ReadFile(p.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading upload: %w", apperrors.ErrDecode, err)
		}
		return DecodeBytes(data)
	case ingestion.PayloadInline:
		return DecodeBytes([]byte(p.Text))
	default:
		return nil, fmt.Errorf("%w: unknown payload kind %d", apperrors.ErrDecode, p.Kind)
	}
}

// DecodeBytes parses the first YAML document in data.
func DecodeBytes(data []byte) (*ParsedInput, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrDecode, err)
	}
	if doc.Kind == 0 || (doc.Kind == yaml.DocumentNode && len(doc.Content) == 0) {
		return nil, fmt.Errorf("%w: empty input", apperrors.ErrDecode)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode {
		root = root.Content[0]
	}
	return &ParsedInput{Root: root}, nil
}
