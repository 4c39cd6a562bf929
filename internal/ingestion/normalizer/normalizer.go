// Package normalizer extracts addressable documents from a parsed payload.
//
// One function serves all three route shapes so the id rules cannot drift
// apart:
//
//	SingleTyped  unwrap .nlu, then .data, take element 0, id = entity[type]
//	             with whitespace runs replaced by "_".
//	KeyedBulk    every top-level key except "version" becomes {key: value, id: key}.
//	             Empty or non-scalar keys are rejected one by one.
//	ListBulk     input[index] is a list; id = entity[type] with its alphanumeric
//	             tokens joined by "-". Entities without the field are rejected
//	             one by one and the rest of the list continues.
//
// The nlu-then-data unwrap order is part of the payload format accepted by
// the put route and must not be reordered.
package normalizer

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/decoder"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
)

// ReservedVersionKey is the top-level key KeyedBulk never turns into a document.
const ReservedVersionKey = "version"

var whitespaceRun = regexp.MustCompile(`\s+`)

// Normalize dispatches on variant and returns the documents to write. A
// returned error aborts the whole request; per-item problems in the bulk
// variants are reported in Batch.Rejected instead.
func Normalize(in *decoder.ParsedInput, variant ingestion.ShapeVariant, params ingestion.RouteParams) (*ingestion.Batch, error) {
	if in == nil || in.Root == nil {
		return nil, fmt.Errorf("%w: no input", apperrors.ErrMalformedInput)
	}
	root := resolve(in.Root)
	switch variant {
	case ingestion.SingleTyped:
		doc, err := singleTyped(root, params.Type)
		if err != nil {
			return nil, err
		}
		return &ingestion.Batch{Documents: []ingestion.Document{doc}}, nil
	case ingestion.KeyedBulk:
		return keyedBulk(root)
	case ingestion.ListBulk:
		return listBulk(root, params.Index, params.Type)
	default:
		return nil, fmt.Errorf("%w: unknown shape variant %d", apperrors.ErrMalformedInput, variant)
	}
}

// UnderscoreID replaces every whitespace run with a single underscore.
func UnderscoreID(raw string) string {
	return whitespaceRun.ReplaceAllString(raw, "_")
}

// DashID keeps the letter and digit runs of raw and joins them with dashes,
// so "greet user", "greet  user" and "greet, user!" all become "greet-user".
func DashID(raw string) string {
	tokens := strings.FieldsFunc(raw, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(tokens, "-")
}

func singleTyped(root *yaml.Node, typ string) (ingestion.Document, error) {
	cur := root
	if v := lookup(cur, "nlu"); present(v) {
		cur = v
	}
	if v := lookup(cur, "data"); present(v) {
		cur = v
	}
	if cur.Kind != yaml.SequenceNode || len(cur.Content) == 0 {
		return ingestion.Document{}, fmt.Errorf("%w: expected a non-empty list of entities", apperrors.ErrMalformedInput)
	}
	entity := resolve(cur.Content[0])
	if entity.Kind != yaml.MappingNode {
		return ingestion.Document{}, fmt.Errorf("%w: entity 0 is not an object", apperrors.ErrMalformedInput)
	}
	raw, err := idSource(entity, typ)
	if err != nil {
		return ingestion.Document{}, err
	}
	return build(entity, UnderscoreID(raw))
}

func keyedBulk(root *yaml.Node) (*ingestion.Batch, error) {
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: expected an object of named entries", apperrors.ErrMalformedInput)
	}
	batch := &ingestion.Batch{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		keyNode := resolve(root.Content[i])
		if keyNode.Kind != yaml.ScalarNode || !present(keyNode) || strings.TrimSpace(keyNode.Value) == "" {
			batch.Rejected = append(batch.Rejected, ingestion.Rejection{
				Position: i / 2,
				Err:      fmt.Errorf("%w: entry %d has no usable key", apperrors.ErrMissingIDField, i/2),
			})
			continue
		}
		key := keyNode.Value
		if key == ReservedVersionKey {
			continue
		}
		var value any
		if err := root.Content[i+1].Decode(&value); err != nil {
			batch.Rejected = append(batch.Rejected, ingestion.Rejection{
				Position: i / 2,
				Err:      fmt.Errorf("%w: entry %q: %w", apperrors.ErrMalformedInput, key, err),
			})
			continue
		}
		batch.Documents = append(batch.Documents, ingestion.NewDocument(key, map[string]any{key: stringKeys(value)}))
	}
	return batch, nil
}

func listBulk(root *yaml.Node, index, typ string) (*ingestion.Batch, error) {
	list := lookup(root, index)
	if list == nil || list.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%w: expected a list under %q", apperrors.ErrMalformedInput, index)
	}
	batch := &ingestion.Batch{}
	for pos, item := range list.Content {
		entity := resolve(item)
		if entity.Kind != yaml.MappingNode {
			batch.Rejected = append(batch.Rejected, ingestion.Rejection{
				Position: pos,
				Err:      fmt.Errorf("%w: element %d is not an object", apperrors.ErrMalformedInput, pos),
			})
			continue
		}
		raw, err := idSource(entity, typ)
		if err == nil {
			var doc ingestion.Document
			if doc, err = build(entity, DashID(raw)); err == nil {
				batch.Documents = append(batch.Documents, doc)
				continue
			}
		}
		batch.Rejected = append(batch.Rejected, ingestion.Rejection{Position: pos, Err: err})
	}
	return batch, nil
}

// idSource returns the scalar text of entity[field].
func idSource(entity *yaml.Node, field string) (string, error) {
	v := lookup(entity, field)
	if !present(v) {
		return "", fmt.Errorf("%w: %q", apperrors.ErrMissingIDField, field)
	}
	if v.Kind != yaml.ScalarNode || strings.TrimSpace(v.Value) == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty scalar", apperrors.ErrMissingIDField, field)
	}
	return v.Value, nil
}

// build decodes entity into a document body and stamps id on it.
func build(entity *yaml.Node, id string) (ingestion.Document, error) {
	if id == "" {
		return ingestion.Document{}, fmt.Errorf("%w: derived id is empty", apperrors.ErrMissingIDField)
	}
	var raw any
	if err := entity.Decode(&raw); err != nil {
		return ingestion.Document{}, fmt.Errorf("%w: %w", apperrors.ErrMalformedInput, err)
	}
	body, ok := stringKeys(raw).(map[string]any)
	if !ok {
		return ingestion.Document{}, fmt.Errorf("%w: entity is not an object", apperrors.ErrMalformedInput)
	}
	return ingestion.NewDocument(id, body), nil
}

// stringKeys rewrites every map in v to use string keys, the only kind a JSON
// document can carry. yaml.v3 yields map[any]any as soon as one key is not a
// string, e.g. {1: first}; such keys are rendered as their YAML text.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = stringKeys(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[keyString(k)] = stringKeys(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = stringKeys(e)
		}
		return t
	default:
		return v
	}
}

func keyString(k any) string {
	switch t := k.(type) {
	case nil:
		return "null"
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// lookup returns the value node for key in a mapping node, or nil.
func lookup(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return resolve(n.Content[i+1])
		}
	}
	return nil
}

func present(n *yaml.Node) bool {
	return n != nil && !(n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}

func resolve(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}
