// Package ingestion defines the payload, document and outcome types shared by
// the decoding, normalization and fan-out stages, plus the change-event schema
// published after writes.
package ingestion

import (
	"encoding/json"
	"time"
)

// PayloadKind says where a RawPayload's bytes come from.
type PayloadKind int

const (
	PayloadInline PayloadKind = iota
	PayloadFile
)

// RawPayload is the request input before decoding: either a spooled upload on
// disk or text taken from a body field.
type RawPayload struct {
	Kind PayloadKind
	Path string
	Text string
}

// InlinePayload wraps text from a body field.
func InlinePayload(text string) RawPayload {
	return RawPayload{Kind: PayloadInline, Text: text}
}

// FilePayload wraps the path of an uploaded file.
func FilePayload(path string) RawPayload {
	return RawPayload{Kind: PayloadFile, Path: path}
}

// ShapeVariant selects how documents are extracted from a parsed payload.
type ShapeVariant int

const (
	// SingleTyped: one entity per payload, found at element 0 after the
	// nlu/data unwrap chain.
	SingleTyped ShapeVariant = iota + 1
	// KeyedBulk: every top-level key except "version" is one document.
	KeyedBulk
	// ListBulk: input[index] is a list of entities of one type.
	ListBulk
)

func (v ShapeVariant) String() string {
	switch v {
	case SingleTyped:
		return "single_typed"
	case KeyedBulk:
		return "keyed_bulk"
	case ListBulk:
		return "list_bulk"
	default:
		return "unknown"
	}
}

// RouteParams are the path parameters of the ingest route.
type RouteParams struct {
	Index string
	Type  string
}

// IDField is the document field holding the store id.
const IDField = "id"

// Document is one addressable unit written to the store. Body always carries
// the id under IDField.
type Document struct {
	ID   string
	Body map[string]any
}

// NewDocument builds a Document whose body carries id.
func NewDocument(id string, body map[string]any) Document {
	if body == nil {
		body = make(map[string]any, 1)
	}
	body[IDField] = id
	return Document{ID: id, Body: body}
}

// Rejection records an input element the normalizer could not turn into a
// Document. Position is the element's index within its list.
type Rejection struct {
	Position int
	Err      error
}

// Batch is the normalizer's output: documents to write plus per-item
// rejections that did not abort the batch.
type Batch struct {
	Documents []Document
	Rejected  []Rejection
}

// WriteOutcome is the result of writing one document.
type WriteOutcome struct {
	ID       string
	Response json.RawMessage
	Err      error
}

// OK reports whether the write succeeded.
func (o WriteOutcome) OK() bool {
	return o.Err == nil
}

// ItemResult is the JSON shape of one per-item result in bulk responses.
type ItemResult struct {
	ID       string `json:"id,omitempty"`
	Position *int   `json:"position,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// BulkResponse summarises a bulk request.
type BulkResponse struct {
	Index    string       `json:"index"`
	Type     string       `json:"type,omitempty"`
	Written  int          `json:"written"`
	Failed   int          `json:"failed"`
	Failures []ItemResult `json:"failures,omitempty"`
}

// ChangeAction names the mutation carried by a ChangeEvent.
type ChangeAction string

const (
	ActionUpserted     ChangeAction = "document.upserted"
	ActionDeleted      ChangeAction = "document.deleted"
	ActionIndexDeleted ChangeAction = "index.deleted"
)

// ChangeEvent is the Kafka message payload produced after a successful write.
type ChangeEvent struct {
	Action     ChangeAction `json:"action"`
	Index      string       `json:"index"`
	DocumentID string       `json:"document_id,omitempty"`
	RequestID  string       `json:"request_id,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
