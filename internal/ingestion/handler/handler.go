// Package handler serves the ingestion routes: it reads the request body,
// runs the decode and normalize stages, hands documents to the publisher and
// turns the outcomes into a response according to each route's status policy.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/decoder"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/normalizer"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/validator"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/tracing"
)

// Auditor records the outcome of mutating requests.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
}

// Options configures a Handler.
type Options struct {
	Upload  config.UploadConfig
	Tracing bool
	Auditor Auditor
}

type Handler struct {
	publisher *publisher.Publisher
	upload    config.UploadConfig
	tracing   bool
	auditor   Auditor
	logger    *slog.Logger
}

func New(pub *publisher.Publisher, opts Options) *Handler {
	return &Handler{
		publisher: pub,
		upload:    opts.Upload,
		tracing:   opts.Tracing,
		auditor:   opts.Auditor,
		logger:    slog.Default().With("component", "ingestion-handler"),
	}
}

// Put indexes the single entity of a typed payload.
func (h *Handler) Put(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, ingestion.SingleTyped)
}

// BulkKeyed indexes every top-level entry of the payload except "version".
func (h *Handler) BulkKeyed(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, ingestion.KeyedBulk)
}

// BulkList indexes each element of the list under the index name.
func (h *Handler) BulkList(w http.ResponseWriter, r *http.Request) {
	h.ingest(w, r, ingestion.ListBulk)
}

// DeleteIndex drops the whole index.
func (h *Handler) DeleteIndex(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index_name")
	start := time.Now()
	status := h.respondStore(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return h.publisher.DeleteIndex(ctx, index)
	})
	h.record(w, r, audit.Entry{Index: index, StatusCode: status, Duration: time.Since(start)})
}

// DeleteObject removes the document whose id is given in the body.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	index := r.PathValue("index_name")
	start := time.Now()

	body, err := h.readBody(w, r)
	defer body.cleanup()
	if err == nil && strings.TrimSpace(body.ID) == "" {
		err = apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "id is required")
	}
	if err != nil {
		status := h.fail(w, r, err)
		h.record(w, r, audit.Entry{Index: index, StatusCode: status, Duration: time.Since(start)})
		return
	}
	h.deleteDocument(w, r, index, body.ID, start)
}

// DeleteByPath removes the document named in the path.
func (h *Handler) DeleteByPath(w http.ResponseWriter, r *http.Request) {
	h.deleteDocument(w, r, r.PathValue("index_name"), r.PathValue("obj_id"), time.Now())
}

func (h *Handler) deleteDocument(w http.ResponseWriter, r *http.Request, index, id string, start time.Time) {
	status := h.respondStore(w, r, func(ctx context.Context) (json.RawMessage, error) {
		return h.publisher.DeleteDocument(ctx, index, id)
	})
	h.record(w, r, audit.Entry{Index: index, Documents: 1, StatusCode: status, Duration: time.Since(start)})
}

// respondStore runs a single store call and writes its acknowledgement or
// the error. It returns the status written.
func (h *Handler) respondStore(w http.ResponseWriter, r *http.Request, call func(context.Context) (json.RawMessage, error)) int {
	resp, err := call(r.Context())
	if err != nil {
		return h.fail(w, r, err)
	}
	h.writeRaw(w, http.StatusOK, resp)
	return http.StatusOK
}

func (h *Handler) ingest(w http.ResponseWriter, r *http.Request, variant ingestion.ShapeVariant) {
	start := time.Now()
	params := ingestion.RouteParams{
		Index: r.PathValue("index_name"),
		Type:  r.PathValue("index_type"),
	}
	entry := audit.Entry{Index: params.Index, Type: params.Type, Variant: variant.String()}
	defer func() {
		entry.Duration = time.Since(start)
		h.record(w, r, entry)
	}()

	ctx := r.Context()
	var root *tracing.Span
	if h.tracing {
		ctx, root = tracing.StartSpan(ctx, "ingest."+variant.String(), logger.RequestID(ctx))
		root.SetAttr("index", params.Index)
		defer func() {
			root.End()
			root.Log(logger.FromContext(ctx))
		}()
	}
	r = r.WithContext(ctx)

	if err := validator.ValidateRoute(variant, params); err != nil {
		entry.StatusCode = h.fail(w, r, err)
		return
	}

	body, err := h.readBody(w, r)
	defer body.cleanup()
	if err == nil && !body.HasInput {
		err = apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "input is required")
	}
	if err != nil {
		entry.StatusCode = h.fail(w, r, err)
		return
	}

	batch, err := h.prepare(ctx, body, variant, params)
	if err != nil {
		entry.StatusCode = h.fail(w, r, err)
		return
	}
	entry.Documents = len(batch.Documents) + len(batch.Rejected)

	wctx, span := tracing.StartChildSpan(ctx, "write")
	outcomes := h.publisher.WriteAll(wctx, params.Index, batch.Documents)
	span.SetAttr("documents", len(outcomes))
	span.End()

	if variant == ingestion.SingleTyped {
		o := outcomes[0]
		if !o.OK() {
			entry.Failures = 1
			entry.StatusCode = h.fail(w, r, o.Err)
			return
		}
		entry.StatusCode = http.StatusOK
		h.writeRaw(w, http.StatusOK, o.Response)
		return
	}

	resp := summarize(params, outcomes, batch.Rejected)
	entry.Failures = resp.Failed
	entry.StatusCode = http.StatusOK
	if variant == ingestion.ListBulk && resp.Failed > 0 {
		entry.StatusCode = http.StatusInternalServerError
	}
	for _, f := range resp.Failures {
		logger.FromContext(ctx).Warn("bulk item failed",
			"index", params.Index,
			"doc_id", f.ID,
			"error", f.Error,
		)
	}
	h.writeJSON(w, entry.StatusCode, resp)
}

// prepare turns the request body into a batch of documents.
func (h *Handler) prepare(ctx context.Context, body *requestBody, variant ingestion.ShapeVariant, params ingestion.RouteParams) (*ingestion.Batch, error) {
	payload := body.Input
	if payload.Kind == ingestion.PayloadFile {
		path, err := validator.SanitizePath(payload.Path)
		if err != nil {
			return nil, err
		}
		if err := validator.CheckUpload(path); err != nil {
			return nil, err
		}
		payload.Path = path
	}

	_, span := tracing.StartChildSpan(ctx, "decode")
	parsed, err := decoder.Decode(payload)
	span.End()
	if err != nil {
		return nil, err
	}

	_, span = tracing.StartChildSpan(ctx, "normalize")
	defer span.End()
	batch, err := normalizer.Normalize(parsed, variant, params)
	if err != nil {
		return nil, err
	}
	span.SetAttr("documents", len(batch.Documents))
	span.SetAttr("rejected", len(batch.Rejected))
	return batch, nil
}

func summarize(params ingestion.RouteParams, outcomes []ingestion.WriteOutcome, rejected []ingestion.Rejection) ingestion.BulkResponse {
	resp := ingestion.BulkResponse{Index: params.Index, Type: params.Type}
	for _, rej := range rejected {
		pos := rej.Position
		resp.Failures = append(resp.Failures, ingestion.ItemResult{
			Position: &pos,
			Status:   "rejected",
			Error:    rej.Err.Error(),
		})
	}
	for _, o := range outcomes {
		if o.OK() {
			resp.Written++
			continue
		}
		resp.Failures = append(resp.Failures, ingestion.ItemResult{
			ID:     o.ID,
			Status: "failed",
			Error:  o.Err.Error(),
		})
	}
	resp.Failed = len(resp.Failures)
	return resp
}

// fail logs err and writes it as a JSON error. It returns the status written.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) int {
	log := logger.FromContext(r.Context())
	status := apperrors.HTTPStatusCode(err)

	var validationErr *validator.ValidationError
	if errors.As(err, &validationErr) {
		log.Warn("invalid route parameters", "fields", validationErr.Fields)
		h.writeJSON(w, status, map[string]any{
			"error":  "validation failed",
			"fields": validationErr.Fields,
		})
		return status
	}

	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err, "status_code", status)
		message := apperrors.ErrInternal.Error()
		if errors.Is(err, apperrors.ErrStore) {
			message = apperrors.ErrStore.Error()
		}
		h.writeError(w, status, message)
		return status
	}
	log.Warn("request rejected", "error", err, "status_code", status)
	h.writeError(w, status, clientMessage(err))
	return status
}

// clientMessage returns the message of an AppError, or the error text.
func clientMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}

// record appends e to the audit ledger. The response is flushed first so the
// client is not held for the database round trip.
func (h *Handler) record(w http.ResponseWriter, r *http.Request, e audit.Entry) {
	if h.auditor == nil {
		return
	}
	if err := http.NewResponseController(w).Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.logger.Debug("failed to flush response before audit", "error", err)
	}
	ctx := context.WithoutCancel(r.Context())
	e.RequestID = logger.RequestID(ctx)
	e.Route = r.Pattern
	if err := h.auditor.Record(ctx, e); err != nil {
		h.logger.Error("failed to record audit entry", "request_id", e.RequestID, "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
