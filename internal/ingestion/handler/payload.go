package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
)

const (
	inputField = "input"
	idField    = "id"

	// multipartOverhead is allowed on top of the upload limit for part
	// headers and the other form fields.
	multipartOverhead = 1 << 20
	maxIDLength       = 4096
)

// requestBody holds the fields read from a mutating request.
type requestBody struct {
	Input    ingestion.RawPayload
	HasInput bool
	ID       string
	Filename string

	tempFiles []string
}

// cleanup removes spooled uploads. It is safe to call on every exit path.
func (b *requestBody) cleanup() {
	for _, path := range b.tempFiles {
		os.Remove(path)
	}
	b.tempFiles = nil
}

// readBody extracts the input and id fields from a multipart, urlencoded,
// JSON or raw YAML body. File parts are streamed to a temp file; callers must
// defer cleanup.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) (*requestBody, error) {
	body := &requestBody{}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" || r.Body == nil || r.Body == http.NoBody {
		return body, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, apperrors.New(apperrors.ErrUnsupportedContent, http.StatusUnsupportedMediaType, "malformed Content-Type header")
	}

	limit := h.upload.MaxBytes
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
		err = h.readMultipart(r, body)
	case "application/x-www-form-urlencoded":
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err = r.ParseForm(); err == nil {
			if v, ok := r.PostForm[inputField]; ok && len(v) > 0 {
				body.Input, body.HasInput = ingestion.InlinePayload(v[0]), true
			}
			body.ID = r.PostForm.Get(idField)
		}
	case "application/json":
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		err = readJSON(r.Body, body)
	case "application/yaml", "application/x-yaml", "text/yaml", "text/plain":
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		var data []byte
		if data, err = io.ReadAll(r.Body); err == nil {
			body.Input, body.HasInput = ingestion.InlinePayload(string(data)), true
		}
	default:
		return body, apperrors.Newf(apperrors.ErrUnsupportedContent, http.StatusUnsupportedMediaType, "unsupported Content-Type %q", mediaType)
	}
	if err != nil {
		return body, bodyError(err)
	}
	return body, nil
}

func (h *Handler) readMultipart(r *http.Request, body *requestBody) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return err
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch part.FormName() {
		case inputField:
			if part.FileName() != "" {
				path, err := h.spool(part)
				if path != "" {
					body.tempFiles = append(body.tempFiles, path)
				}
				if err != nil {
					part.Close()
					return err
				}
				body.Input, body.HasInput = ingestion.FilePayload(path), true
				body.Filename = part.FileName()
			} else {
				text, err := readField(part, h.upload.MaxBytes)
				if err != nil {
					part.Close()
					return err
				}
				body.Input, body.HasInput = ingestion.InlinePayload(text), true
			}
		case idField:
			text, err := readField(part, maxIDLength)
			if err != nil {
				part.Close()
				return err
			}
			body.ID = text
		}
		part.Close()
	}
}

// spool copies an uploaded file part into a fresh temp file and returns its
// path. The path is returned even on error so the caller can remove it.
func (h *Handler) spool(part io.Reader) (string, error) {
	f, err := os.CreateTemp(h.upload.TempDir, "pipelines-upload-*")
	if err != nil {
		return "", fmt.Errorf("%w: creating temp file: %w", apperrors.ErrInternal, err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(part, h.upload.MaxBytes+1))
	if err != nil {
		return f.Name(), err
	}
	if n > h.upload.MaxBytes {
		return f.Name(), tooLarge(h.upload.MaxBytes)
	}
	return f.Name(), nil
}

func readField(r io.Reader, limit int64) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > limit {
		return "", tooLarge(limit)
	}
	return string(data), nil
}

func readJSON(r io.Reader, body *requestBody) error {
	var fields struct {
		Input json.RawMessage `json:"input"`
		ID    json.RawMessage `json:"id"`
	}
	if err := json.NewDecoder(r).Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body: %v", err)
	}
	if text, ok := jsonText(fields.Input); ok {
		body.Input, body.HasInput = ingestion.InlinePayload(text), true
	}
	body.ID, _ = jsonText(fields.ID)
	return nil
}

// jsonText returns a JSON string's contents, or the literal text of any other
// non-null value. Objects and arrays stay valid input since JSON is YAML.
func jsonText(raw json.RawMessage) (string, bool) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return trimmed, true
}

func tooLarge(limit int64) error {
	return apperrors.Newf(apperrors.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload exceeds %d bytes", limit)
}

// bodyError maps body read failures onto the error taxonomy.
func bodyError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return tooLarge(maxErr.Limit)
	}
	if errors.Is(err, apperrors.ErrInternal) {
		return err
	}
	return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "reading request body: %v", err)
}
