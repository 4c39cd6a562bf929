package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/audit"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/pipelines/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/opensearch"
)

type memoryStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]map[string]any
	failIDs map[string]error
	deleted []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{docs: map[string]map[string]map[string]any{}, failIDs: map[string]error{}}
}

func (s *memoryStore) Index(_ context.Context, index, id string, body any) (json.RawMessage, error) {
	if err := s.failIDs[id]; err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.docs[index] == nil {
		s.docs[index] = map[string]map[string]any{}
	}
	s.docs[index][id] = body.(map[string]any)
	return json.RawMessage(`{"_index":"` + index + `","_id":"` + id + `","result":"created"}`), nil
}

func (s *memoryStore) DeleteDocument(_ context.Context, index, id string) (json.RawMessage, error) {
	if err := s.failIDs[id]; err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.deleted = append(s.deleted, index+"/"+id)
	s.mu.Unlock()
	return json.RawMessage(`{"result":"deleted"}`), nil
}

func (s *memoryStore) DeleteIndex(_ context.Context, index string) (json.RawMessage, error) {
	if err := s.failIDs[index]; err != nil {
		return nil, err
	}
	return json.RawMessage(`{"acknowledged":true}`), nil
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *recordingAuditor) Record(_ context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

type fixture struct {
	store   *memoryStore
	auditor *recordingAuditor
	tempDir string
	mux     *http.ServeMux
}

func newFixture(t *testing.T, maxBytes int64) *fixture {
	t.Helper()
	f := &fixture{
		store:   newMemoryStore(),
		auditor: &recordingAuditor{},
		tempDir: t.TempDir(),
	}
	h := New(publisher.New(f.store, publisher.Options{Concurrency: 4}), Options{
		Upload:  config.UploadConfig{MaxBytes: maxBytes, TempDir: f.tempDir},
		Tracing: true,
		Auditor: f.auditor,
	})
	f.mux = http.NewServeMux()
	f.mux.HandleFunc("POST /put/{index_name}/{index_type}", h.Put)
	f.mux.HandleFunc("POST /bulk/{index_name}", h.BulkKeyed)
	f.mux.HandleFunc("POST /bulk/{index_name}/{index_type}", h.BulkList)
	f.mux.HandleFunc("POST /delete/{index_name}", h.DeleteIndex)
	f.mux.HandleFunc("POST /delete/object/{index_name}", h.DeleteObject)
	f.mux.HandleFunc("POST /delete/{index_name}/{obj_id}", h.DeleteByPath)
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func formRequest(path string, values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func jsonRequest(path, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func uploadRequest(t *testing.T, path, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("input", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeBulk(t *testing.T, rec *httptest.ResponseRecorder) ingestion.BulkResponse {
	t.Helper()
	var resp ingestion.BulkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func assertTempDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "spooled uploads must be removed")
}

func TestPutSingleTyped(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(formRequest("/put/intents/intent", url.Values{"input": {`{nlu: [{intent: "book flight"}]}`}}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"_index":"intents","_id":"book_flight","result":"created"}`, rec.Body.String())
	assert.Equal(t, map[string]any{"intent": "book flight", "id": "book_flight"}, f.store.docs["intents"]["book_flight"])

	require.Len(t, f.auditor.entries, 1)
	e := f.auditor.entries[0]
	assert.Equal(t, "POST /put/{index_name}/{index_type}", e.Route)
	assert.Equal(t, "single_typed", e.Variant)
	assert.Equal(t, http.StatusOK, e.StatusCode)
	assert.Equal(t, 1, e.Documents)
}

func TestPutFromUploadedFile(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(uploadRequest(t, "/put/intents/intent", "intents.yml", "data:\n  - intent: check balance\n    text: how much\n"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, f.store.docs["intents"], "check_balance")
	assertTempDirEmpty(t, f.tempDir)
}

func TestPutMissingIDField(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(formRequest("/put/intents/intent", url.Values{"input": {`[{name: nobody}]`}}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "error")
	assert.Empty(t, f.store.docs)
}

func TestPutStoreFailure(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.store.failIDs["greet"] = errors.New("connection refused")
	rec := f.do(formRequest("/put/intents/intent", url.Values{"input": {`[{intent: greet}]`}}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"document store error"}`, rec.Body.String())
}

func TestPutStoreRejection(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.store.failIDs["greet"] = &opensearch.ResponseError{Op: "index", Status: 400, Body: "mapper_parsing_exception"}
	rec := f.do(formRequest("/put/intents/intent", url.Values{"input": {`[{intent: greet}]`}}))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBadInputs(t *testing.T) {
	f := newFixture(t, 1<<20)
	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"no input", formRequest("/bulk/config", url.Values{}), http.StatusBadRequest},
		{"malformed yaml", formRequest("/bulk/config", url.Values{"input": {"key: [unclosed"}}), http.StatusBadRequest},
		{"scalar top level", formRequest("/bulk/config", url.Values{"input": {"just text"}}), http.StatusBadRequest},
		{"invalid json body", jsonRequest("/bulk/config", `{"input":`), http.StatusBadRequest},
		{"unsupported content type", func() *http.Request {
			r := httptest.NewRequest(http.MethodPost, "/bulk/config", strings.NewReader("x"))
			r.Header.Set("Content-Type", "image/png")
			return r
		}(), http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.store.docs)
}

func TestBulkKeyed(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(jsonRequest("/bulk/config", `{"input": "{version: 1, timeout: 30, retries: 3}"}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBulk(t, rec)
	assert.Equal(t, 2, resp.Written)
	assert.Zero(t, resp.Failed)

	stored := f.store.docs["config"]
	require.Len(t, stored, 2)
	assert.Equal(t, map[string]any{"timeout": 30, "id": "timeout"}, stored["timeout"])
	assert.Equal(t, map[string]any{"retries": 3, "id": "retries"}, stored["retries"])
	assert.NotContains(t, stored, "version")
}

func TestBulkKeyedAcceptsJSONObjectInput(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(jsonRequest("/bulk/config", `{"input": {"version": 2, "locale": "en"}}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "en", f.store.docs["config"]["locale"]["locale"])
}

func TestBulkKeyedPartialFailureIsStill200(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.store.failIDs["retries"] = errors.New("timeout")
	rec := f.do(formRequest("/bulk/config", url.Values{"input": {`{timeout: 30, retries: 3}`}}))

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBulk(t, rec)
	assert.Equal(t, 1, resp.Written)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Failures, 1)
	assert.Equal(t, "retries", resp.Failures[0].ID)
	assert.Equal(t, "failed", resp.Failures[0].Status)
}

func TestBulkListMissingFieldIs500(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(formRequest("/bulk/rules/rule", url.Values{"input": {`{rules: [{rule: "greet user"}, {}]}`}}))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBulk(t, rec)
	assert.Equal(t, 1, resp.Written)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Failures, 1)
	require.NotNil(t, resp.Failures[0].Position)
	assert.Equal(t, 1, *resp.Failures[0].Position)
	assert.Equal(t, "rejected", resp.Failures[0].Status)

	assert.Equal(t, map[string]any{"rule": "greet user", "id": "greet-user"}, f.store.docs["rules"]["greet-user"])
	assert.Equal(t, 2, f.auditor.entries[0].Documents)
	assert.Equal(t, 1, f.auditor.entries[0].Failures)
}

func TestBulkListAllWritten(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(formRequest("/bulk/rules/rule", url.Values{"input": {`{rules: [{rule: a b}, {rule: c}]}`}}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decodeBulk(t, rec).Written)
}

func TestUploadTooLarge(t *testing.T) {
	f := newFixture(t, 16)
	rec := f.do(uploadRequest(t, "/bulk/config", "big.yml", strings.Repeat("key: value\n", 10)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, f.store.docs)
	assertTempDirEmpty(t, f.tempDir)
}

func TestUploadMustBeText(t *testing.T) {
	f := newFixture(t, 1<<20)
	png := "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"
	rec := f.do(uploadRequest(t, "/bulk/config", "image.yml", png))

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assertTempDirEmpty(t, f.tempDir)
}

func TestUnsafeTempDirIsRejected(t *testing.T) {
	f := newFixture(t, 1<<20)
	dir := f.tempDir + "/nested"
	require.NoError(t, os.Mkdir(dir, 0o755))

	h := New(publisher.New(f.store, publisher.Options{}), Options{
		Upload: config.UploadConfig{MaxBytes: 1 << 20, TempDir: dir + "/../nested"},
	})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bulk/{index_name}", h.BulkKeyed)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, uploadRequest(t, "/bulk/config", "c.yml", "a: 1\n"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.store.docs)
	assertTempDirEmpty(t, dir)
}

func TestDeleteIndex(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/delete/rules", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"acknowledged":true}`, rec.Body.String())
}

func TestDeleteIndexStoreError(t *testing.T) {
	f := newFixture(t, 1<<20)
	f.store.failIDs["missing"] = &opensearch.ResponseError{Op: "delete index", Status: 404, Body: "index_not_found_exception"}
	rec := f.do(httptest.NewRequest(http.MethodPost, "/delete/missing", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDeleteObjectFromBody(t *testing.T) {
	f := newFixture(t, 1<<20)

	rec := f.do(jsonRequest("/delete/object/rules", `{"id": "greet-user"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(formRequest("/delete/object/rules", url.Values{"id": {"say-bye"}}))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"rules/greet-user", "rules/say-bye"}, f.store.deleted)
}

func TestDeleteObjectRequiresID(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/delete/object/rules", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"id is required"}`, rec.Body.String())
	assert.Empty(t, f.store.deleted)
}

func TestDeleteByPath(t *testing.T) {
	f := newFixture(t, 1<<20)
	rec := f.do(httptest.NewRequest(http.MethodPost, "/delete/rules/greet-user", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"rules/greet-user"}, f.store.deleted)

	f.store.failIDs["broken"] = errors.New("connection reset")
	rec = f.do(httptest.NewRequest(http.MethodPost, "/delete/rules/broken", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// flushCheckingAuditor notes whether the response had been flushed to the
// client by the time the audit row was written.
type flushCheckingAuditor struct {
	rec     *httptest.ResponseRecorder
	flushed []bool
}

func (a *flushCheckingAuditor) Record(context.Context, audit.Entry) error {
	a.flushed = append(a.flushed, a.rec.Flushed)
	return nil
}

func TestAuditRecordedAfterResponseFlushed(t *testing.T) {
	rec := httptest.NewRecorder()
	auditor := &flushCheckingAuditor{rec: rec}
	h := New(publisher.New(newMemoryStore(), publisher.Options{}), Options{
		Upload:  config.UploadConfig{MaxBytes: 1 << 20, TempDir: t.TempDir()},
		Auditor: auditor,
	})
	mux := http.NewServeMux()
	mux.HandleFunc("POST /bulk/{index_name}", h.BulkKeyed)

	mux.ServeHTTP(rec, formRequest("/bulk/config", url.Values{"input": {"timeout: 30\n"}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []bool{true}, auditor.flushed)
}
