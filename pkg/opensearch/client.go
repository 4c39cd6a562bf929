// Package opensearch is a thin REST client for the document store. It only
// speaks the handful of endpoints the ingestion pipeline needs: index a
// document by id, delete a document, delete an index and ping the cluster.
package opensearch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/Adithya-Monish-Kumar-K/pipelines/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/pipelines/pkg/errors"
)

// ResponseError is a non-2xx answer from the cluster.
type ResponseError struct {
	Op     string
	Status int
	Body   string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s: status %d: %s", apperrors.ErrStore, e.Op, e.Status, e.Body)
}

func (e *ResponseError) Unwrap() error {
	return apperrors.ErrStore
}

// IsClientError reports whether err is a 4xx answer from the cluster, which
// says nothing about cluster health.
func IsClientError(err error) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.Status >= 400 && re.Status < 500
}

// Client wraps a resty client bound to one cluster.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a Client for the configured cluster. No request is made.
func New(cfg config.StoreConfig) *Client {
	return NewWithBaseURL(cfg, cfg.URL())
}

// NewWithBaseURL creates a Client for an explicit base URL, keeping the
// credential, TLS and timeout settings from cfg.
func NewWithBaseURL(cfg config.StoreConfig, baseURL string) *Client {
	rc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.InsecureSkipVerify {
		rc.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // development clusters use self-signed certs
	}
	if cfg.Username != "" {
		rc.SetBasicAuth(cfg.Username, cfg.Password)
	}
	return &Client{
		http:   rc,
		logger: slog.Default().With("component", "opensearch"),
	}
}

// Index upserts body under id and waits for a refresh so the document is
// visible to the next read.
func (c *Client) Index(ctx context.Context, index, id string, body any) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"index": index, "id": id}).
		SetQueryParam("refresh", "true").
		SetBody(body).
		Put("/{index}/_doc/{id}")
	out, err := c.result("index", resp, err)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("document indexed", "index", index, "id", id)
	return out, nil
}

// DeleteDocument removes one document by id.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"index": index, "id": id}).
		Delete("/{index}/_doc/{id}")
	out, err := c.result("delete document", resp, err)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("document deleted", "index", index, "id", id)
	return out, nil
}

// DeleteIndex drops an entire index.
func (c *Client) DeleteIndex(ctx context.Context, index string) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("index", index).
		Delete("/{index}")
	out, err := c.result("delete index", resp, err)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("index deleted", "index", index)
	return out, nil
}

// Ping checks that the cluster answers its root endpoint.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/")
	_, err = c.result("ping", resp, err)
	return err
}

// result turns a resty response into the raw JSON acknowledgement or a
// StoreError carrying the status and body returned by the cluster.
func (c *Client) result(op string, resp *resty.Response, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", apperrors.ErrStore, op, err)
	}
	body := resp.Body()
	if resp.IsError() {
		return nil, &ResponseError{Op: op, Status: resp.StatusCode(), Body: truncate(body, 512)}
	}
	if len(body) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted, nil
	}
	out := make(json.RawMessage, len(body))
	copy(out, body)
	return out, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
