package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"decode", fmt.Errorf("parsing: %w", ErrDecode), http.StatusBadRequest},
		{"unsafe path", ErrUnsafePath, http.StatusBadRequest},
		{"malformed", ErrMalformedInput, http.StatusBadRequest},
		{"missing id", ErrMissingIDField, http.StatusBadRequest},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests},
		{"store", Wrap(ErrStore, errors.New("connection refused")), http.StatusInternalServerError},
		{"too large", ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{"unsupported", ErrUnsupportedContent, http.StatusUnsupportedMediaType},
		{"app error wins", New(ErrStore, http.StatusBadGateway, "upstream"), http.StatusBadGateway},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusCode(tt.err))
		})
	}
}

func TestWrapKeepsBothErrors(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := Wrap(ErrStore, cause)
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, cause)
	assert.NoError(t, Wrap(ErrStore, nil))
}
