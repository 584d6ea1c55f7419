package response_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnosis/labbooking/pkg/logger"
	"github.com/diagnosis/labbooking/pkg/response"
)

type teapot struct{}

func (teapot) Error() string            { return "internal: kettle melted at 0x1f" }
func (teapot) ErrorCode() string        { return "TEAPOT" }
func (teapot) HTTPStatus() int          { return http.StatusTeapot }
func (teapot) PublicMessage() string    { return "short and stout" }
func (teapot) Details() map[string]any  { return map[string]any{"spout": true} }
func (teapot) SetHeaders(h http.Header) { h.Set("X-Brew", "earl-grey") }

func TestWriteErr_CodedError(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	response.WriteErr(rec, req, teapot{})

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "earl-grey", rec.Header().Get("X-Brew"))
	var body response.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "TEAPOT", body.Code)
	assert.Equal(t, "short and stout", body.Error)
	assert.Equal(t, true, body.Details["spout"])
}

func TestWriteErr_UnknownErrorIsGeneric(t *testing.T) {
	logger.Discard()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	response.WriteErr(rec, req, errors.New("pq: password authentication failed for user \"lab\""))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "pq:")
	assert.Contains(t, rec.Body.String(), response.CodeInternalError)
}
