package httputil

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	WriteJSON(rr, http.StatusCreated, map[string]int{"frames": 1000})
	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"frames": 1000}`, rr.Body.String())
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name  string
		write func(http.ResponseWriter)
		code  int
		body  string
	}{
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "pos must be an integer") }, http.StatusBadRequest, `{"error":"pos must be an integer"}`},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "no annotation open") }, http.StatusNotFound, `{"error":"no annotation open"}`},
		{"custom", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusConflict, "busy") }, http.StatusConflict, `{"error":"busy"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.write(rr)
			assert.Equal(t, tt.code, rr.Code)
			assert.JSONEq(t, tt.body, rr.Body.String())
		})
	}
}

func TestRequireMethod(t *testing.T) {
	rr := httptest.NewRecorder()
	assert.True(t, RequireMethod(rr, httptest.NewRequest(http.MethodPost, "/api/save", nil), http.MethodPost))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	assert.False(t, RequireMethod(rr, httptest.NewRequest(http.MethodGet, "/api/save", nil), http.MethodPost))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
}
