package common

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteErrorResponse(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	WriteErrorResponse(rr, "group not found", http.StatusNotFound)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "group not found", resp.Error)
}

func TestDecodeJSONBody(t *testing.T) {
	t.Parallel()

	type body struct {
		Name string `json:"name"`
	}

	tests := []struct {
		name     string
		payload  string
		wantName string
		wantErr  string
	}{
		{name: "valid", payload: `{"name":"group-1"}`, wantName: "group-1"},
		{name: "unknown field", payload: `{"name":"group-1","extra":true}`, wantErr: "unknown field"},
		{name: "trailing data", payload: `{"name":"a"}{"name":"b"}`, wantErr: "unexpected data"},
		{name: "not json", payload: `name=group-1`, wantErr: "invalid request body"},
		{name: "too large", payload: `{"name":"` + strings.Repeat("a", MaxBodyBytes) + `"}`, wantErr: "exceeds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.payload))
			var dst body
			err := DecodeJSONBody(httptest.NewRecorder(), req, &dst)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, dst.Name)
		})
	}
}
