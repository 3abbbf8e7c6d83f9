package shared

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sampleRequest struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"name":"a","count":1}`, false},
		{"unknown field", `{"name":"a","extra":1}`, true},
		{"trailing data", `{"name":"a"} {"name":"b"}`, true},
		{"malformed", `{"name":`, true},
		{"oversized", `{"name":"` + strings.Repeat("x", MaxBodyBytes) + `"}`, true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var v sampleRequest
			err := DecodeJSON(httptest.NewRecorder(), req, &v)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, sampleRequest{Name: "a", Count: 1}, v)
		})
	}
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateRequest(sampleRequest{Name: "a"}))
	assert.Error(t, ValidateRequest(sampleRequest{Count: -1}))
}
