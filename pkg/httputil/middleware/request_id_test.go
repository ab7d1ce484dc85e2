package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/restlet/pkg/httputil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	existing := uuid.New().String()
	incoming := uuid.New().String()

	tests := []struct {
		name   string
		ctxID  string
		header string
		want   string // empty means a fresh UUID
	}{
		{name: "generated"},
		{name: "context value wins", ctxID: existing, header: incoming, want: existing},
		{name: "valid header reused", header: incoming, want: incoming},
		{name: "invalid header replaced", header: "not a uuid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = r.Context().Value(httputil.RequestIDCtxKey).(string)
			}))

			req := httptest.NewRequest(http.MethodGet, "/users", nil)
			if tt.ctxID != "" {
				req = req.WithContext(context.WithValue(req.Context(), httputil.RequestIDCtxKey, tt.ctxID))
			}
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, seen, w.Header().Get(RequestIDHeader))
			if tt.want != "" {
				assert.Equal(t, tt.want, seen)
				return
			}
			_, err := uuid.Parse(seen)
			require.NoError(t, err)
			assert.NotEqual(t, tt.header, seen)
		})
	}
}

func TestRequestIDUniquePerRequest(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	ids := map[string]bool{}
	for range 5 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users", nil))
		ids[w.Header().Get(RequestIDHeader)] = true
	}
	assert.Len(t, ids, 5)
}
