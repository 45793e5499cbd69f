package proxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_TagsRequests(t *testing.T) {
	var gotIdentifier, gotRequestID string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentifier = GetIdentifier(r.Context())
		gotRequestID = GetRequestID(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Client-ID", "editor-7")
	rec := httptest.NewRecorder()
	Middleware(inner).ServeHTTP(rec, req)

	if gotIdentifier != "editor-7" {
		t.Fatalf("identifier = %q, want editor-7", gotIdentifier)
	}
	if gotRequestID == "" {
		t.Fatal("request ID must be assigned")
	}
	if rec.Header().Get("X-Request-ID") != gotRequestID {
		t.Fatal("request ID must be echoed in the response header")
	}
}

func TestMiddleware_DefaultIdentifier(t *testing.T) {
	var gotIdentifier string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdentifier = GetIdentifier(r.Context())
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	Middleware(inner).ServeHTTP(httptest.NewRecorder(), req)

	if gotIdentifier != DefaultIdentifier {
		t.Fatalf("identifier = %q, want %q", gotIdentifier, DefaultIdentifier)
	}
}
