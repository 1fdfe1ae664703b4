package httpapi

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/kindline/chat-app/internal/auth"
)

const testSecret = "httpapi-test-secret"

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	api := New(auth.NewVerifier(testSecret), nil, nil)
	mux := http.NewServeMux()
	api.Register(mux)
	return mux
}

func TestListMessagesRequiresAuth(t *testing.T) {
	mux := newTestMux(t)

	req := httptest.NewRequest(http.MethodGet, "/rooms/room-1/messages", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestListMessagesRejectsExpiredToken(t *testing.T) {
	mux := newTestMux(t)

	token, err := auth.Issue(testSecret, "u1", "alex@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/rooms/room-1/messages", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestParseListOptions(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{name: "empty", query: ""},
		{name: "paging", query: "limit=20&offset=40"},
		{name: "time range", query: "before=2026-08-01T00:00:00Z&after=2026-07-01T00:00:00Z"},
		{name: "thread filter", query: "thread_id=t-1"},
		{name: "bad limit", query: "limit=abc", wantErr: true},
		{name: "negative offset", query: "offset=-1", wantErr: true},
		{name: "bad timestamp", query: "before=yesterday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &http.Request{URL: &url.URL{RawQuery: tt.query}}
			_, err := parseListOptions(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseListOptions(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			}
		})
	}
}

func TestParseListOptionsValues(t *testing.T) {
	req := &http.Request{URL: &url.URL{RawQuery: "limit=25&offset=50&thread_id=t-9"}}
	opts, err := parseListOptions(req)
	if err != nil {
		t.Fatalf("parseListOptions() error = %v", err)
	}
	if opts.Limit != 25 || opts.Offset != 50 || opts.ThreadID != "t-9" {
		t.Errorf("opts = %+v, want limit=25 offset=50 thread_id=t-9", opts)
	}
}
