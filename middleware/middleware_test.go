package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestLoggingMiddleware(t *testing.T) {
	var gotTrace *TraceInfo
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTrace = GetTraceInfo(r.Context())
		GetLogger(r.Context()).Info("inside handler")
		w.WriteHeader(http.StatusOK)
	})

	loggedHandler := LoggingMiddleware(handler)

	req, err := http.NewRequest("GET", "/test", nil)
	if err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	loggedHandler.ServeHTTP(rr, req)

	if status := rr.Code; status != http.StatusOK {
		t.Errorf("handler returned wrong status code: got %v want %v", status, http.StatusOK)
	}

	id := rr.Header().Get("X-Request-ID")
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("expected request ID header, got %q", id)
	}
	if gotTrace == nil || gotTrace.RequestID != id {
		t.Errorf("expected trace info with request ID %s, got %+v", id, gotTrace)
	}
}

func TestLoggingMiddlewareKeepsValidRequestID(t *testing.T) {
	id := uuid.New().String()
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/health", nil)
	req.Header.Set("X-Request-ID", id)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != id {
		t.Errorf("expected request ID %s, got %s", id, got)
	}
}

func TestLoggingMiddlewareRecoversPanic(t *testing.T) {
	handler := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/boom", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", rr.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)
	handler := Chain(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}),
		LoggingMiddleware,
		limiter.Middleware,
	)

	codes := make([]int, 3)
	for i := range codes {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest("POST", "/api/runs", nil))
		codes[i] = rr.Code
	}

	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d: expected %d, got %d", i, want[i], codes[i])
		}
	}
}
