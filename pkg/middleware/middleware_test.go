package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/iota-uz/sheet-ingest/pkg/constants"
)

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestOpsGuard(t *testing.T) {
	h := OpsGuard(OpsGuardOptions{Enabled: true, CIDRs: "10.0.0.0/8", Token: "secret"})(http.HandlerFunc(okHandler))

	cases := []struct {
		name   string
		path   string
		remote string
		header map[string]string
		want   int
	}{
		{"unguarded path", "/uploads", "8.8.8.8:1", nil, http.StatusOK},
		{"allowed cidr", "/debug/prometheus", "10.1.2.3:5555", nil, http.StatusOK},
		{"denied", "/debug/prometheus", "8.8.8.8:1", nil, http.StatusNotFound},
		{"ops token", "/debug/prometheus", "8.8.8.8:1", map[string]string{"X-Ops-Token": "secret"}, http.StatusOK},
		{"bearer token", "/debug/prometheus", "8.8.8.8:1", map[string]string{"Authorization": "Bearer secret"}, http.StatusOK},
		{"wrong token", "/debug/prometheus", "8.8.8.8:1", map[string]string{"X-Ops-Token": "nope"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			req.RemoteAddr = tc.remote
			for k, v := range tc.header {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}

	disabled := OpsGuard(OpsGuardOptions{})(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/prometheus", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWithLogger_RequestIDAndContext(t *testing.T) {
	var seenID string
	var hasLogger bool
	h := WithLogger(quietLogger(), DefaultLoggerOptions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestID(r.Context())
		_, hasLogger = r.Context().Value(constants.LoggerKey).(*logrus.Entry)
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/uploads", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "req-42", seenID)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
	require.True(t, hasLogger)
}

func TestTracedMiddleware_NestsUnderRequestSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := WithLogger(quietLogger(), DefaultLoggerOptions())(
		TracedMiddleware("uploads.get")(http.HandlerFunc(okHandler)),
	)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "middleware.uploads.get", spans[0].Name())
	require.Equal(t, "http.request", spans[1].Name())
	require.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	require.NotEmpty(t, rec.Header().Get("X-Trace-Id"))
}

func TestWithLogger_RecoversPanics(t *testing.T) {
	h := WithLogger(quietLogger(), DefaultLoggerOptions())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "INTERNAL_SERVER_ERROR", body["code"])
}

func TestRateLimit(t *testing.T) {
	h := RateLimit(RateLimitConfig{RequestsPerPeriod: 2})(http.HandlerFunc(okHandler))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/uploads", nil)
		req.RemoteAddr = "192.0.2.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	require.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	unlimited := RateLimit(RateLimitConfig{})(http.HandlerFunc(okHandler))
	rec := httptest.NewRecorder()
	unlimited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/uploads", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCors(t *testing.T) {
	h := Cors("http://localhost:3000")(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodGet, "/uploads", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
