package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestFrom_AddsRunAndStep(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithStep(ctx, "new_chat")
	From(ctx).Info("step_start")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	if lines[0]["run_id"] != "run-1" {
		t.Errorf("run_id = %v, want run-1", lines[0]["run_id"])
	}
	if lines[0]["step"] != "new_chat" {
		t.Errorf("step = %v, want new_chat", lines[0]["step"])
	}
	if lines[0]["msg"] != "step_start" {
		t.Errorf("msg = %v, want step_start", lines[0]["msg"])
	}
}

func TestWithCorrelation_KeepsExistingFields(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-1")
	ctx = WithCorrelation(ctx, Correlation{ChatID: "7"})

	corr := CorrelationFromContext(ctx)
	if corr.RunID != "run-1" || corr.ChatID != "7" {
		t.Fatalf("unexpected correlation: %+v", corr)
	}
}

func TestRequestContextMiddleware_PrefersTraceparent(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	var seen Correlation
	h := RequestContextMiddleware(AccessLogMiddleware("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})))

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if seen.TraceID != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %q", seen.TraceID)
	}
	if rec.Header().Get("X-Request-Id") != seen.TraceID {
		t.Errorf("X-Request-Id = %q, want trace id", rec.Header().Get("X-Request-Id"))
	}

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 access line, got %d", len(lines))
	}
	if lines[0]["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", lines[0]["status"])
	}
}

func TestNewResponseRecorder_PreservesFlusher(t *testing.T) {
	wrapped, _ := NewResponseRecorder(httptest.NewRecorder())
	if _, ok := wrapped.(http.Flusher); !ok {
		t.Fatal("wrapped writer lost http.Flusher")
	}
}

func TestAccessLogMiddleware_IncludesAnnotationsAndFlushes(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	h := AccessLogMiddleware("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AnnotateAccess(r.Context(), "chat_id", int64(7))
		w.Write([]byte("event:done\ndata:ok\n\n"))
		w.(http.Flusher).Flush()
		w.(http.Flusher).Flush()
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/chats/7/stream", nil))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 access line, got %d", len(lines))
	}
	if lines[0]["chat_id"] != float64(7) {
		t.Errorf("chat_id = %v", lines[0]["chat_id"])
	}
	if lines[0]["flushes"] != float64(2) {
		t.Errorf("flushes = %v", lines[0]["flushes"])
	}
}

func TestAnnotateAccess_NoopWithoutMiddleware(t *testing.T) {
	AnnotateAccess(context.Background(), "k", "v")
}
