package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriter_formats(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer
	NewWithWriter(&jsonBuf, "info", "json").Info("hello", "k", "v")
	NewWithWriter(&textBuf, "info", "text").Info("hello", "k", "v")

	var m map[string]any
	if err := json.Unmarshal(jsonBuf.Bytes(), &m); err != nil {
		t.Fatalf("json output not parseable: %v (%s)", err, jsonBuf.String())
	}
	if m["msg"] != "hello" || m["k"] != "v" {
		t.Errorf("unexpected json record: %v", m)
	}
	if !strings.Contains(textBuf.String(), "k=v") {
		t.Errorf("unexpected text record: %s", textBuf.String())
	}
}

func TestNewWithWriter_level_filters(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "warn", "json")
	log.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info should be filtered at warn level: %s", buf.String())
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", "json")

	r := chi.NewRouter()
	r.Use(RequestLogger(log))
	r.Get("/streams/{stream_id}/status", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/streams/s1/status", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if m["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v, want 418", m["status"])
	}
	if m["route"] != "/streams/{stream_id}/status" {
		t.Errorf("route = %v", m["route"])
	}
	if m["size"] != float64(2) {
		t.Errorf("size = %v, want 2", m["size"])
	}
}
