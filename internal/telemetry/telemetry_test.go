package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "classattend-test", "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestExporterOptions(t *testing.T) {
	tests := []struct {
		endpoint string
		want     int
	}{
		{endpoint: "collector:4318", want: 2},
		{endpoint: "http://collector:4318", want: 2},
		{endpoint: "https://collector.example.com/otlp/v1/traces", want: 2},
		{endpoint: "http://collector:4318/custom", want: 3},
	}
	for _, tt := range tests {
		if got := len(exporterOptions(tt.endpoint)); got != tt.want {
			t.Errorf("exporterOptions(%q) = %d options, want %d", tt.endpoint, got, tt.want)
		}
	}
}

func TestHandler_PassesThrough(t *testing.T) {
	h := Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}), "test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
}
