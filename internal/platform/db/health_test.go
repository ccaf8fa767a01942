package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantStatus string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"unreachable", errors.New("connection refused"), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/db", nil), rec)

			if err := HealthHandler(fakePinger{err: tt.err})(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, rec.Code)
			}
			var body map[string]interface{}
			json.Unmarshal(rec.Body.Bytes(), &body)
			if body["status"] != tt.wantStatus {
				t.Errorf("expected status %q, got %v", tt.wantStatus, body["status"])
			}
			if _, ok := body["pool"]; ok {
				t.Error("pool stats are only reported for a real pool")
			}
			if tt.err != nil && body["error"] != tt.err.Error() {
				t.Errorf("expected error %q, got %v", tt.err, body["error"])
			}
		})
	}
}

func TestPoolStats_JSON(t *testing.T) {
	stats := PoolStats{TotalConns: 1, MaxConns: 10, AcquireCount: 50, AcquireDuration: "250ms", Healthy: true}
	data, err := json.Marshal(stats)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	json.Unmarshal(data, &m)
	for _, key := range []string{"total_conns", "idle_conns", "acquired_conns", "max_conns", "acquire_count", "acquire_duration", "healthy"} {
		if _, ok := m[key]; !ok {
			t.Errorf("missing key %s", key)
		}
	}
}
