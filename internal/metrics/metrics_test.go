package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHealthzReportsDegradedWithoutFeed(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedConnected(false)
	h.SQLiteOK = true

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 503 {
		t.Errorf("code = %d, want 503 while the feed is down", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad json: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v", body["status"])
	}
}

func TestHealthzHealthy(t *testing.T) {
	h := NewHealthStatus()
	h.SetFeedConnected(true)
	h.SQLiteOK = true
	h.RedisConnected = true
	h.SetTradingEnabled(true)
	h.SetOpenTrades(3)
	h.SetLastTickTime(time.Now().Add(-2 * time.Second))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != 200 {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "healthy" || body["open_trades"] != float64(3) {
		t.Errorf("body = %v", body)
	}
	if body["tick_age"] == "" {
		t.Error("tick_age should be populated")
	}
}
