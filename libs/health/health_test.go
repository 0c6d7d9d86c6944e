package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestReadinessReportsFailingChecks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := NewManager(false)
	r := gin.New()
	r.GET("/readyz", ReadinessHandler(m))

	serve := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return w
	}

	if w := serve(); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", w.Code)
	}

	m.SetReady(true)
	dbDown := true
	m.AddCheck("postgres", func(context.Context) error {
		if dbDown {
			return errors.New("connection refused")
		}
		return nil
	})
	m.AddCheck("kafka", func(context.Context) error { return nil })

	if failing := m.Failing(context.Background()); len(failing) != 1 || failing[0] != "postgres" {
		t.Fatalf("expected postgres failing, got %v", failing)
	}
	if w := serve(); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with failing check, got %d", w.Code)
	}

	dbDown = false
	if w := serve(); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
