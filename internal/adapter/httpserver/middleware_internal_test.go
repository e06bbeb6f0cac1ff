package httpserver

import (
	"net/http/httptest"
	"os"
	"testing"

	"github.com/segforge/segcore/internal/config"
)

func Test_HealthzHandler_OK(t *testing.T) {
	s := NewServer(config.Config{}, nil, nil, nil, nil, nil, nil, nil)
	rw := httptest.NewRecorder()
	s.HealthzHandler()(rw, httptest.NewRequest("GET", "/healthz", nil))
	if rw.Result().StatusCode != 200 {
		t.Fatalf("want 200, got %d", rw.Result().StatusCode)
	}
}

func Test_ReadyzHandler_NotReadyWithoutStore(t *testing.T) {
	s := NewServer(config.Config{}, nil, nil, nil, nil, nil, nil, nil)
	rw := httptest.NewRecorder()
	s.ReadyzHandler()(rw, httptest.NewRequest("GET", "/readyz", nil))
	if rw.Result().StatusCode != 503 {
		t.Fatalf("want 503, got %d", rw.Result().StatusCode)
	}
}

func Test_OpenAPIServe_200(t *testing.T) {
	s := NewServer(config.Config{Port: 8080}, nil, nil, nil, nil, nil, nil, nil)
	if err := os.MkdirAll("api", 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll("api") })
	if err := os.WriteFile("api/openapi.yaml", []byte("openapi: 3.0.0\ninfo:\n  title: test\n  version: 1.0.0\n"), 0o600); err != nil {
		t.Fatalf("write openapi: %v", err)
	}
	rw := httptest.NewRecorder()
	s.OpenAPIServe()(rw, httptest.NewRequest("GET", "/openapi.yaml", nil))
	if rw.Result().StatusCode != 200 {
		t.Fatalf("want 200, got %d", rw.Result().StatusCode)
	}
}

func Test_newReqID(t *testing.T) {
	t.Parallel()

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newReqID()
		if id == "" {
			t.Fatal("newReqID returned empty string")
		}
		if ids[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		ids[id] = true
	}
}

func Test_newReqID_Format(t *testing.T) {
	t.Parallel()

	id := newReqID()
	if len(id) != 26 {
		if len(id) < 20 {
			t.Fatalf("unexpected ID format: %s (len=%d)", id, len(id))
		}
	}
}
