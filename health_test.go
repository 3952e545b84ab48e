package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthHandler(t *testing.T) {
	ctx := context.Background()
	registry := NewLocalSessionRegistry(DefaultSessionTTL)
	rooms := NewLocalMatchmaker(registry)

	_ = registry.AddSession(ctx, "alice", "conn1")
	_ = registry.AddSession(ctx, "bob", "conn2")
	_, _ = rooms.JoinQueue(ctx, "alice", "conn1")

	handler := &HealthHandler{
		Sessions: registry,
		Rooms:    rooms,
		Started:  time.Now().Add(-90 * time.Second),
	}

	req := httptest.NewRequest("GET", "http://localhost/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Result().StatusCode)
	assert.Equal(t, "application/json", w.Result().Header.Get("Content-Type"))

	var status HealthStatus

	assert.Nil(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.GreaterOrEqual(t, status.Uptime, int64(90))
	assert.Equal(t, 2, status.ActiveSessions)
	assert.Equal(t, 1, status.WaitingInQueue)
	assert.Equal(t, 0, status.ActiveRooms)
}

func TestHealthHandler_MethodNotAllowed(t *testing.T) {
	handler := &HealthHandler{
		Sessions: NewLocalSessionRegistry(DefaultSessionTTL),
		Rooms:    NewLocalMatchmaker(nil),
		Started:  time.Now(),
	}

	req := httptest.NewRequest("POST", "http://localhost/health", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, 405, w.Result().StatusCode)
}

func TestAdminGate(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})

	gate := AdminGate("secret", next)

	req := httptest.NewRequest("GET", "http://localhost/", nil)
	w := httptest.NewRecorder()

	gate.ServeHTTP(w, req)

	assert.Equal(t, 401, w.Result().StatusCode)

	req = httptest.NewRequest("GET", "http://localhost/", nil)
	req.Header.Set(AdminKeyHeader, "secret")
	w = httptest.NewRecorder()

	gate.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Result().StatusCode)

	req = httptest.NewRequest("GET", "http://localhost/?admin_key=secret", nil)
	w = httptest.NewRecorder()

	gate.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Result().StatusCode)

	req = httptest.NewRequest("GET", "http://localhost/", nil)
	req.Header.Set(AdminKeyHeader, "wrong")
	w = httptest.NewRecorder()

	gate.ServeHTTP(w, req)

	assert.Equal(t, 401, w.Result().StatusCode)
}

func TestAdminGate_DisabledWithoutKey(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	})

	gate := AdminGate("", next)

	req := httptest.NewRequest("GET", "http://localhost/", nil)
	w := httptest.NewRecorder()

	gate.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Result().StatusCode)
}
