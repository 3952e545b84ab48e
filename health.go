package main

import (
	"encoding/json"
	"net/http"
	"time"
)

const AdminKeyHeader = "x-admin-key"
const AdminKeyParam = "admin_key"

type HealthStatus struct {
	Status         string `json:"status"`
	Uptime         int64  `json:"uptime"`
	ActiveSessions int    `json:"activeSessions"`
	WaitingInQueue int    `json:"waitingInQueue"`
	ActiveRooms    int    `json:"activeRooms"`
}

// HealthHandler reports aggregate counts only; no session or room
// identifiers ever leave through this route.
type HealthHandler struct {
	Sessions SessionRegistry
	Rooms    Matchmaker
	Started  time.Time
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	status := HealthStatus{
		Status: "ok",
		Uptime: int64(time.Since(h.Started).Seconds()),
	}

	var err error

	if status.ActiveSessions, err = h.Sessions.SessionCount(ctx); err != nil {
		status.Status = "degraded"
	}

	if status.WaitingInQueue, err = h.Rooms.QueueLen(ctx); err != nil {
		status.Status = "degraded"
	}

	if status.ActiveRooms, err = h.Rooms.RoomCount(ctx); err != nil {
		status.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")

	encoded, _ := json.Marshal(status)

	_, _ = w.Write(encoded)
}

// AdminGate guards a route with the process admin secret, supplied either as
// a header or a query parameter. An empty secret disables the gate.
func AdminGate(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key != "" {
			supplied := r.Header.Get(AdminKeyHeader)

			if supplied == "" {
				supplied = r.URL.Query().Get(AdminKeyParam)
			}

			if supplied != key {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

type LandingHandler struct{}

func (LandingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("whisper relay\n"))
}
