package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/codestation/station"
)

// ClientCounter reports connected websocket clients
type ClientCounter interface {
	Clients() int
}

// StationView is the read-only view of the station served over HTTP
type StationView interface {
	Status() station.Status
	Rooms() []station.RoomStatus
}

// API serves the plain HTTP endpoints
type API struct {
	logger  *zap.Logger
	clients ClientCounter
	station StationView
}

// New creates an API
func New(logger *zap.Logger, clients ClientCounter, view StationView) *API {
	return &API{
		logger:  logger,
		clients: clients,
		station: view,
	}
}

// Register mounts the endpoints on mux
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", a.HealthHandler)
	mux.HandleFunc("GET /api/rooms", a.RoomsHandler)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Rooms     int    `json:"rooms"`
	Clients   int    `json:"clients"`
	Running   int    `json:"running"`
	Timestamp string `json:"timestamp"`
}

func (a *API) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	st := a.station.Status()
	a.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Rooms:     st.Rooms,
		Clients:   a.clients.Clients(),
		Running:   st.Running,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// RoomsHandler lists room summaries. Passwords, code and chat are never included.
func (a *API) RoomsHandler(w http.ResponseWriter, _ *http.Request) {
	a.jsonResponse(w, http.StatusOK, a.station.Rooms())
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("failed to encode response", zap.Error(err))
	}
}
