package server

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"github.com/n0ot/voicerelayd/pkg/relay"
)

// Same layout as JavaScript's Date.toISOString, which clients already parse.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
}

// ErrorResponse is returned with any failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler routes plain HTTP requests and websocket upgrades to rl.
func (srv *Server) Handler(rl *relay.Relay) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth(rl))
	mux.HandleFunc("GET /stats", srv.handleStats(rl))
	mux.HandleFunc("GET /rooms/{roomId}", srv.handleRoom(rl))

	ws := srv.serveWebsocket(rl)
	mux.HandleFunc("GET /ws", ws)
	mux.HandleFunc("GET /{$}", ws)

	c := cors.New(cors.Options{
		AllowedOrigins:       []string{srv.corsOrigin()},
		AllowedMethods:       []string{http.MethodGet, http.MethodOptions},
		AllowCredentials:     true,
		OptionsSuccessStatus: http.StatusOK,
	})
	return logRequests(srv.Log, c.Handler(mux))
}

func (srv *Server) handleHealth(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, err := rl.Health(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{
				Status:    "unavailable",
				Timestamp: time.Now().UTC().Format(timestampLayout),
			})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{
			Status:      "healthy",
			Timestamp:   h.Time.UTC().Format(timestampLayout),
			Connections: h.Participants,
			Rooms:       h.Rooms,
		})
	}
}

func (srv *Server) handleStats(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := rl.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func (srv *Server) handleRoom(rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, ok, err := rl.Room(r.Context(), r.PathValue("roomId"))
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
			return
		}
		if !ok {
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Room not found"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusWriter records the status code written through it.
// It can still be hijacked, so websocket upgrades pass through.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("Hijacking not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func logRequests(log *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.status,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Debug("HTTP request")
	})
}
