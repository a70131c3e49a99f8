// Package api exposes the tracking engine over HTTP.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"time"

	"github.com/andresmejia3/persona/internal/capture"
	"github.com/andresmejia3/persona/internal/monitoring"
	"github.com/andresmejia3/persona/internal/pipeline"
	"github.com/andresmejia3/persona/internal/track"
)

// maxFrameSize bounds an uploaded frame
const maxFrameSize = 32 << 20

type Server struct {
	pipeline *pipeline.Pipeline
	// latest is the capture loop's snapshot; nil when no camera is attached
	latest *capture.Latest
	start  time.Time
}

func NewServer(p *pipeline.Pipeline, latest *capture.Latest) *Server {
	return &Server{
		pipeline: p,
		latest:   latest,
		start:    time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs method, path, status and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf("[%d] %s %s %vms", lrw.statusCode, r.Method, r.RequestURI,
			float64(time.Since(start).Nanoseconds())/1e6)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/frames", s.postFrame)
	mux.HandleFunc("/persons", s.listPersons)
	mux.HandleFunc("/healthz", s.health)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// postFrame runs one tracking cycle on the uploaded JPEG or PNG frame and
// answers with the resulting snapshot.
func (s *Server) postFrame(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeJSONError(w, http.StatusRequestEntityTooLarge, "Frame too large")
			return
		}
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read frame: %v", err))
		return
	}
	frame, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid image: %v", err))
		return
	}

	persons, err := s.pipeline.ProcessFrame(r.Context(), frame)
	if err != nil {
		// The snapshot is still valid; the detector missed this frame
		monitoring.Logf("frame processed without detections: %v", err)
		w.Header().Set("X-Persona-Degraded", "detector")
	}

	if err := json.NewEncoder(w).Encode(persons); err != nil {
		// Headers are already sent
		monitoring.Logf("failed to write persons: %v", err)
	}
}

// listPersons returns the current snapshot, optionally filtered by status.
func (s *Server) listPersons(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var persons []track.Person
	switch status := r.URL.Query().Get("status"); status {
	case "":
		persons = s.snapshot()
	case string(track.Confirmed), string(track.Pending):
		for _, p := range s.snapshot() {
			if string(p.Status) == status {
				persons = append(persons, p)
			}
		}
	default:
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'status' parameter")
		return
	}
	if persons == nil {
		persons = []track.Person{}
	}

	if err := json.NewEncoder(w).Encode(persons); err != nil {
		// Headers are already sent
		monitoring.Logf("failed to write persons: %v", err)
	}
}

func (s *Server) snapshot() []track.Person {
	if s.latest != nil && s.latest.Frames() > 0 {
		persons, _ := s.latest.Get()
		return persons
	}
	return s.pipeline.Snapshot()
}

type healthResponse struct {
	Status     string  `json:"status"`
	Uptime     float64 `json:"uptime_seconds"`
	Identities int     `json:"identities"`
	Tracks     int     `json:"tracks"`
	Frames     uint64  `json:"capture_frames"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := healthResponse{
		Status:     "ok",
		Uptime:     time.Since(s.start).Seconds(),
		Identities: s.pipeline.Identities(),
		Tracks:     len(s.pipeline.Summaries()),
	}
	if s.latest != nil {
		resp.Frames = s.latest.Frames()
	}
	json.NewEncoder(w).Encode(resp)
}
