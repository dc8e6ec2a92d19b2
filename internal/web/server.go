// Package web provides the HTTP status page and control API for the
// irrigation controller.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"strings"

	"github.com/sweeney/irrigation-controller/internal/controller"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/valve"
)

// Controller is the subset of controller.Controller the API needs.
type Controller interface {
	Valves() []valve.Snapshot
	Valve(id string) (valve.Snapshot, error)
	SetValve(id, state string) error
	TotalMinutesLast24h() float64
	RestartSequence()
	SchedulerEnabled() bool
	EnableScheduler()
	DisableScheduler()
	Depth() (float64, bool)
}

// Server serves the status page and API over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
}

// New creates a Server that reads state from the tracker and sends commands
// to ctrl.
func New(addr string, tracker *status.Tracker, ctrl Controller) *Server {
	s := &Server{tracker: tracker, ctrl: ctrl}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/valves", s.handleValves)
	mux.HandleFunc("GET /api/valves/{id}", s.handleValve)
	mux.HandleFunc("POST /api/valves/{id}", s.handleSetValve)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/depth", s.handleDepth)
	mux.HandleFunc("GET /api/scheduler", s.handleScheduler)
	mux.HandleFunc("POST /api/scheduler/enable", s.handleSchedulerEnable)
	mux.HandleFunc("POST /api/scheduler/disable", s.handleSchedulerDisable)
	mux.HandleFunc("POST /api/sequence/restart", s.handleRestart)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" && r.URL.Path != "/index.html" {
		http.NotFound(w, r)
		return
	}
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleValves(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, valvesBody{Valves: status.FormatValves(s.ctrl.Valves())})
}

func (s *Server) handleValve(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctrl.Valve(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status.FormatValve(snap))
}

func (s *Server) handleSetValve(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := readState(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	if err := s.ctrl.SetValve(id, state); err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.ctrl.Valve(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status.FormatValve(snap))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsBody{TotalMinutes: s.ctrl.TotalMinutesLast24h()})
}

func (s *Server) handleDepth(w http.ResponseWriter, r *http.Request) {
	var body depthBody
	if d, ok := s.ctrl.Depth(); ok {
		body.Depth = &d
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, schedulerBody{Enabled: s.ctrl.SchedulerEnabled()})
}

func (s *Server) handleSchedulerEnable(w http.ResponseWriter, r *http.Request) {
	log.Printf("web: scheduler enable requested from %s", r.RemoteAddr)
	s.ctrl.EnableScheduler()
	writeJSON(w, http.StatusOK, schedulerBody{Enabled: s.ctrl.SchedulerEnabled()})
}

func (s *Server) handleSchedulerDisable(w http.ResponseWriter, r *http.Request) {
	log.Printf("web: scheduler disable requested from %s", r.RemoteAddr)
	s.ctrl.DisableScheduler()
	writeJSON(w, http.StatusOK, schedulerBody{Enabled: s.ctrl.SchedulerEnabled()})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	log.Printf("web: sequence restart requested from %s", r.RemoteAddr)
	s.ctrl.RestartSequence()
	writeJSON(w, http.StatusOK, okBody{OK: true})
}

// readState accepts either a JSON body {"state":"on"} or a form field.
func readState(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req stateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", errors.New("malformed JSON body")
		}
		return req.State, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", errors.New("malformed form body")
	}
	return r.FormValue("state"), nil
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, controller.ErrValveNotFound):
		code = http.StatusNotFound
	case errors.Is(err, controller.ErrInvalidState):
		code = http.StatusBadRequest
	default:
		log.Printf("web: %v", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}
