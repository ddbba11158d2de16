// Package web provides an HTTP status server for the iono-daq daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sweeney/iono-daq/internal/channel"
	"github.com/sweeney/iono-daq/internal/logging"
	"github.com/sweeney/iono-daq/internal/status"
)

// Outputs drives the board outputs. *channel.Registry satisfies it.
type Outputs interface {
	SetRelay(id int, on bool) error
	SetOpenCollector(id int, on bool) error
	SetLED(on bool) error
	Snapshot() channel.Snapshot
}

// Server serves the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	outputs    Outputs
	gatherer   prometheus.Gatherer
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes g on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithOutputs enables POST /outputs/... to switch relays, open collectors and
// the LED.
func WithOutputs(o Outputs) Option {
	return func(s *Server) { s.outputs = o }
}

// New creates a Server that reads state from the given tracker.
func New(addr string, tracker *status.Tracker, opts ...Option) *Server {
	s := &Server{tracker: tracker}
	for _, o := range opts {
		o(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/index.html", s.handleIndex)
	mux.HandleFunc("/index.json", s.handleJSON)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.outputs != nil {
		mux.HandleFunc("POST /outputs/led", s.handleLED)
		mux.HandleFunc("POST /outputs/{kind}/{id}", s.handleOutput)
	}

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	return s
}

// Handler returns the request router. Useful for tests.
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
	if err := renderHTML(w, snap); err != nil {
		logging.Error("Render status page failed", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

type outputResult struct {
	Kind string `json:"kind"`
	ID   int    `json:"id,omitempty"`
	On   bool   `json:"on"`
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid output id", http.StatusBadRequest)
		return
	}
	on, err := parseState(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	kind := r.PathValue("kind")
	switch kind {
	case "relay":
		err = s.outputs.SetRelay(id, on)
	case "oc":
		err = s.outputs.SetOpenCollector(id, on)
	default:
		http.Error(w, "unknown output kind", http.StatusNotFound)
		return
	}
	s.respondOutput(w, outputResult{Kind: kind, ID: id, On: on}, err)
}

func (s *Server) handleLED(w http.ResponseWriter, r *http.Request) {
	on, err := parseState(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.respondOutput(w, outputResult{Kind: "led", On: on}, s.outputs.SetLED(on))
}

func (s *Server) respondOutput(w http.ResponseWriter, res outputResult, err error) {
	switch {
	case errors.Is(err, channel.ErrChannelNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case errors.Is(err, channel.ErrDisabled):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.tracker.UpdateChannels(s.outputs.Snapshot())
	logging.Info("Output switched over HTTP", "kind", res.Kind, "id", res.ID, "on", res.On)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// parseState reads the state query parameter: on/off, true/false or 1/0.
func parseState(r *http.Request) (bool, error) {
	v := r.URL.Query().Get("state")
	switch v {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	on, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.New("state must be on or off")
	}
	return on, nil
}
