// Package api serves the JSON status and control endpoints over HTTPS and
// HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/capmux/internal/capture"
	"github.com/zsiec/capmux/internal/certs"
	"github.com/zsiec/capmux/internal/device"
	"github.com/zsiec/capmux/internal/ingest"
	"github.com/zsiec/capmux/internal/media"
	"github.com/zsiec/capmux/internal/pipeline"
)

// SessionInfo is the JSON view of one capture session.
type SessionInfo struct {
	Key         string          `json:"key"`
	Description string          `json:"description,omitempty"`
	Capture     capture.Stats   `json:"capture"`
	Device      *device.Stats   `json:"device,omitempty"`
	Pipeline    *pipeline.Stats `json:"pipeline,omitempty"`
	Ingest      *ingest.Stats   `json:"ingest,omitempty"`
}

// PullInfo describes an active SRT pull.
type PullInfo struct {
	Address   string `json:"address"`
	StreamKey string `json:"streamKey"`
	StreamID  string `json:"streamId,omitempty"`
}

// Callbacks into the application. Any may be nil, which disables the
// matching endpoint.
type (
	SessionLister func() []SessionInfo
	SessionLookup func(key string) (SessionInfo, bool)
	ResetFunc     func(key string, kind media.Kind) error
	StopFunc      func(key string) error
	PullFunc      func(address, streamKey, streamID string) error
	PullStopFunc  func(streamKey string) error
	PullListFunc  func() []PullInfo
)

// Config holds the server address, certificate and callbacks.
type Config struct {
	// Addr is the UDP address of the HTTP/3 listener.
	Addr string
	Cert *certs.Cert
	Log  *slog.Logger

	Sessions    SessionLister
	Session     SessionLookup
	Reset       ResetFunc
	StopSession StopFunc
	Pull        PullFunc
	PullStop    PullStopFunc
	PullList    PullListFunc
}

// Server exposes the API. Handler serves the HTTPS listener the caller
// runs; Start runs the HTTP/3 listener.
type Server struct {
	cfg Config
	log *slog.Logger
	h3  *http3.Server
}

// NewServer validates cfg and returns a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if cfg.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Server{cfg: cfg, log: log.With("component", "api")}
	s.h3 = &http3.Server{
		Addr:      cfg.Addr,
		Handler:   s.Handler(),
		TLSConfig: http3.ConfigureTLSConfig(cfg.Cert.TLSConfig()),
		QUICConfig: &quic.Config{
			MaxIdleTimeout: 30 * time.Second,
			Allow0RTT:      true,
		},
	}
	return s, nil
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{key...}", s.handleSession)
	mux.HandleFunc("POST /api/reset/{key...}", s.handleReset)
	mux.HandleFunc("POST /api/stop/{key...}", s.handleStop)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("GET /api/srt-pull", s.handlePullList)
	mux.HandleFunc("POST /api/srt-pull", s.handlePullCreate)
	mux.HandleFunc("DELETE /api/srt-pull", s.handlePullStop)
	mux.HandleFunc("OPTIONS /api/srt-pull", s.handlePullOptions)
}

// Handler returns the API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.routes(mux)
	return s.altSvc(corsMiddleware(mux))
}

// altSvc advertises the HTTP/3 listener to HTTPS clients once it is
// serving.
func (s *Server) altSvc(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Start runs the HTTP/3 server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.Info("HTTP/3 API listening", "addr", s.cfg.Addr)

	stop := context.AfterFunc(ctx, func() { s.h3.Close() })
	defer stop()

	err := s.h3.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	var resp []SessionInfo
	if s.cfg.Sessions != nil {
		resp = s.cfg.Sessions()
	}
	if resp == nil {
		resp = make([]SessionInfo, 0)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Session == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	info, ok := s.cfg.Session(r.PathValue("key"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Reset == nil {
		writeError(w, http.StatusNotImplemented, "reset not configured")
		return
	}
	var kind media.Kind
	switch r.URL.Query().Get("kind") {
	case "", "video":
		kind = media.KindVideo
	case "audio":
		kind = media.KindAudio
	default:
		writeError(w, http.StatusBadRequest, "kind must be video or audio")
		return
	}
	key := r.PathValue("key")
	if err := s.cfg.Reset(key, kind); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "key": key, "kind": kind.String()})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StopSession == nil {
		writeError(w, http.StatusNotImplemented, "stop not configured")
		return
	}
	key := r.PathValue("key")
	if err := s.cfg.StopSession(key); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping", "key": key})
}

type certHashResponse struct {
	Hash       string    `json:"hash"`
	Addr       string    `json:"addr"`
	NotAfter   time.Time `json:"notAfter"`
	SelfSigned bool      `json:"selfSigned"`
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:       s.cfg.Cert.FingerprintHex(),
		Addr:       s.cfg.Addr,
		NotAfter:   s.cfg.Cert.NotAfter,
		SelfSigned: s.cfg.Cert.SelfSigned,
	})
}

func (s *Server) handlePullOptions(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePullList(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.PullList == nil {
		writeJSON(w, http.StatusOK, []PullInfo{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.PullList())
}

func (s *Server) handlePullCreate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pull == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	var req PullInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Address == "" || req.StreamKey == "" {
		writeError(w, http.StatusBadRequest, "address and streamKey are required")
		return
	}
	if err := s.cfg.Pull(req.Address, req.StreamKey, req.StreamID); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "pulling", "streamKey": req.StreamKey})
}

func (s *Server) handlePullStop(w http.ResponseWriter, r *http.Request) {
	if s.cfg.PullStop == nil {
		writeError(w, http.StatusNotImplemented, "SRT pull not configured")
		return
	}
	streamKey := r.URL.Query().Get("streamKey")
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, "streamKey query parameter required")
		return
	}
	if err := s.cfg.PullStop(streamKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped", "streamKey": streamKey})
}
