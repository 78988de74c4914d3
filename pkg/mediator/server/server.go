// Package server wires the HTTP surface: control-plane handlers, websocket
// attach endpoints, middleware, and the static dashboard mount.
package server

import (
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/voicedesk/mediator/pkg/mediator/config"
	"github.com/voicedesk/mediator/pkg/mediator/httpapi"
	"github.com/voicedesk/mediator/pkg/mediator/manager"
	"github.com/voicedesk/mediator/pkg/mediator/metrics"
	"github.com/voicedesk/mediator/pkg/mediator/session"
	"github.com/voicedesk/mediator/pkg/mediator/transport"
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	manager *manager.Manager
	metrics *metrics.Metrics

	upgrader websocket.Upgrader
	draining atomic.Bool
}

func New(
	cfg config.Config,
	logger *slog.Logger,
	mgr *manager.Manager,
	summaries httpapi.SummaryReader,
	analyzer httpapi.Analyzer,
	m *metrics.Metrics,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		manager: mgr,
		metrics: m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.CORSOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			_, ok := cfg.CORSOrigins[origin]
			return ok
		},
	}
	s.routes(summaries, analyzer)
	return s
}

// managerDirectory adapts the manager to the httpapi read surface.
type managerDirectory struct {
	mgr *manager.Manager
}

func (d managerDirectory) Snapshots() []session.Snapshot { return d.mgr.Snapshots() }
func (d managerDirectory) Count() int                    { return d.mgr.Count() }
func (d managerDirectory) Lookup(sessionID string) httpapi.SessionHandle {
	if loop := d.mgr.Lookup(sessionID); loop != nil {
		return loop
	}
	return nil
}

func (s *Server) routes(summaries httpapi.SummaryReader, analyzer httpapi.Analyzer) {
	dir := managerDirectory{mgr: s.manager}
	sessions := httpapi.SessionsHandler{Directory: dir, Logger: s.logger}
	summaryH := httpapi.SummariesHandler{Summaries: summaries, Logger: s.logger}
	analyticsH := httpapi.AnalyticsHandler{
		Directory: dir,
		Analyzer:  analyzer,
		Timeout:   s.cfg.AnalyticsTimeout,
		Logger:    s.logger,
	}

	s.mux.Handle("GET /health", httpapi.HealthHandler{Directory: dir})
	s.mux.Handle("GET /readyz", httpapi.ReadyHandler{IsDraining: s.draining.Load})
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /sessions", sessions.List)
	s.mux.HandleFunc("GET /sessions/{id}", sessions.Get)
	s.mux.HandleFunc("GET /summaries", summaryH.List)
	s.mux.HandleFunc("GET /summary/{id}", summaryH.Get)
	s.mux.HandleFunc("POST /coaching", analyticsH.Coaching)
	s.mux.HandleFunc("POST /analyze", analyticsH.Analyze)
	s.mux.HandleFunc("POST /summary", analyticsH.Summary)
	s.mux.HandleFunc("GET /insights/{id}", analyticsH.Insights)

	s.mux.HandleFunc("GET /ws/customer", s.handleCustomerWS)
	s.mux.HandleFunc("GET /ws/supervisor", s.handleSupervisorWS)

	if s.cfg.StaticDir != "" {
		s.mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
}

// Handler returns the mux behind the middleware chain.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = CORS(s.cfg.CORSOrigins, h)
	h = Recover(s.logger, h)
	h = AccessLog(s.logger, h)
	h = RequestID(h)
	return h
}

// SetDraining flips readiness; new customer attaches are refused.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

func (s *Server) handleCustomerWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "server is draining", http.StatusServiceUnavailable)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		sessionID = "s_" + strings.ToLower(ulid.Make().String())
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("customer upgrade failed", "err", err)
		return
	}

	peer := transport.NewPeer(sessionID, transport.RoleCustomer, conn, transport.Config{
		OutboxSize:      s.cfg.CustomerOutbox,
		PingInterval:    s.cfg.WSPingInterval,
		WriteTimeout:    s.cfg.WSWriteTimeout,
		ReadTimeout:     s.cfg.WSReadTimeout,
		MaxMessageBytes: s.cfg.MaxJSONMessageBytes,
		DrainTimeout:    s.cfg.DrainTimeout,
	}, s.logger, nil)

	if err := s.manager.AttachCustomer(peer, sessionID); err != nil {
		s.logger.Warn("customer attach rejected", "session_id", sessionID, "err", err)
		peer.Close("attachRejected")
	}
}

func (s *Server) handleSupervisorWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeSupervisor(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	supervisorID := strings.TrimSpace(r.URL.Query().Get("supervisorId"))
	if supervisorID == "" {
		supervisorID = "sup_" + strings.ToLower(ulid.Make().String())
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("supervisor upgrade failed", "err", err)
		return
	}

	peer := transport.NewPeer(supervisorID, transport.RoleSupervisor, conn, transport.Config{
		OutboxSize:      s.cfg.SupervisorOutbox,
		PingInterval:    s.cfg.WSPingInterval,
		WriteTimeout:    s.cfg.WSWriteTimeout,
		ReadTimeout:     s.cfg.WSReadTimeout,
		MaxMessageBytes: s.cfg.MaxJSONMessageBytes,
		DrainTimeout:    s.cfg.DrainTimeout,
	}, s.logger, nil)

	// Blocks pumping supervisor commands until the connection dies.
	s.manager.AttachSupervisor(peer)
}

func (s *Server) authorizeSupervisor(r *http.Request) bool {
	if s.cfg.SupervisorToken == "" {
		return true
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		header := r.Header.Get("Authorization")
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return token == s.cfg.SupervisorToken
}
