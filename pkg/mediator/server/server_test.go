package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicedesk/mediator/pkg/mediator/config"
	"github.com/voicedesk/mediator/pkg/mediator/fanout"
	"github.com/voicedesk/mediator/pkg/mediator/manager"
	"github.com/voicedesk/mediator/pkg/mediator/session"
)

func testServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	mgr := manager.New(manager.Deps{
		Fanout: fanout.NewRegistry(nil),
		AIFactory: func(string) (session.AIBinding, error) {
			t.Fatalf("no sessions expected in this test")
			return nil, nil
		},
	})
	return New(cfg, nil, mgr, nil, nil, nil)
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t, config.Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" || body["activeSessions"] != float64(0) {
		t.Fatalf("body=%v", body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
}

func TestReadyReportsDraining(t *testing.T) {
	s := testServer(t, config.Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	s.SetDraining()
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d after draining", rec.Code)
	}
}

func TestCustomerWSRejectedWhileDraining(t *testing.T) {
	s := testServer(t, config.Config{})
	s.SetDraining()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/customer", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestSupervisorWSRequiresToken(t *testing.T) {
	s := testServer(t, config.Config{SupervisorToken: "secret"})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/supervisor", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d without token", rec.Code)
	}

	// A bad token is rejected the same way.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/supervisor?token=nope", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d with wrong token", rec.Code)
	}

	// The right token passes auth; the request then fails at the websocket
	// upgrade because the recorder is not a real connection.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws/supervisor?token=secret", nil))
	if rec.Code == http.StatusUnauthorized {
		t.Fatalf("valid token rejected")
	}
}

func TestAuthorizeSupervisorBearerHeader(t *testing.T) {
	s := testServer(t, config.Config{SupervisorToken: "secret"})
	req := httptest.NewRequest(http.MethodGet, "/ws/supervisor", nil)
	req.Header.Set("Authorization", "Bearer secret")
	if !s.authorizeSupervisor(req) {
		t.Fatalf("bearer token not accepted")
	}
	req.Header.Set("Authorization", "Bearer wrong")
	if s.authorizeSupervisor(req) {
		t.Fatalf("wrong bearer token accepted")
	}
}

func TestSessionsEndpointEmpty(t *testing.T) {
	s := testServer(t, config.Config{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var snaps []session.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 0 {
		t.Fatalf("snaps=%v", snaps)
	}
}
