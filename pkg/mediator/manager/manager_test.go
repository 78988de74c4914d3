package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicedesk/mediator/pkg/mediator/aiclient"
	"github.com/voicedesk/mediator/pkg/mediator/analytics"
	"github.com/voicedesk/mediator/pkg/mediator/fanout"
	"github.com/voicedesk/mediator/pkg/mediator/session"
	"github.com/voicedesk/mediator/pkg/mediator/store"
	"github.com/voicedesk/mediator/pkg/mediator/transport"
)

type fakeConn struct {
	mu      sync.Mutex
	written [][]byte
	readCh  chan []byte
	readErr chan error
}

func newFakeConn() *fakeConn {
	return &fakeConn{readCh: make(chan []byte, 64), readErr: make(chan error, 1)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.readCh:
		return websocket.TextMessage, data, nil
	case err := <-c.readErr:
		return 0, nil, err
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.written = append(c.written, cp)
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}
func (c *fakeConn) Close() error                              { return nil }

func (c *fakeConn) messages() []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.written))
	for _, raw := range c.written {
		var m map[string]any
		if json.Unmarshal(raw, &m) == nil {
			out = append(out, m)
		}
	}
	return out
}

type fakeAI struct {
	events chan aiclient.Event
}

func newFakeAI() *fakeAI {
	return &fakeAI{events: make(chan aiclient.Event, 8)}
}

func (f *fakeAI) Events() <-chan aiclient.Event { return f.events }
func (f *fakeAI) SendAudio([]byte)              {}
func (f *fakeAI) SendText(string) error         { return nil }
func (f *fakeAI) Pause()                        {}
func (f *fakeAI) Resume()                       {}
func (f *fakeAI) Close(string)                  {}
func (f *fakeAI) State() aiclient.BindingState  { return aiclient.StateReady }

type nopDispatcher struct{}

func (nopDispatcher) Trigger(string, string, []analytics.Entry, []analytics.Entry, func(analytics.TaskResult) bool) {
}
func (nopDispatcher) Summarize(context.Context, []analytics.Entry) (analytics.SummaryResult, error) {
	return analytics.SummaryResult{}, nil
}
func (nopDispatcher) Forget(string) {}

type nopWriter struct{}

func (nopWriter) Enqueue(store.SummaryRecord) <-chan error {
	done := make(chan error, 1)
	done <- nil
	return done
}

func newManager(t *testing.T, maxSessions int) *Manager {
	t.Helper()
	return New(Deps{
		Fanout:    fanout.NewRegistry(nil),
		Analytics: nopDispatcher{},
		Writer:    nopWriter{},
		AIFactory: func(sessionID string) (session.AIBinding, error) {
			return newFakeAI(), nil
		},
		Config: Config{MaxSessions: maxSessions, SummaryTimeout: time.Second},
	})
}

func newCustomerPeer(id string) (*transport.Peer, *fakeConn) {
	conn := newFakeConn()
	return transport.NewPeer(id, transport.RoleCustomer, conn, transport.Config{OutboxSize: 64}, nil, nil), conn
}

func waitCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestManager_AttachCustomerCreatesSession(t *testing.T) {
	m := newManager(t, 4)
	peer, conn := newCustomerPeer("c1")
	if err := m.AttachCustomer(peer, "s1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Shutdown(context.Background())

	if m.Count() != 1 {
		t.Fatalf("count=%d, want 1", m.Count())
	}
	waitCond(t, func() bool {
		for _, msg := range conn.messages() {
			if msg["type"] == "sessionInit" {
				return true
			}
		}
		return false
	})
	snaps := m.Snapshots()
	if len(snaps) != 1 || snaps[0].ID != "s1" || !snaps[0].CustomerConnected {
		t.Fatalf("snapshots=%+v", snaps)
	}
}

func TestManager_RejectsSecondCustomer(t *testing.T) {
	m := newManager(t, 4)
	peer1, _ := newCustomerPeer("c1")
	peer2, _ := newCustomerPeer("c2")
	if err := m.AttachCustomer(peer1, "s1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Shutdown(context.Background())

	if err := m.AttachCustomer(peer2, "s1"); !errors.Is(err, ErrSessionExists) {
		t.Fatalf("err=%v, want ErrSessionExists", err)
	}
}

func TestManager_EnforcesSessionCap(t *testing.T) {
	m := newManager(t, 1)
	peer1, _ := newCustomerPeer("c1")
	peer2, _ := newCustomerPeer("c2")
	if err := m.AttachCustomer(peer1, "s1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Shutdown(context.Background())

	if err := m.AttachCustomer(peer2, "s2"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("err=%v, want ErrTooManySessions", err)
	}
}

func TestManager_AIFactoryFailurePropagates(t *testing.T) {
	m := New(Deps{
		Fanout:    fanout.NewRegistry(nil),
		Analytics: nopDispatcher{},
		Writer:    nopWriter{},
		AIFactory: func(string) (session.AIBinding, error) {
			return nil, errors.New("no provider credentials")
		},
	})
	peer, _ := newCustomerPeer("c1")
	if err := m.AttachCustomer(peer, "s1"); err == nil {
		t.Fatalf("expected factory error")
	}
	if m.Count() != 0 {
		t.Fatalf("count=%d, want 0", m.Count())
	}
}

func TestManager_SupervisorGetSessions(t *testing.T) {
	m := newManager(t, 4)
	cust, _ := newCustomerPeer("c1")
	if err := m.AttachCustomer(cust, "s1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer m.Shutdown(context.Background())

	supConn := newFakeConn()
	sup := transport.NewPeer("sup42", transport.RoleSupervisor, supConn, transport.Config{OutboxSize: 64}, nil, nil)
	go m.AttachSupervisor(sup)

	// Attach sends an initial sessionsList; getSessions sends another.
	waitCond(t, func() bool {
		return len(supConn.messages()) >= 1
	})
	supConn.readCh <- []byte(`{"type":"getSessions"}`)
	waitCond(t, func() bool {
		count := 0
		for _, msg := range supConn.messages() {
			if msg["type"] == "sessionsList" {
				count++
			}
		}
		return count >= 2
	})

	for _, msg := range supConn.messages() {
		if msg["type"] == "sessionsList" {
			sessions, ok := msg["sessions"].([]any)
			if !ok || len(sessions) != 1 {
				t.Fatalf("sessionsList=%v", msg)
			}
		}
	}
	supConn.readErr <- errors.New("gone")
}

func TestManager_UnknownSessionCommandRepliesNotFound(t *testing.T) {
	m := newManager(t, 4)
	supConn := newFakeConn()
	sup := transport.NewPeer("sup42", transport.RoleSupervisor, supConn, transport.Config{OutboxSize: 64}, nil, nil)
	go m.AttachSupervisor(sup)

	supConn.readCh <- []byte(`{"type":"takeover","sessionId":"nope","supervisorId":"sup42"}`)
	waitCond(t, func() bool {
		for _, msg := range supConn.messages() {
			if msg["type"] == "error" && msg["message"] == "sessionNotFound" {
				return true
			}
		}
		return false
	})
	supConn.readErr <- errors.New("gone")
}

func TestManager_ShutdownEndsSessions(t *testing.T) {
	m := newManager(t, 4)
	peer, conn := newCustomerPeer("c1")
	if err := m.AttachCustomer(peer, "s1"); err != nil {
		t.Fatalf("attach: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !m.Shutdown(ctx) {
		t.Fatalf("shutdown did not drain")
	}
	if m.Count() != 0 {
		t.Fatalf("count=%d, want 0", m.Count())
	}
	waitCond(t, func() bool {
		for _, msg := range conn.messages() {
			if msg["type"] == "sessionEnded" {
				return true
			}
		}
		return false
	})

	// Draining managers refuse new customers.
	peer2, _ := newCustomerPeer("c2")
	if err := m.AttachCustomer(peer2, "s2"); !errors.Is(err, ErrDraining) {
		t.Fatalf("err=%v, want ErrDraining", err)
	}
}
