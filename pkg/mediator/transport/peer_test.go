package transport

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type fakeConn struct {
	mu       sync.Mutex
	written  [][]byte
	controls []int
	readCh   chan []byte
	readErr  chan error
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		readCh:  make(chan []byte, 16),
		readErr: make(chan error, 1),
	}
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

func (c *fakeConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, messageType)
	return nil
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) writtenCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func waitFor(t *testing.T, cond func() bool) {
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

func TestPeer_SendDeliversInOrder(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer("c1", RoleCustomer, conn, Config{OutboxSize: 8}, nil, nil)
	defer p.Close("test")

	if err := p.Send([]byte(`{"n":1}`), false); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.Send([]byte(`{"n":2}`), false); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, func() bool { return conn.writtenCount() == 2 })
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if string(conn.written[0]) != `{"n":1}` || string(conn.written[1]) != `{"n":2}` {
		t.Fatalf("out of order: %q %q", conn.written[0], conn.written[1])
	}
}

func TestPeer_SendFailsWithPeerSlowOnFullOutbox(t *testing.T) {
	conn := newFakeConn()
	p := &Peer{
		ID:     "c1",
		Role:   RoleCustomer,
		conn:   conn,
		cfg:    Config{OutboxSize: 1, WriteTimeout: time.Second, DrainTimeout: time.Millisecond},
		outbox: make(chan outboundFrame, 1),
		closed: make(chan struct{}),
	}
	// No send pump running: the single slot fills and stays full.
	if err := p.Send([]byte("a"), false); err != nil {
		t.Fatalf("first send: %v", err)
	}
	if err := p.Send([]byte("b"), false); !errors.Is(err, ErrPeerSlow) {
		t.Fatalf("err=%v, want ErrPeerSlow", err)
	}
}

func TestPeer_SendFailsWithPeerGoneAfterClose(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer("c1", RoleCustomer, conn, Config{}, nil, nil)
	p.Close("test")
	if err := p.Send([]byte("a"), false); !errors.Is(err, ErrPeerGone) {
		t.Fatalf("err=%v, want ErrPeerGone", err)
	}
}

func TestPeer_CloseCallbackFiresExactlyOnce(t *testing.T) {
	conn := newFakeConn()
	calls := 0
	var reason string
	p := NewPeer("c1", RoleCustomer, conn, Config{}, nil, func(r string) {
		calls++
		reason = r
	})
	p.Close("customerCongested")
	p.Close("other")
	if calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
	if reason != "customerCongested" {
		t.Fatalf("reason=%q", reason)
	}
	if p.CloseReason() != "customerCongested" {
		t.Fatalf("CloseReason=%q", p.CloseReason())
	}
}

func TestPeer_ReceivePumpDeliversFramesThenError(t *testing.T) {
	conn := newFakeConn()
	p := NewPeer("c1", RoleCustomer, conn, Config{}, nil, nil)
	defer p.Close("test")

	conn.readCh <- []byte(`{"type":"audio","data":"AA=="}`)
	frame := <-p.Inbound()
	if frame.Err != nil {
		t.Fatalf("frame err: %v", frame.Err)
	}
	if string(frame.Data) != `{"type":"audio","data":"AA=="}` {
		t.Fatalf("data=%q", frame.Data)
	}

	conn.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
	frame = <-p.Inbound()
	if frame.Err == nil {
		t.Fatalf("expected terminal error frame")
	}
	if _, ok := <-p.Inbound(); ok {
		t.Fatalf("expected inbound channel closed after terminal error")
	}
}

func TestPeer_SendOrEvict_DropsNewestAudio(t *testing.T) {
	conn := newFakeConn()
	p := &Peer{
		ID:     "sup1",
		Role:   RoleSupervisor,
		conn:   conn,
		cfg:    Config{OutboxSize: 1},
		outbox: make(chan outboundFrame, 1),
		closed: make(chan struct{}),
	}
	if _, err := p.SendOrEvict([]byte("text1"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dropped, err := p.SendOrEvict([]byte("audio1"), true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !dropped {
		t.Fatalf("expected audio frame to be dropped")
	}
	// The queued non-audio frame survives.
	frame := <-p.outbox
	if string(frame.payload) != "text1" {
		t.Fatalf("payload=%q, want text1", frame.payload)
	}
	if p.Dropped() != 1 {
		t.Fatalf("dropped=%d, want 1", p.Dropped())
	}
}

func TestPeer_SendOrEvict_EvictsOldestForNonAudio(t *testing.T) {
	conn := newFakeConn()
	p := &Peer{
		ID:     "sup1",
		Role:   RoleSupervisor,
		conn:   conn,
		cfg:    Config{OutboxSize: 1},
		outbox: make(chan outboundFrame, 1),
		closed: make(chan struct{}),
	}
	if _, err := p.SendOrEvict([]byte("old"), false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	dropped, err := p.SendOrEvict([]byte("new"), false)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !dropped {
		t.Fatalf("expected eviction")
	}
	frame := <-p.outbox
	if string(frame.payload) != "new" {
		t.Fatalf("payload=%q, want new", frame.payload)
	}
}
