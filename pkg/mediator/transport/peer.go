// Package transport owns one duplex websocket connection per peer: a bounded
// outbox drained by a send pump, a receive pump feeding decoded frames to the
// session loop, and exactly one close callback with a reason.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrPeerSlow is returned by Send when the outbox is full.
	ErrPeerSlow = errors.New("transport: peer outbox full")
	// ErrPeerGone is returned by Send after the connection closed.
	ErrPeerGone = errors.New("transport: peer gone")
)

type Role string

const (
	RoleCustomer   Role = "customer"
	RoleSupervisor Role = "supervisor"
)

type Config struct {
	OutboxSize      int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	DrainTimeout    time.Duration
}

// Inbound is one frame read off the socket. Err is set exactly once, on the
// terminal read failure, after which no further frames are delivered.
type Inbound struct {
	Data []byte
	Err  error
}

type outboundFrame struct {
	payload []byte
	isAudio bool
}

// Conn is the subset of *websocket.Conn the peer needs; tests substitute a
// fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

type Peer struct {
	ID   string
	Role Role

	conn   Conn
	cfg    Config
	logger *slog.Logger

	outbox  chan outboundFrame
	inbound chan Inbound

	closed    chan struct{}
	closeOnce sync.Once
	reason    atomic.Value // string

	dropped atomic.Int64

	onClose func(reason string)
}

func NewPeer(id string, role Role, conn Conn, cfg Config, logger *slog.Logger, onClose func(reason string)) *Peer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 500 * time.Millisecond
	}

	p := &Peer{
		ID:      id,
		Role:    role,
		conn:    conn,
		cfg:     cfg,
		logger:  logger,
		outbox:  make(chan outboundFrame, cfg.OutboxSize),
		inbound: make(chan Inbound, 64),
		closed:  make(chan struct{}),
		onClose: onClose,
	}

	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	if cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		})
	}

	go p.sendPump()
	go p.receivePump()
	return p
}

// Send enqueues one serialized frame. It never blocks: a full outbox fails
// with ErrPeerSlow, a closed peer with ErrPeerGone.
func (p *Peer) Send(payload []byte, isAudio bool) error {
	select {
	case <-p.closed:
		return ErrPeerGone
	default:
	}
	select {
	case p.outbox <- outboundFrame{payload: payload, isAudio: isAudio}:
		return nil
	default:
		return ErrPeerSlow
	}
}

// SendOrEvict enqueues with the supervisor overflow policy: a full outbox
// drops the incoming frame when it is audio, otherwise evicts the oldest
// queued frame to make room. Reports whether anything was dropped.
func (p *Peer) SendOrEvict(payload []byte, isAudio bool) (dropped bool, err error) {
	select {
	case <-p.closed:
		return false, ErrPeerGone
	default:
	}
	select {
	case p.outbox <- outboundFrame{payload: payload, isAudio: isAudio}:
		return false, nil
	default:
	}
	if isAudio {
		p.dropped.Add(1)
		return true, nil
	}
	select {
	case <-p.outbox:
		p.dropped.Add(1)
	default:
	}
	select {
	case p.outbox <- outboundFrame{payload: payload, isAudio: isAudio}:
		return true, nil
	default:
		p.dropped.Add(1)
		return true, nil
	}
}

// Inbound returns the stream of frames read from the socket. The channel is
// closed after the terminal Inbound{Err} is delivered.
func (p *Peer) Inbound() <-chan Inbound {
	return p.inbound
}

// Dropped reports how many outbound frames were discarded for this peer.
func (p *Peer) Dropped() int64 {
	return p.dropped.Load()
}

// Close is idempotent; only the first reason wins and the close callback
// fires exactly once.
func (p *Peer) Close(reason string) {
	p.closeOnce.Do(func() {
		p.reason.Store(reason)
		close(p.closed)
		if p.onClose != nil {
			p.onClose(reason)
		}
	})
}

func (p *Peer) CloseReason() string {
	if r, ok := p.reason.Load().(string); ok {
		return r
	}
	return ""
}

func (p *Peer) Done() <-chan struct{} {
	return p.closed
}

func (p *Peer) sendPump() {
	pingTicker := time.NewTicker(p.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-p.closed:
			p.drainOutbox()
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(p.cfg.WriteTimeout))
			_ = p.conn.Close()
			return
		case <-pingTicker.C:
			deadline := time.Now().Add(p.cfg.WriteTimeout)
			if err := p.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				p.Close("writeFailed")
				return
			}
		case frame := <-p.outbox:
			if err := p.writeFrame(frame); err != nil {
				p.Close("writeFailed")
				return
			}
		}
	}
}

// drainOutbox flushes queued frames for up to DrainTimeout after close, then
// discards the rest.
func (p *Peer) drainOutbox() {
	deadline := time.Now().Add(p.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		select {
		case frame := <-p.outbox:
			if err := p.writeFrame(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (p *Peer) writeFrame(frame outboundFrame) error {
	if err := p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout)); err != nil {
		return err
	}
	return p.conn.WriteMessage(websocket.TextMessage, frame.payload)
}

func (p *Peer) receivePump() {
	defer close(p.inbound)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			reason := "peerClosed"
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
				reason = "peerClosed"
			} else if p.CloseReason() != "" {
				reason = p.CloseReason()
			}
			select {
			case p.inbound <- Inbound{Err: err}:
			case <-p.closed:
			}
			p.Close(reason)
			return
		}
		select {
		case p.inbound <- Inbound{Data: data}:
		case <-p.closed:
			return
		}
	}
}
