// Package manager indexes live sessions, owns customer and supervisor
// attachment, routes supervisor commands to session loops, and drives
// graceful drain on shutdown.
package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voicedesk/mediator/pkg/mediator/fanout"
	"github.com/voicedesk/mediator/pkg/mediator/protocol"
	"github.com/voicedesk/mediator/pkg/mediator/session"
	"github.com/voicedesk/mediator/pkg/mediator/transport"
)

var (
	ErrSessionExists   = errors.New("manager: session already has a customer")
	ErrTooManySessions = errors.New("manager: session limit reached")
	ErrDraining        = errors.New("manager: server is draining")
)

// AIFactory builds and initializes one AI binding per session.
type AIFactory func(sessionID string) (session.AIBinding, error)

type Config struct {
	MaxSessions        int
	MaxSessionDuration time.Duration
	SummaryTimeout     time.Duration
	MaxAudioFrameBytes int
	AudioLimits        session.AudioLimits
}

type Deps struct {
	Logger    *slog.Logger
	Fanout    *fanout.Registry
	Analytics session.Dispatcher
	Writer    session.SummaryWriter
	AIFactory AIFactory
	Now       func() time.Time
	Config    Config

	// Metrics hooks, optional.
	OnSessionStart func()
	OnSessionEnd   func()
}

type managed struct {
	loop  *session.Loop
	state *session.State
}

type Manager struct {
	logger    *slog.Logger
	fan       *fanout.Registry
	analytics session.Dispatcher
	writer    session.SummaryWriter
	aiFactory AIFactory
	now       func() time.Time
	cfg       Config

	onSessionStart func()
	onSessionEnd   func()

	mu       sync.Mutex
	sessions map[string]*managed
	draining bool
	wg       sync.WaitGroup
}

func New(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.MaxSessions <= 0 {
		deps.Config.MaxSessions = 64
	}
	return &Manager{
		logger:         deps.Logger,
		fan:            deps.Fanout,
		analytics:      deps.Analytics,
		writer:         deps.Writer,
		aiFactory:      deps.AIFactory,
		now:            deps.Now,
		cfg:            deps.Config,
		onSessionStart: deps.OnSessionStart,
		onSessionEnd:   deps.OnSessionEnd,
		sessions:       make(map[string]*managed),
	}
}

// AttachCustomer creates the session for an unknown id and binds the peer as
// its single customer. A second customer for a live session is rejected.
func (m *Manager) AttachCustomer(peer *transport.Peer, sessionID string) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return ErrDraining
	}
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		return ErrSessionExists
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		return ErrTooManySessions
	}

	state := session.NewState(sessionID, m.now())
	state.CustomerConnected = true

	binding, err := m.aiFactory(sessionID)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	loop := session.NewLoop(session.Deps{
		Logger:    m.logger,
		State:     state,
		Customer:  peer,
		AI:        binding,
		Fanout:    m.fan,
		Analytics: m.analytics,
		Writer:    m.writer,
		OnEnd:     m.removeSession,
		Now:       m.now,
		Config: session.Config{
			MaxSessionDuration: m.cfg.MaxSessionDuration,
			SummaryTimeout:     m.cfg.SummaryTimeout,
			MaxAudioFrameBytes: m.cfg.MaxAudioFrameBytes,
			AudioLimits:        m.cfg.AudioLimits,
		},
	})
	m.sessions[sessionID] = &managed{loop: loop, state: state}
	m.wg.Add(1)
	m.mu.Unlock()

	if m.onSessionStart != nil {
		m.onSessionStart()
	}
	m.logger.Info("customer attached", "session_id", sessionID)

	go func() {
		defer m.wg.Done()
		loop.Run()
	}()
	return nil
}

func (m *Manager) removeSession(sessionID string) {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if existed {
		if m.onSessionEnd != nil {
			m.onSessionEnd()
		}
		m.logger.Info("session removed", "session_id", sessionID)
	}
}

// AttachSupervisor registers the peer with the fan-out and pumps its
// commands until the connection dies.
func (m *Manager) AttachSupervisor(peer *transport.Peer) {
	m.fan.Attach(peer, m.sessionsSnapshot())
	m.logger.Info("supervisor attached", "supervisor_id", peer.ID)

	defer func() {
		m.fan.Detach(peer.ID)
		peer.Close("supervisorDetached")
		m.logger.Info("supervisor detached", "supervisor_id", peer.ID)
	}()

	for frame := range peer.Inbound() {
		if frame.Err != nil {
			return
		}
		m.handleSupervisorFrame(peer, frame.Data)
	}
}

func (m *Manager) handleSupervisorFrame(peer *transport.Peer, data []byte) {
	msg, err := protocol.DecodeSupervisorMessage(data)
	if err != nil {
		m.fan.SendTo(peer.ID, protocol.SupervisorErrorEvent{Type: "error", Message: err.Error()})
		return
	}

	switch cmd := msg.(type) {
	case protocol.GetSessions:
		m.fan.SendTo(peer.ID, protocol.SessionsList{Type: "sessionsList", Sessions: m.sessionsSnapshot()})
	case protocol.Takeover:
		m.dispatch(peer, cmd.SessionID, cmd)
	case protocol.Handback:
		m.dispatch(peer, cmd.SessionID, cmd)
	case protocol.InjectContext:
		m.dispatch(peer, cmd.SessionID, cmd)
	case protocol.SupervisorText:
		m.dispatch(peer, cmd.SessionID, cmd)
	case protocol.SupervisorAudio:
		m.dispatch(peer, cmd.SessionID, cmd)
	case protocol.EndCall:
		m.dispatch(peer, cmd.SessionID, cmd)
	}
}

func (m *Manager) dispatch(peer *transport.Peer, sessionID string, msg any) {
	loop := m.Lookup(sessionID)
	if loop == nil {
		m.fan.SendTo(peer.ID, protocol.SupervisorErrorEvent{
			Type:      "error",
			SessionID: sessionID,
			Message:   "sessionNotFound",
		})
		return
	}
	if !loop.Dispatch(session.Command{SupervisorID: peer.ID, Msg: msg}) {
		m.fan.SendTo(peer.ID, protocol.SupervisorErrorEvent{
			Type:      "error",
			SessionID: sessionID,
			Message:   "sessionNotFound",
		})
	}
}

// Lookup returns the live loop for a session id, or nil.
func (m *Manager) Lookup(sessionID string) *session.Loop {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry := m.sessions[sessionID]; entry != nil {
		return entry.loop
	}
	return nil
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshots serves the control surface and the attach-time sessions list.
func (m *Manager) Snapshots() []session.Snapshot {
	m.mu.Lock()
	loops := make([]*session.Loop, 0, len(m.sessions))
	for _, entry := range m.sessions {
		loops = append(loops, entry.loop)
	}
	m.mu.Unlock()

	out := make([]session.Snapshot, 0, len(loops))
	for _, loop := range loops {
		if snap, ok := loop.Snapshot(); ok {
			out = append(out, snap)
		}
	}
	return out
}

func (m *Manager) sessionsSnapshot() []any {
	snaps := m.Snapshots()
	out := make([]any, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, s)
	}
	return out
}

// Shutdown stops intake, asks every session to end, and waits for the loops
// to drain within the context deadline.
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.mu.Lock()
	m.draining = true
	loops := make([]*session.Loop, 0, len(m.sessions))
	for _, entry := range m.sessions {
		loops = append(loops, entry.loop)
	}
	m.mu.Unlock()

	for _, loop := range loops {
		loop.Shutdown("serverShutdown")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
