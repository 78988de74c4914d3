// Package aiclient manages one duplex binding to the upstream streaming
// conversational AI provider: outbound audio and text injections, inbound
// transcription/audio/turn events, a pause gate, and provider failure
// handling.
package aiclient

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrNotReady is returned for text injections while the binding is not
	// READY. Audio is silently dropped instead: it is a continuous stream
	// and the caller cannot do anything useful with a per-frame error.
	ErrNotReady = errors.New("aiclient: binding not ready")
)

type Config struct {
	APIKey       string
	Model        string
	SystemPrompt string
	BaseWSURL    string

	ConnectTimeout time.Duration // setup handshake deadline
	Debounce       time.Duration // input-transcript quiet window
	EchoWindow     time.Duration // echo suppression window

	AudioOutboxSize int

	// OnAudioDrop fires when an outbound frame is discarded on overflow.
	OnAudioDrop func()

	Now    func() time.Time
	Logger *slog.Logger
}

type Binding struct {
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	conn   *liveConn
	events chan Event

	audioOut     chan []byte
	audioDropped atomic.Int64

	closed    chan struct{}
	closeOnce sync.Once
}

func New(cfg Config) *Binding {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 400 * time.Millisecond
	}
	if cfg.EchoWindow <= 0 {
		cfg.EchoWindow = 10 * time.Second
	}
	if cfg.AudioOutboxSize <= 0 {
		cfg.AudioOutboxSize = 128
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	b := &Binding{
		cfg:      cfg,
		logger:   cfg.Logger,
		events:   make(chan Event, 64),
		audioOut: make(chan []byte, cfg.AudioOutboxSize),
		closed:   make(chan struct{}),
	}
	b.state.Store(int32(StateConnecting))
	return b
}

// Initialize dials the provider and starts the handshake. The binding stays
// CONNECTING until the provider's setup acknowledgement arrives (surfaced as
// EventSetupComplete), at which point it becomes READY. If the
// acknowledgement does not arrive within ConnectTimeout the binding fails.
func (b *Binding) Initialize(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.ConnectTimeout)
	defer cancel()

	conn, err := dialLive(dialCtx, liveConnConfig{
		APIKey:       b.cfg.APIKey,
		Model:        b.cfg.Model,
		SystemPrompt: b.cfg.SystemPrompt,
		BaseWSURL:    b.cfg.BaseWSURL,
	})
	if err != nil {
		b.fail(err)
		close(b.events)
		return err
	}
	b.conn = conn

	if err := conn.SendSetup(dialCtx, liveConnConfig{
		Model:        b.cfg.Model,
		SystemPrompt: b.cfg.SystemPrompt,
	}); err != nil {
		b.fail(err)
		_ = conn.Close()
		close(b.events)
		return err
	}

	pipeline := newTranscriptPipeline(
		b.logger,
		b.cfg.Debounce,
		b.cfg.EchoWindow,
		b.cfg.Now,
		conn.Events(),
		b.events,
		b.closed,
		func() bool { return b.State() == StatePaused },
		func() { b.markReady() },
		func(err error) { b.markFailed(err) },
	)
	go pipeline.Run()
	go b.audioPump()
	go b.connectWatchdog()
	return nil
}

func (b *Binding) connectWatchdog() {
	timer := time.NewTimer(b.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if b.State() == StateConnecting {
			b.fail(errors.New("aiclient: setup handshake timed out"))
			if b.conn != nil {
				_ = b.conn.Close()
			}
		}
	case <-b.closed:
	}
}

func (b *Binding) audioPump() {
	for {
		select {
		case <-b.closed:
			return
		case frame := <-b.audioOut:
			if err := b.conn.SendAudio(context.Background(), frame); err != nil {
				b.fail(err)
				return
			}
		}
	}
}

// Events is the refined inbound stream consumed by the session loop. The
// channel closes after a terminal EventError or Close.
func (b *Binding) Events() <-chan Event {
	return b.events
}

// SendAudio enqueues one outbound frame. Frames are dropped while the
// binding is paused or not READY, and on outbound overflow.
func (b *Binding) SendAudio(frame []byte) {
	if b.State() != StateReady {
		return
	}
	select {
	case b.audioOut <- frame:
	default:
		b.audioDropped.Add(1)
		if b.cfg.OnAudioDrop != nil {
			b.cfg.OnAudioDrop()
		}
	}
}

// SendText injects a text turn; used for context injection and handback.
func (b *Binding) SendText(text string) error {
	if b.State() != StateReady {
		return ErrNotReady
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.conn.SendText(ctx, text); err != nil {
		b.fail(err)
		return err
	}
	return nil
}

// Pause gates both directions without closing the provider connection.
func (b *Binding) Pause() {
	b.state.CompareAndSwap(int32(StateReady), int32(StatePaused))
}

func (b *Binding) Resume() {
	b.state.CompareAndSwap(int32(StatePaused), int32(StateReady))
}

// Close is terminal. A FAILED binding stays FAILED.
func (b *Binding) Close(reason string) {
	b.closeOnce.Do(func() {
		if b.State() != StateFailed {
			b.state.Store(int32(StateClosed))
		}
		close(b.closed)
		if b.conn != nil {
			_ = b.conn.Close()
		}
		b.logger.Debug("ai binding closed", "reason", reason)
	})
}

func (b *Binding) State() BindingState {
	return BindingState(b.state.Load())
}

// AudioDropped reports outbound frames discarded on overflow.
func (b *Binding) AudioDropped() int64 {
	return b.audioDropped.Load()
}

func (b *Binding) markReady() {
	b.state.CompareAndSwap(int32(StateConnecting), int32(StateReady))
}

func (b *Binding) markFailed(err error) {
	switch b.State() {
	case StateClosed, StateFailed:
		return
	}
	b.state.Store(int32(StateFailed))
	b.logger.Warn("ai binding failed", "err", err)
}

func (b *Binding) fail(err error) {
	b.markFailed(err)
}
