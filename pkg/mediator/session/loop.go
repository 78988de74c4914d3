package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/voicedesk/mediator/pkg/mediator/aiclient"
	"github.com/voicedesk/mediator/pkg/mediator/analytics"
	"github.com/voicedesk/mediator/pkg/mediator/protocol"
	"github.com/voicedesk/mediator/pkg/mediator/store"
	"github.com/voicedesk/mediator/pkg/mediator/transport"
)

const (
	inboxSize          = 256
	recentEntriesCount = 5

	violationWindow = 10 * time.Second
	violationLimit  = 3
)

// AIBinding is the session's view of the upstream AI client.
type AIBinding interface {
	Events() <-chan aiclient.Event
	SendAudio(frame []byte)
	SendText(text string) error
	Pause()
	Resume()
	Close(reason string)
	State() aiclient.BindingState
}

// Broadcaster is the supervisor fan-out.
type Broadcaster interface {
	Broadcast(ev protocol.SupervisorEvent)
	SendTo(supervisorID string, ev protocol.SupervisorEvent)
}

// Dispatcher launches best-effort analytics tasks.
type Dispatcher interface {
	Trigger(sessionID, utterance string, recent, full []analytics.Entry, post func(analytics.TaskResult) bool)
	Summarize(ctx context.Context, transcript []analytics.Entry) (analytics.SummaryResult, error)
	Forget(sessionID string)
}

// SummaryWriter is the serialized persistence queue.
type SummaryWriter interface {
	Enqueue(rec store.SummaryRecord) <-chan error
}

// Command is a supervisor command routed to this session by the manager.
type Command struct {
	SupervisorID string
	Msg          any
}

type Config struct {
	MaxSessionDuration time.Duration
	SummaryTimeout     time.Duration
	PersistWait        time.Duration
	MaxAudioFrameBytes int
	AudioLimits        AudioLimits
}

type Deps struct {
	Logger    *slog.Logger
	State     *State
	Customer  *transport.Peer
	AI        AIBinding
	Fanout    Broadcaster
	Analytics Dispatcher
	Writer    SummaryWriter
	OnEnd     func(sessionID string)
	Now       func() time.Time
	Config    Config
}

// Loop is the single mutator of its session state. Every producer (customer
// transport, AI binding, supervisor commands, analytics results) feeds it
// through bounded channels; the loop never blocks on outbound I/O.
type Loop struct {
	logger    *slog.Logger
	state     *State
	customer  *transport.Peer
	ai        AIBinding
	fan       Broadcaster
	analytics Dispatcher
	writer    SummaryWriter
	onEnd     func(sessionID string)
	now       func() time.Time
	cfg       Config

	inbox  chan any
	done   chan struct{}
	budget *audioBudget

	ended      bool
	violations []time.Time
}

type evAnalytics struct{ res analytics.TaskResult }
type evCommand struct{ cmd Command }
type evSnapshot struct{ reply chan Snapshot }
type evTranscript struct{ reply chan []TranscriptEntry }
type evShutdown struct{ reason string }

func NewLoop(deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.SummaryTimeout <= 0 {
		deps.Config.SummaryTimeout = 10 * time.Second
	}
	if deps.Config.PersistWait <= 0 {
		deps.Config.PersistWait = 10 * time.Second
	}
	return &Loop{
		logger:    deps.Logger.With("session_id", deps.State.ID),
		state:     deps.State,
		customer:  deps.Customer,
		ai:        deps.AI,
		fan:       deps.Fanout,
		analytics: deps.Analytics,
		writer:    deps.Writer,
		onEnd:     deps.OnEnd,
		now:       deps.Now,
		cfg:       deps.Config,
		inbox:     make(chan any, inboxSize),
		done:      make(chan struct{}),
		budget:    newAudioBudget(deps.Config.AudioLimits, deps.Now),
	}
}

// Post delivers one event to the loop. Returns false once the session ended.
func (l *Loop) Post(ev any) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.inbox <- ev:
		return true
	case <-l.done:
		return false
	}
}

// Dispatch routes a supervisor command into the loop.
func (l *Loop) Dispatch(cmd Command) bool {
	return l.Post(evCommand{cmd: cmd})
}

// Shutdown asks the loop to end the session (server drain).
func (l *Loop) Shutdown(reason string) {
	l.Post(evShutdown{reason: reason})
}

// Snapshot serves the serializable view through the loop.
func (l *Loop) Snapshot() (Snapshot, bool) {
	reply := make(chan Snapshot, 1)
	if !l.Post(evSnapshot{reply: reply}) {
		return Snapshot{}, false
	}
	select {
	case snap := <-reply:
		return snap, true
	case <-l.done:
		return Snapshot{}, false
	}
}

// Transcript serves an ordered copy through the loop.
func (l *Loop) Transcript() ([]TranscriptEntry, bool) {
	reply := make(chan []TranscriptEntry, 1)
	if !l.Post(evTranscript{reply: reply}) {
		return nil, false
	}
	select {
	case entries := <-reply:
		return entries, true
	case <-l.done:
		return nil, false
	}
}

func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) Run() {
	defer close(l.done)

	l.sendToCustomer(protocol.SessionInit{
		Type:      "sessionInit",
		SessionID: l.state.ID,
		Mode:      string(l.state.Mode),
	}, false)

	var sessionTimer *time.Timer
	var sessionTimerCh <-chan time.Time
	if l.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(l.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
		sessionTimerCh = sessionTimer.C
	}

	customerIn := l.customer.Inbound()
	aiEvents := l.ai.Events()

	for !l.ended {
		select {
		case frame, ok := <-customerIn:
			if !ok || frame.Err != nil {
				customerIn = nil
				l.endSession("customerDisconnected")
				continue
			}
			l.handleCustomerFrame(frame.Data)
		case ev, ok := <-aiEvents:
			if !ok {
				aiEvents = nil
				l.handleAIStreamClosed()
				continue
			}
			l.handleAIEvent(ev)
		case ev := <-l.inbox:
			l.handleLoopEvent(ev)
		case <-sessionTimerCh:
			l.endSession("sessionTimeout")
		}
	}
}

func (l *Loop) handleLoopEvent(ev any) {
	switch e := ev.(type) {
	case evAnalytics:
		l.handleAnalyticsResult(e.res)
	case evCommand:
		l.handleCommand(e.cmd)
	case evSnapshot:
		e.reply <- l.state.Snapshot()
	case evTranscript:
		e.reply <- l.state.FullTranscript()
	case evShutdown:
		l.endSession(e.reason)
	}
}

// ---------------------------------------------------------------------------
// Customer inbound routing (rules 1-3)

func (l *Loop) handleCustomerFrame(data []byte) {
	msg, err := protocol.DecodeCustomerMessage(data)
	if err != nil {
		l.handleProtocolViolation(err)
		return
	}

	switch m := msg.(type) {
	case protocol.CustomerAudio:
		audio, err := base64.StdEncoding.DecodeString(m.Data)
		if err != nil {
			l.handleProtocolViolation(&protocol.DecodeError{Code: "bad_request", Message: "invalid audio base64"})
			return
		}
		if l.cfg.MaxAudioFrameBytes > 0 && len(audio) > l.cfg.MaxAudioFrameBytes {
			l.handleProtocolViolation(&protocol.DecodeError{Code: "bad_request", Message: "audio frame exceeds max size"})
			return
		}
		if !l.budget.allow(len(audio)) {
			l.logger.Warn("inbound audio rate limit exceeded")
			l.endSession("rateLimited")
			return
		}
		l.markActiveOnFirstMedia()
		if l.state.Mode == ModeHuman && l.state.ControllerID != "" {
			l.fan.SendTo(l.state.ControllerID, protocol.CustomerAudioEvent{
				Type:      "customerAudio",
				SessionID: l.state.ID,
				Seq:       l.state.NextSeq(),
				Data:      m.Data,
			})
			return
		}
		l.ai.SendAudio(audio)
	case protocol.CustomerText:
		entry := l.state.Append(RoleCustomer, m.Content, l.now())
		l.broadcastCustomerMessage(entry)
		if l.state.Mode == ModeAI {
			if err := l.ai.SendText(m.Content); err != nil {
				l.logger.Debug("customer text not forwarded to ai", "err", err)
			}
		}
	case protocol.CustomerCaption:
		// Diagnostics caption: transcript only, never to the AI.
		entry := l.state.Append(RoleCustomer, m.Content, l.now())
		l.broadcastCustomerMessage(entry)
	}
}

func (l *Loop) markActiveOnFirstMedia() {
	if l.state.Status != StatusWaiting {
		return
	}
	l.state.Status = StatusActive
	l.broadcastSessionUpdate()
}

func (l *Loop) handleProtocolViolation(err error) {
	l.logger.Warn("protocol violation from customer", "err", err)
	l.sendToCustomer(protocol.ErrorToPeer{Type: "error", Message: err.Error()}, false)

	now := l.now()
	cutoff := now.Add(-violationWindow)
	kept := l.violations[:0]
	for _, t := range l.violations {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.violations = append(kept, now)
	if len(l.violations) >= violationLimit {
		l.endSession("protocolViolation")
	}
}

// ---------------------------------------------------------------------------
// AI inbound routing (rules 4-6)

func (l *Loop) handleAIEvent(ev aiclient.Event) {
	switch ev.Kind {
	case aiclient.EventSetupComplete:
		l.logger.Info("ai binding ready")
		l.broadcastSessionUpdate()
	case aiclient.EventOutputSentence:
		entry := l.state.Append(RoleAI, ev.Text, l.now())
		l.fan.Broadcast(protocol.AIResponseEvent{
			Type:      "aiResponse",
			SessionID: l.state.ID,
			Seq:       entry.Seq,
			Content:   ev.Text,
		})
		if l.state.Mode == ModeAI {
			l.sendToCustomer(protocol.AIResponseToCustomer{
				Type: "aiResponse",
				Data: protocol.AIResponseBody{Type: "text", Content: ev.Text},
			}, false)
		}
	case aiclient.EventInputTranscript:
		entry := l.state.Append(RoleCustomer, ev.Text, l.now())
		l.broadcastCustomerMessage(entry)
		l.sendToCustomer(protocol.CustomerTranscription{
			Type:    "customerTranscription",
			Content: ev.Text,
		}, false)
		l.triggerAnalytics(ev.Text)
	case aiclient.EventAudioChunk:
		if l.state.Mode == ModeHuman {
			return
		}
		l.sendAudioToCustomer(ev.Audio)
	case aiclient.EventTurnComplete:
		l.logger.Debug("ai turn complete")
	case aiclient.EventError:
		l.handleAIFailure(ev.Err)
	}
}

func (l *Loop) handleAIStreamClosed() {
	if l.ended {
		return
	}
	if l.ai.State() == aiclient.StateClosed {
		return
	}
	l.handleAIFailure(errors.New("ai event stream closed"))
}

func (l *Loop) handleAIFailure(err error) {
	l.logger.Warn("ai binding failed", "err", err)
	if l.state.Mode == ModeHuman && l.state.ControllerID != "" {
		// The human controller keeps the call; they just lose the AI.
		l.fan.SendTo(l.state.ControllerID, protocol.SupervisorErrorEvent{
			Type:      "error",
			SessionID: l.state.ID,
			Seq:       l.state.NextSeq(),
			Message:   "ai binding failed; session continues under human control",
		})
		return
	}
	l.sendToCustomer(protocol.SessionEndedToCustomer{
		Type:    "sessionEnded",
		Message: "The assistant is unavailable. Please call back later.",
	}, false)
	l.endSession("aiUnavailable")
}

// ---------------------------------------------------------------------------
// Analytics (rule 5 trigger + results)

func (l *Loop) triggerAnalytics(utterance string) {
	recent := toAnalyticsEntries(l.state.LastEntries(recentEntriesCount))
	full := toAnalyticsEntries(l.state.FullTranscript())
	l.analytics.Trigger(l.state.ID, utterance, recent, full, func(res analytics.TaskResult) bool {
		return l.Post(evAnalytics{res: res})
	})
}

func (l *Loop) handleAnalyticsResult(res analytics.TaskResult) {
	switch {
	case res.Sentiment != nil:
		s := res.Sentiment
		l.state.Frustration.Observe(s.Score, s.Sentiment, s.Reason)
		l.fan.Broadcast(protocol.FrustrationUpdateEvent{
			Type:      "frustrationUpdate",
			SessionID: l.state.ID,
			Seq:       l.state.NextSeq(),
			Score:     s.Score,
			Sentiment: s.Sentiment,
			Reason:    s.Reason,
			MaxScore:  l.state.Frustration.Max,
			Samples:   l.state.Frustration.Samples,
		})
		if s.ShouldEscalate {
			l.state.EscalationCount++
			l.state.EscalationAlerts = append(l.state.EscalationAlerts, s.Reason)
			l.fan.Broadcast(protocol.EscalationAlertEvent{
				Type:      "escalationAlert",
				SessionID: l.state.ID,
				Seq:       l.state.NextSeq(),
				Score:     s.Score,
				Sentiment: s.Sentiment,
				Reason:    s.Reason,
			})
		}
	case res.Analysis != nil:
		l.fan.Broadcast(protocol.AnalyticsUpdateEvent{
			Type:      "analyticsUpdate",
			SessionID: l.state.ID,
			Seq:       l.state.NextSeq(),
			Analysis:  res.Analysis,
		})
	case res.Coaching != nil:
		l.fan.Broadcast(protocol.CoachingUpdateEvent{
			Type:      "coachingUpdate",
			SessionID: l.state.ID,
			Seq:       l.state.NextSeq(),
			Coaching:  res.Coaching,
		})
	}
}

// ---------------------------------------------------------------------------
// Supervisor commands (rules 7-9, §4.7)

func (l *Loop) handleCommand(cmd Command) {
	switch m := cmd.Msg.(type) {
	case protocol.Takeover:
		if l.state.Status != StatusActive {
			l.replyError(cmd.SupervisorID, "wrongMode: session is not active")
			return
		}
		supervisorID := cmd.SupervisorID
		if supervisorID == "" {
			supervisorID = m.SupervisorID
		}
		l.state.RecordTakeover(supervisorID, l.now())
		l.ai.Pause()
		// The mode flip and pause precede the acknowledgement: no AI audio
		// produced after the ack can reach the customer.
		l.sendToCustomer(protocol.ModeChange{
			Type:    "modeChange",
			Mode:    protocol.ModeHuman,
			Message: "A support specialist has joined the call.",
		}, false)
		l.broadcastSessionUpdate()
	case protocol.Handback:
		if l.state.Mode != ModeHuman || cmd.SupervisorID != l.state.ControllerID {
			l.replyError(cmd.SupervisorID, "wrongMode: caller is not the controller")
			return
		}
		l.state.RecordHandback(l.now())
		l.ai.Resume()
		if m.Context != "" {
			if err := l.ai.SendText(contextPrompt(m.Context)); err != nil {
				l.logger.Warn("handback context not delivered", "err", err)
			}
		}
		l.sendToCustomer(protocol.ModeChange{
			Type:    "modeChange",
			Mode:    protocol.ModeAI,
			Message: "The assistant has rejoined the call.",
		}, false)
		l.broadcastSessionUpdate()
	case protocol.InjectContext:
		if l.state.Mode != ModeAI {
			l.replyError(cmd.SupervisorID, "wrongMode: context injection requires ai mode")
			return
		}
		if l.ai.State() != aiclient.StateReady {
			l.replyError(cmd.SupervisorID, "aiNotReady")
			return
		}
		entry := l.state.Append(RoleCustomer, m.Context, l.now())
		l.broadcastCustomerMessage(entry)
		if err := l.ai.SendText(contextPrompt(m.Context)); err != nil {
			l.replyError(cmd.SupervisorID, fmt.Sprintf("contextInjectionFailed: %v", err))
			return
		}
		l.triggerAnalytics(m.Context)
		l.fan.SendTo(cmd.SupervisorID, protocol.ContextInjectedEvent{
			Type:      "contextInjected",
			SessionID: l.state.ID,
			Seq:       l.state.NextSeq(),
		})
	case protocol.SupervisorText:
		if l.state.Mode != ModeHuman {
			l.replyError(cmd.SupervisorID, "wrongMode: supervisor messages require human mode")
			return
		}
		l.state.Append(RoleSupervisor, m.Content, l.now())
		l.sendToCustomer(protocol.SupervisorMessageToCustomer{
			Type:    "supervisorMessage",
			Content: m.Content,
		}, false)
		l.broadcastSessionUpdate()
	case protocol.SupervisorAudio:
		if l.state.Mode != ModeHuman || cmd.SupervisorID != l.state.ControllerID {
			return
		}
		l.sendToCustomer(protocol.ServerAudio{Type: "audio", Data: m.Data}, true)
	case protocol.EndCall:
		l.sendToCustomer(protocol.SessionEndedToCustomer{
			Type:    "sessionEnded",
			Message: "The call has been ended by a supervisor.",
		}, false)
		l.endSession("endedBySupervisor")
	}
}

func (l *Loop) replyError(supervisorID, message string) {
	l.fan.SendTo(supervisorID, protocol.SupervisorErrorEvent{
		Type:      "error",
		SessionID: l.state.ID,
		Message:   message,
	})
}

// contextPrompt wraps supervisor-provided context as a user turn for the AI.
func contextPrompt(ctx string) string {
	return "A support supervisor shared context about this call: " + ctx +
		"\nIncorporate it naturally; do not mention the supervisor."
}

// ---------------------------------------------------------------------------
// Outbound helpers

func (l *Loop) sendToCustomer(msg any, isAudio bool) {
	payload, err := json.Marshal(msg)
	if err != nil {
		l.logger.Error("customer message serialization failed", "err", err)
		return
	}
	switch err := l.customer.Send(payload, isAudio); {
	case err == nil:
	case errors.Is(err, transport.ErrPeerSlow):
		l.logger.Warn("customer outbox overflow")
		l.endSession("customerCongested")
	case errors.Is(err, transport.ErrPeerGone):
		l.logger.Debug("customer gone, message dropped")
	}
}

func (l *Loop) sendAudioToCustomer(audio []byte) {
	l.sendToCustomer(protocol.ServerAudio{
		Type: "audio",
		Data: base64.StdEncoding.EncodeToString(audio),
	}, true)
}

func (l *Loop) broadcastCustomerMessage(entry TranscriptEntry) {
	l.fan.Broadcast(protocol.CustomerMessageEvent{
		Type:      "customerMessage",
		SessionID: l.state.ID,
		Seq:       entry.Seq,
		Content:   entry.Content,
	})
}

func (l *Loop) broadcastSessionUpdate() {
	l.fan.Broadcast(protocol.SessionUpdate{
		Type:      "sessionUpdate",
		SessionID: l.state.ID,
		Seq:       l.state.NextSeq(),
		Session:   l.state.Snapshot(),
	})
}

// ---------------------------------------------------------------------------
// Teardown

func (l *Loop) endSession(reason string) {
	if l.ended || l.state.Status == StatusEnded {
		return
	}
	now := l.now()
	l.state.Status = StatusEnded
	l.state.EndedAt = now
	l.ended = true

	l.logger.Info("session ending", "reason", reason)

	if reason != "customerDisconnected" && reason != "customerCongested" {
		l.sendToCustomerIgnoringState(protocol.SessionEndedToCustomer{
			Type:    "sessionEnded",
			Message: "This session has ended.",
		})
	}
	l.customer.Close(reason)
	l.ai.Close(reason)

	summary := l.generateSummary()
	rec := l.buildRecord(summary, now)
	if l.writer != nil {
		done := l.writer.Enqueue(rec)
		select {
		case err := <-done:
			if err != nil {
				l.logger.Error("summary persistence failed", "err", err)
			}
		case <-time.After(l.cfg.PersistWait):
			l.logger.Warn("summary persistence still pending, not waiting further")
		}
	}
	if l.analytics != nil {
		l.analytics.Forget(l.state.ID)
	}

	// The ended sessionUpdate is the final event for this session: nothing
	// may broadcast with a higher sequence number afterwards.
	l.fan.Broadcast(protocol.SessionEndedEvent{
		Type:      "sessionEnded",
		SessionID: l.state.ID,
		Seq:       l.state.NextSeq(),
		Reason:    reason,
	})
	l.broadcastSessionUpdate()

	if l.onEnd != nil {
		l.onEnd(l.state.ID)
	}
}

// sendToCustomerIgnoringState bypasses the congestion teardown path; used
// only while already ending.
func (l *Loop) sendToCustomerIgnoringState(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = l.customer.Send(payload, false)
}

func (l *Loop) generateSummary() analytics.SummaryResult {
	if l.analytics == nil {
		return analytics.NeutralSummary()
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SummaryTimeout)
	defer cancel()
	summary, err := l.analytics.Summarize(ctx, toAnalyticsEntries(l.state.FullTranscript()))
	if err != nil {
		l.logger.Warn("summary collaborator failed, using placeholder", "err", err)
		return analytics.NeutralSummary()
	}
	return summary
}

func (l *Loop) buildRecord(summary analytics.SummaryResult, now time.Time) store.SummaryRecord {
	transcriptJSON, _ := json.Marshal(l.state.FullTranscript())
	keyTopics, _ := json.Marshal(summary.KeyTopics)
	actionItems, _ := json.Marshal(summary.ActionItems)
	alerts, _ := json.Marshal(l.state.EscalationAlerts)

	rec := store.SummaryRecord{
		SessionID:               l.state.ID,
		CreatedAt:               l.state.CreatedAt,
		EndedAt:                 l.state.EndedAt,
		DurationSeconds:         l.state.EndedAt.Sub(l.state.CreatedAt).Seconds(),
		Sentiment:               summary.Sentiment,
		Intent:                  summary.Intent,
		ResolutionStatus:        summary.ResolutionStatus,
		KeyTopics:               keyTopics,
		ActionItems:             actionItems,
		FrustrationAvg:          l.state.Frustration.Avg(),
		FrustrationMax:          l.state.Frustration.Max,
		FrustrationTrend:        summary.FrustrationTrend,
		EscalationCount:         l.state.EscalationCount,
		EscalationAlerts:        alerts,
		SupervisorInterventions: l.state.SupervisorInterventions,
		SupervisorID:            l.lastControllerID(),
		SupervisorTakeoverSecs:  l.state.TakeoverDuration(now).Seconds(),
		FullSummary:             summary.FullText,
		Insights:                summary.Insights,
		Transcript:              transcriptJSON,
	}
	if !l.state.FirstMessageAt.IsZero() {
		first := l.state.FirstMessageAt
		rec.FirstMessageAt = &first
	}
	if !l.state.LastMessageAt.IsZero() {
		last := l.state.LastMessageAt
		rec.LastMessageAt = &last
	}
	return rec
}

func (l *Loop) lastControllerID() string {
	if l.state.ControllerID != "" {
		return l.state.ControllerID
	}
	return l.state.LastControllerID
}

func toAnalyticsEntries(entries []TranscriptEntry) []analytics.Entry {
	out := make([]analytics.Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, analytics.Entry{Role: string(e.Role), Content: e.Content})
	}
	return out
}
