// Package fanout replicates session events to every attached supervisor
// transport. Serialization happens once per event; a slow supervisor only
// loses its own events.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/voicedesk/mediator/pkg/mediator/protocol"
	"github.com/voicedesk/mediator/pkg/mediator/transport"
)

type Registry struct {
	mu          sync.Mutex
	supervisors map[string]*transport.Peer

	logger *slog.Logger
	onDrop func(supervisorID string) // metrics hook, optional
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		supervisors: make(map[string]*transport.Peer),
		logger:      logger,
	}
}

func (r *Registry) SetDropHook(hook func(supervisorID string)) {
	r.onDrop = hook
}

// Attach registers a supervisor and immediately sends it the current
// sessions snapshot.
func (r *Registry) Attach(peer *transport.Peer, sessions []any) {
	r.mu.Lock()
	r.supervisors[peer.ID] = peer
	r.mu.Unlock()

	payload, err := json.Marshal(protocol.SessionsList{Type: "sessionsList", Sessions: sessions})
	if err != nil {
		r.logger.Error("sessions list serialization failed", "err", err)
		return
	}
	if _, err := peer.SendOrEvict(payload, false); err != nil {
		r.logger.Debug("sessions list not delivered", "supervisor_id", peer.ID, "err", err)
	}
}

func (r *Registry) Detach(supervisorID string) {
	r.mu.Lock()
	delete(r.supervisors, supervisorID)
	r.mu.Unlock()
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.supervisors)
}

// Broadcast serializes the event once and enqueues it on every supervisor
// outbox. Full outboxes drop per the transport policy; the broadcast never
// blocks.
func (r *Registry) Broadcast(ev protocol.SupervisorEvent) {
	payload, isAudio := r.serialize(ev)

	r.mu.Lock()
	peers := make([]*transport.Peer, 0, len(r.supervisors))
	for _, peer := range r.supervisors {
		peers = append(peers, peer)
	}
	r.mu.Unlock()

	for _, peer := range peers {
		dropped, err := peer.SendOrEvict(payload, isAudio)
		if err != nil {
			continue
		}
		if dropped {
			if r.onDrop != nil {
				r.onDrop(peer.ID)
			}
			r.logger.Debug("supervisor event dropped on slow outbox",
				"supervisor_id", peer.ID, "event", ev.EventType())
		}
	}
}

// SendTo delivers an event to one supervisor (command replies).
func (r *Registry) SendTo(supervisorID string, ev protocol.SupervisorEvent) {
	r.mu.Lock()
	peer := r.supervisors[supervisorID]
	r.mu.Unlock()
	if peer == nil {
		return
	}
	payload, isAudio := r.serialize(ev)
	if _, err := peer.SendOrEvict(payload, isAudio); err != nil {
		r.logger.Debug("supervisor reply not delivered", "supervisor_id", supervisorID, "err", err)
	}
}

func (r *Registry) serialize(ev protocol.SupervisorEvent) (payload []byte, isAudio bool) {
	payload, err := json.Marshal(ev)
	if err != nil {
		r.logger.Error("supervisor event serialization failed",
			"event", ev.EventType(), "err", err)
		degraded := protocol.DegradedEvent{Type: ev.EventType(), Error: "serialization"}
		if sessionEv, ok := ev.(interface{ GetSessionID() string }); ok {
			degraded.SessionID = sessionEv.GetSessionID()
		}
		payload, _ = json.Marshal(degraded)
		return payload, false
	}
	return payload, ev.AudioPayload()
}
