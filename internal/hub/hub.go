// Package hub fans out position updates, conflict alerts and status
// snapshots to connected operator clients. Each client session carries
// a subscription filter; delivery is best-effort, at-most-once per
// session, ordered within a session.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/railsignal/railwatch/internal/monitoring"
)

// Hub owns the session registry and subscription indexes. All index
// mutations funnel through one mutex; broadcasts only enqueue onto
// per-session queues, so a slow client never blocks another.
type Hub struct {
	mu           sync.Mutex
	sessions     map[string]*Session
	byTrain      map[int64]map[string]struct{}
	bySection    map[int64]map[string]struct{}
	all          map[string]struct{}
	ai           map[string]struct{}
	aiTraining   map[string]struct{}
	messagesSent int64
}

func New() *Hub {
	return &Hub{
		sessions:   make(map[string]*Session),
		byTrain:    make(map[int64]map[string]struct{}),
		bySection:  make(map[int64]map[string]struct{}),
		all:        make(map[string]struct{}),
		ai:         make(map[string]struct{}),
		aiTraining: make(map[string]struct{}),
	}
}

// Connect registers a transport as a new session, starts its writer and
// sends the welcome message. The returned session's ID is the handle
// for every later operation.
func (h *Hub) Connect(conn Conn, principal string) *Session {
	s := newSession(conn, principal)

	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	go s.writePump(h.Disconnect)

	h.sendTo(s, newMessage(TypeConnectionEstablished, map[string]any{
		"connection_id": s.ID,
		"authenticated": principal != "",
		"server_time":   time.Now().UTC(),
		"available_subscriptions": []string{
			"subscribe_train", "unsubscribe_train",
			"subscribe_section", "unsubscribe_section",
			"subscribe_all", "subscribe_ai", "unsubscribe_ai",
			"subscribe_ai_training", "unsubscribe_ai_training", "ping",
		},
	}))
	return s
}

// Disconnect removes the session from every subscription index and
// closes it. It is idempotent.
func (h *Hub) Disconnect(connectionID string) {
	h.mu.Lock()
	s, ok := h.sessions[connectionID]
	if ok {
		delete(h.sessions, connectionID)
		for _, set := range h.byTrain {
			delete(set, connectionID)
		}
		for _, set := range h.bySection {
			delete(set, connectionID)
		}
		delete(h.all, connectionID)
		delete(h.ai, connectionID)
		delete(h.aiTraining, connectionID)
	}
	h.mu.Unlock()

	if ok {
		s.close()
	}
}

// ReadLoop consumes client frames for a session until the peer goes
// away, dispatching each through HandleClientMessage. It blocks; run it
// on the connection's handler goroutine.
func (h *Hub) ReadLoop(s *Session) {
	defer h.Disconnect(s.ID)
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		h.HandleClientMessage(s.ID, payload)
	}
}

// HandleClientMessage dispatches one client frame. Malformed or unknown
// messages get an error reply on that session; they never disconnect it.
func (h *Hub) HandleClientMessage(connectionID string, payload []byte) {
	h.mu.Lock()
	s, ok := h.sessions[connectionID]
	h.mu.Unlock()
	if !ok {
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.sendTo(s, newMessage(TypeError, map[string]string{"message": "invalid JSON"}))
		return
	}

	switch msg.Type {
	case "subscribe_train":
		if msg.TrainID == nil {
			h.sendTo(s, newMessage(TypeError, map[string]string{"message": "subscribe_train requires train_id"}))
			return
		}
		h.addIndex(h.byTrain, *msg.TrainID, connectionID)
		h.sendTo(s, newMessage(TypeSubscriptionConfirmed, map[string]any{"train_id": *msg.TrainID}))

	case "unsubscribe_train":
		if msg.TrainID == nil {
			h.sendTo(s, newMessage(TypeError, map[string]string{"message": "unsubscribe_train requires train_id"}))
			return
		}
		h.removeIndex(h.byTrain, *msg.TrainID, connectionID)
		h.sendTo(s, newMessage(TypeUnsubscriptionConfirmed, map[string]any{"train_id": *msg.TrainID}))

	case "subscribe_section":
		if msg.SectionID == nil {
			h.sendTo(s, newMessage(TypeError, map[string]string{"message": "subscribe_section requires section_id"}))
			return
		}
		h.addIndex(h.bySection, *msg.SectionID, connectionID)
		h.sendTo(s, newMessage(TypeSubscriptionConfirmed, map[string]any{"section_id": *msg.SectionID}))

	case "unsubscribe_section":
		if msg.SectionID == nil {
			h.sendTo(s, newMessage(TypeError, map[string]string{"message": "unsubscribe_section requires section_id"}))
			return
		}
		h.removeIndex(h.bySection, *msg.SectionID, connectionID)
		h.sendTo(s, newMessage(TypeUnsubscriptionConfirmed, map[string]any{"section_id": *msg.SectionID}))

	case "subscribe_all":
		h.addScope(h.all, connectionID)
		h.sendTo(s, newMessage(TypeSubscriptionConfirmed, map[string]any{"scope": "all"}))

	case "subscribe_ai":
		h.addScope(h.ai, connectionID)
		h.sendTo(s, newMessage(TypeSubscriptionConfirmed, map[string]any{"scope": "ai"}))

	case "unsubscribe_ai":
		h.removeScope(h.ai, connectionID)
		h.sendTo(s, newMessage(TypeUnsubscriptionConfirmed, map[string]any{"scope": "ai"}))

	case "subscribe_ai_training":
		h.addScope(h.aiTraining, connectionID)
		h.sendTo(s, newMessage(TypeSubscriptionConfirmed, map[string]any{"scope": "ai_training"}))

	case "unsubscribe_ai_training":
		h.removeScope(h.aiTraining, connectionID)
		h.sendTo(s, newMessage(TypeUnsubscriptionConfirmed, map[string]any{"scope": "ai_training"}))

	case "ping":
		h.sendTo(s, newMessage(TypePong, map[string]any{"timestamp": time.Now().UTC()}))

	default:
		h.sendTo(s, newMessage(TypeError, map[string]string{
			"message": fmt.Sprintf("unknown message type %q", msg.Type),
		}))
	}
}

func (h *Hub) addIndex(index map[int64]map[string]struct{}, key int64, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connectionID] = struct{}{}
}

func (h *Hub) removeIndex(index map[int64]map[string]struct{}, key int64, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := index[key]; ok {
		delete(set, connectionID)
	}
}

func (h *Hub) addScope(scope map[string]struct{}, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	scope[connectionID] = struct{}{}
}

func (h *Hub) removeScope(scope map[string]struct{}, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(scope, connectionID)
}

// BroadcastPositionUpdate delivers to all-subscribers plus the train's
// and section's subscribers.
func (h *Hub) BroadcastPositionUpdate(update PositionUpdate) {
	h.broadcast(newMessage(TypePositionUpdate, update), func() map[string]struct{} {
		targets := h.scopeUnion(h.all)
		h.mergeIndex(targets, h.byTrain, update.TrainID)
		h.mergeIndex(targets, h.bySection, update.Position.SectionID)
		return targets
	})
}

// BroadcastConflictAlert delivers to all-subscribers.
func (h *Hub) BroadcastConflictAlert(alert ConflictAlert) {
	h.broadcast(newMessage(TypeConflictAlert, alert), func() map[string]struct{} {
		return h.scopeUnion(h.all)
	})
}

// BroadcastAIUpdate delivers to ai-subscribers, all-subscribers and,
// when the update is scoped, the train's and section's subscribers.
func (h *Hub) BroadcastAIUpdate(update AIUpdate) {
	h.broadcast(newMessage(TypeAIUpdate, update), func() map[string]struct{} {
		targets := h.scopeUnion(h.ai, h.all)
		if update.TrainID != nil {
			h.mergeIndex(targets, h.byTrain, *update.TrainID)
		}
		if update.SectionID != nil {
			h.mergeIndex(targets, h.bySection, *update.SectionID)
		}
		return targets
	})
}

// BroadcastAITrainingUpdate delivers to ai-training-subscribers and
// all-subscribers.
func (h *Hub) BroadcastAITrainingUpdate(payload any) {
	h.broadcast(newMessage(TypeAITrainingUpdate, payload), func() map[string]struct{} {
		return h.scopeUnion(h.aiTraining, h.all)
	})
}

// BroadcastSystemStatus delivers a status snapshot to all-subscribers.
func (h *Hub) BroadcastSystemStatus(status any) {
	h.broadcast(newMessage(TypeSystemStatus, status), func() map[string]struct{} {
		return h.scopeUnion(h.all)
	})
}

// broadcast resolves the target set under the lock, then enqueues the
// encoded message on each target's queue. A full queue counts as a
// failed send and disconnects that session; delivery to the others
// continues. No error escapes a broadcast.
func (h *Hub) broadcast(msg Message, resolve func() map[string]struct{}) {
	payload := msg.encode()

	h.mu.Lock()
	targets := resolve()
	recipients := make([]*Session, 0, len(targets))
	for id := range targets {
		if s, ok := h.sessions[id]; ok {
			recipients = append(recipients, s)
		}
	}
	h.mu.Unlock()

	for _, s := range recipients {
		if !s.enqueue(payload) {
			monitoring.Logf("hub: session %s cannot keep up, disconnecting", s.ID)
			h.Disconnect(s.ID)
			continue
		}
		h.mu.Lock()
		h.messagesSent++
		h.mu.Unlock()
	}
}

// scopeUnion copies the union of the given scope sets. Callers must
// hold h.mu.
func (h *Hub) scopeUnion(scopes ...map[string]struct{}) map[string]struct{} {
	targets := make(map[string]struct{})
	for _, scope := range scopes {
		for id := range scope {
			targets[id] = struct{}{}
		}
	}
	return targets
}

// mergeIndex adds an index entry's subscribers to the target set.
// Callers must hold h.mu.
func (h *Hub) mergeIndex(targets map[string]struct{}, index map[int64]map[string]struct{}, key int64) {
	for id := range index[key] {
		targets[id] = struct{}{}
	}
}

// sendTo enqueues a message for a single session.
func (h *Hub) sendTo(s *Session, msg Message) {
	if !s.enqueue(msg.encode()) {
		monitoring.Logf("hub: session %s cannot keep up, disconnecting", s.ID)
		h.Disconnect(s.ID)
		return
	}
	h.mu.Lock()
	h.messagesSent++
	h.mu.Unlock()
}

// Stats describes the hub's connection state.
type Stats struct {
	Sessions             int   `json:"sessions"`
	TrainSubscriptions   int   `json:"train_subscriptions"`
	SectionSubscriptions int   `json:"section_subscriptions"`
	AllSubscribers       int   `json:"all_subscribers"`
	AISubscribers        int   `json:"ai_subscribers"`
	AITrainingSubs       int   `json:"ai_training_subscribers"`
	MessagesSent         int64 `json:"messages_sent"`
}

// ConnectionStats returns a snapshot of the registry.
func (h *Hub) ConnectionStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{
		Sessions:       len(h.sessions),
		AllSubscribers: len(h.all),
		AISubscribers:  len(h.ai),
		AITrainingSubs: len(h.aiTraining),
		MessagesSent:   h.messagesSent,
	}
	for _, set := range h.byTrain {
		st.TrainSubscriptions += len(set)
	}
	for _, set := range h.bySection {
		st.SectionSubscriptions += len(set)
	}
	return st
}
