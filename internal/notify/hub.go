package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/olahol/melody"

	"github.com/mmynk/settleup/internal/models"
)

const groupKey = "group_id"

// Event types sent to websocket clients.
const (
	EventRecomputed = "settlements_recomputed"
	EventCompleted  = "settlement_completed"
)

// Message is the JSON body pushed to every client subscribed to a group.
type Message struct {
	Type        string            `json:"type"`
	GroupID     string            `json:"group_id"`
	Settlements []SettlementEvent `json:"settlements"`
}

// SettlementEvent is the wire form of a settlement inside a Message.
type SettlementEvent struct {
	ID         string `json:"id"`
	PayerID    string `json:"payer_id"`
	ReceiverID string `json:"receiver_id"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
}

// Hub broadcasts settlement events over websockets to the clients of one group.
type Hub struct {
	m *melody.Melody
}

func NewHub() *Hub {
	m := melody.New()
	m.Config.MaxMessageSize = 1024
	m.Config.PingPeriod = 30 * time.Second
	m.Config.PongWait = 60 * time.Second

	m.HandleConnect(func(s *melody.Session) {
		groupID, _ := s.Get(groupKey)
		slog.Debug("Websocket client connected", "group_id", groupID)
	})
	m.HandleDisconnect(func(s *melody.Session) {
		groupID, _ := s.Get(groupKey)
		slog.Debug("Websocket client disconnected", "group_id", groupID)
	})
	m.HandleError(func(s *melody.Session, err error) {
		slog.Warn("Websocket error", "error", err)
	})

	return &Hub{m: m}
}

// ServeGroup upgrades the request and subscribes the connection to groupID.
// Membership must be checked by the caller.
func (h *Hub) ServeGroup(w http.ResponseWriter, r *http.Request, groupID string) error {
	return h.m.HandleRequestWithKeys(w, r, map[string]any{groupKey: groupID})
}

// Clients returns the number of connected websocket sessions.
func (h *Hub) Clients() int {
	return h.m.Len()
}

// Close disconnects every client.
func (h *Hub) Close() error {
	return h.m.Close()
}

func (h *Hub) SettlementsRecomputed(_ context.Context, groupID string, pending []*models.Settlement) error {
	return h.broadcast(Message{Type: EventRecomputed, GroupID: groupID, Settlements: toEvents(pending)})
}

func (h *Hub) SettlementCompleted(_ context.Context, s *models.Settlement) error {
	return h.broadcast(Message{Type: EventCompleted, GroupID: s.GroupID, Settlements: toEvents([]*models.Settlement{s})})
}

func (h *Hub) broadcast(msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", msg.Type, err)
	}

	err = h.m.BroadcastFilter(payload, func(s *melody.Session) bool {
		id, ok := s.Get(groupKey)
		return ok && id == msg.GroupID
	})
	if err != nil {
		return fmt.Errorf("failed to broadcast to group %s: %w", msg.GroupID, err)
	}
	return nil
}

func toEvents(settlements []*models.Settlement) []SettlementEvent {
	events := make([]SettlementEvent, len(settlements))
	for i, s := range settlements {
		events[i] = SettlementEvent{
			ID:         s.ID,
			PayerID:    s.PayerID,
			ReceiverID: s.ReceiverID,
			Amount:     s.Amount.StringFixed(2),
			Currency:   s.Currency,
			Status:     string(s.Status),
		}
	}
	return events
}
