package ws

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
)

// Relay forwards chat messages to the rest of the room and stores them.
// Forwarding and storing are independent; a storage failure is only logged.
type Relay struct {
	hub      *Hub
	messages store.MessageStore
	now      func() time.Time
}

func NewRelay(hub *Hub, messages store.MessageStore, now func() time.Time) *Relay {
	if now == nil {
		now = time.Now
	}
	return &Relay{hub: hub, messages: messages, now: now}
}

// Handle relays the raw payload to every other member of the sender's room
// and persists it. It returns the decoded message for further processing.
func (r *Relay) Handle(c *Client, data json.RawMessage) (ChatMessage, bool) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("Malformed chat message", "conn_id", c.id, "project_id", c.projectID, "error", err)
		return ChatMessage{}, false
	}

	r.hub.Broadcast(c.projectID, EventMessage, data, c)

	sender := msg.Sender
	if sender.ID == "" {
		sender = models.Sender{ID: c.identity.ID, Email: c.identity.Email}
	}
	r.Persist(c.projectID, sender, msg.Message, msg.Time(r.now()))
	return msg, true
}

// Persist appends a message to the project history, logging failures.
func (r *Relay) Persist(projectID string, sender models.Sender, text string, ts time.Time) {
	if _, err := r.messages.SaveMessage(projectID, sender, text, ts); err != nil {
		err = fmt.Errorf("%w: %w", apperr.ErrPersistence, err)
		slog.Error("Failed to save message", "project_id", projectID, "sender_id", sender.ID, "error", err)
	}
}
