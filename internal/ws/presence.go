package ws

import (
	"encoding/json"
	"log/slog"
)

// relayActivity forwards a "user is looking at X" note to the other members
// of the room. Nothing is stored and nothing is acknowledged.
func relayActivity(hub *Hub, c *Client, data json.RawMessage) {
	var activity Activity
	if err := json.Unmarshal(data, &activity); err != nil {
		slog.Debug("Malformed activity event", "conn_id", c.id, "error", err)
		return
	}
	if activity.UserID == "" {
		activity.UserID = c.identity.ID
		activity.Email = c.identity.Email
	}
	hub.Broadcast(c.projectID, EventActivity, activity, c)
}
