package ws

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pliu/devfusion/internal/filetree"
	"github.com/pliu/devfusion/internal/models"
)

const (
	EventMessage  = "project-message"
	EventActivity = "project-activity"
	EventFileTree = "project-file-tree"
	EventError    = "error"
)

// Envelope frames every event on the socket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ChatMessage is the project-message payload.
type ChatMessage struct {
	Message   string        `json:"message"`
	Sender    models.Sender `json:"sender"`
	Timestamp string        `json:"timestamp,omitempty"`
}

// Time returns the client supplied timestamp, or fallback when it is missing
// or not ISO 8601.
func (m ChatMessage) Time(fallback time.Time) time.Time {
	if m.Timestamp == "" {
		return fallback
	}
	ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
	if err != nil {
		return fallback
	}
	return ts
}

// Activity is the project-activity payload.
type Activity struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

type FileTreeUpdate struct {
	ProjectID string        `json:"projectId"`
	FileTree  filetree.Tree `json:"fileTree"`
}

func newChatMessage(sender models.Sender, text string, ts time.Time) ChatMessage {
	return ChatMessage{Message: text, Sender: sender, Timestamp: ts.UTC().Format(time.RFC3339Nano)}
}

// AITrigger marks a chat message as addressed to the assistant.
const AITrigger = "@ai"

// DetectPrompt reports whether text mentions the assistant and returns the
// prompt with the first marker removed and surrounding space trimmed.
func DetectPrompt(text string) (string, bool) {
	if !strings.Contains(text, AITrigger) {
		return "", false
	}
	return strings.TrimSpace(strings.Replace(text, AITrigger, "", 1)), true
}
