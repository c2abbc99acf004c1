package models

import (
	"time"

	"github.com/pliu/devfusion/internal/filetree"
)

// AISenderID and AISenderEmail identify messages authored by the assistant.
const (
	AISenderID    = "ai"
	AISenderEmail = "AI"
)

type Preferences struct {
	PreferredStack string `json:"preferredStack"`
	CodeStyle      string `json:"codeStyle"`
	Language       string `json:"language"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		PreferredStack: "React/Node",
		CodeStyle:      "Standard",
		Language:       "English",
	}
}

type User struct {
	ID          string      `json:"_id"`
	Email       string      `json:"email"`
	Password    string      `json:"-"`
	IsAdmin     bool        `json:"isAdmin"`
	Preferences Preferences `json:"preferences"`
	CreatedAt   time.Time   `json:"createdAt"`
}

type Project struct {
	ID           string        `json:"_id"`
	Name         string        `json:"name"`
	OwnerID      string        `json:"owner"`
	Users        []string      `json:"users"`
	PendingUsers []string      `json:"pendingUsers"`
	FileTree     filetree.Tree `json:"fileTree"`
	CreatedAt    time.Time     `json:"createdAt"`
}

func (p *Project) IsMember(userID string) bool {
	for _, id := range p.Users {
		if id == userID {
			return true
		}
	}
	return false
}

func (p *Project) IsPending(userID string) bool {
	for _, id := range p.PendingUsers {
		if id == userID {
			return true
		}
	}
	return false
}

// Sender is the author of a chat message as the clients see it.
type Sender struct {
	ID    string `json:"_id"`
	Email string `json:"email"`
}

func AISender() Sender {
	return Sender{ID: AISenderID, Email: AISenderEmail}
}

func (s Sender) IsAI() bool { return s.ID == AISenderID }

type Message struct {
	ID        string    `json:"_id"`
	ProjectID string    `json:"projectId"`
	Sender    Sender    `json:"sender"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is one realtime connection lifetime. LogoutTime stays nil until the
// connection closes; Duration is in seconds.
type Session struct {
	ID         string     `json:"_id"`
	ProjectID  string     `json:"projectId"`
	UserID     string     `json:"userId"`
	LoginTime  time.Time  `json:"loginTime"`
	LogoutTime *time.Time `json:"logoutTime"`
	Duration   float64    `json:"duration"`
}

// UserStats aggregates a user's sessions in one project.
type UserStats struct {
	Logins        int     `json:"logins"`
	TotalDuration float64 `json:"totalDuration"`
}

// FixLog is a remembered answer to an error message, keyed on the message and
// the reply language.
type FixLog struct {
	ID            string    `json:"_id"`
	ErrorMessage  string    `json:"errorMessage"`
	FixSuggestion string    `json:"fixSuggestion"`
	Frequency     int       `json:"frequency"`
	Language      string    `json:"language"`
	LastOccurred  time.Time `json:"lastOccurred"`
}
