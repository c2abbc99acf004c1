package store

import (
	"time"

	"github.com/pliu/devfusion/internal/filetree"
	"github.com/pliu/devfusion/internal/models"
)

type UserStore interface {
	CreateUser(user *models.User) error
	GetUserByEmail(email string) (*models.User, error)
	GetUserByID(id string) (*models.User, error)
	ListUsers() ([]models.User, error)
	UpdatePreferences(userID string, prefs models.Preferences) error
}

type ProjectStore interface {
	CreateProject(name, ownerID string) (*models.Project, error)
	GetProject(id string) (*models.Project, error)
	GetUserProjects(userID string) ([]models.Project, error)
	AddMembers(projectID string, userIDs []string) (*models.Project, error)
	RemoveMember(projectID, userID string) (*models.Project, error)
	AddPendingUser(projectID, userID string) error
	ResolvePendingUser(projectID, userID string, accept bool) (*models.Project, error)
	UpdateFileTree(projectID string, tree filetree.Tree) (*models.Project, error)
	DeleteProject(projectID string) error
}

// MessageStore is append-only; messages come back in timestamp order.
type MessageStore interface {
	SaveMessage(projectID string, sender models.Sender, text string, ts time.Time) (*models.Message, error)
	GetProjectMessages(projectID string) ([]models.Message, error)
}

type SessionStore interface {
	OpenSession(projectID, userID string, loginTime time.Time) (string, error)
	GetSession(id string) (*models.Session, error)
	CloseSession(id string, logoutTime time.Time, duration float64) error
	GetProjectSessions(projectID string) ([]models.Session, error)
}

type FixStore interface {
	FindFix(errorMessage, language string) (*models.FixLog, error)
	SaveFix(fix *models.FixLog) error
	TouchFix(id string, at time.Time) (*models.FixLog, error)
}

type Store interface {
	UserStore
	ProjectStore
	MessageStore
	SessionStore
	FixStore
	Close() error
}
