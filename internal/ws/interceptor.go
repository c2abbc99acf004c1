package ws

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pliu/devfusion/internal/ai"
	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/filetree"
	"github.com/pliu/devfusion/internal/middleware"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
)

// FallbackMessage is sent to the room when the assistant cannot answer.
const FallbackMessage = "AI is currently unavailable (Missing API Key or Error). Please contact Admin."

// ThrottledMessage is sent to the requester when the global cooldown rejects
// an assistant mention.
const ThrottledMessage = middleware.ThrottleMessage

// Asker is the assistant as seen by the realtime layer.
type Asker interface {
	Ask(ctx context.Context, prompt string, prefs models.Preferences) (ai.Reply, error)
}

// Limiter gates assistant calls. A nil Limiter lets every call through.
type Limiter interface {
	Allow() bool
}

type interceptorStore interface {
	GetUserByID(id string) (*models.User, error)
	GetProject(id string) (*models.Project, error)
	UpdateFileTree(projectID string, tree filetree.Tree) (*models.Project, error)
}

// Interceptor answers "@ai" mentions. Generation runs on its own goroutine so
// the room keeps flowing while it is outstanding; the answer goes to the
// whole room, requester included.
type Interceptor struct {
	hub     *Hub
	asker   Asker
	limiter Limiter
	store   interceptorStore
	relay   *Relay
	timeout time.Duration
	now     func() time.Time

	// spawn runs a generation. Tests replace it to run inline.
	spawn func(func())
}

type InterceptorConfig struct {
	Hub     *Hub
	Asker   Asker
	Limiter Limiter
	Store   interface {
		store.UserStore
		store.ProjectStore
	}
	Relay   *Relay
	Timeout time.Duration
	Now     func() time.Time
}

func NewInterceptor(cfg InterceptorConfig) *Interceptor {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Interceptor{
		hub:     cfg.Hub,
		asker:   cfg.Asker,
		limiter: cfg.Limiter,
		store:   cfg.Store,
		relay:   cfg.Relay,
		timeout: cfg.Timeout,
		now:     now,
		spawn:   func(f func()) { go f() },
	}
}

// Intercept checks a chat message for an assistant mention and, if found,
// starts generation. It reports whether the message was addressed to the
// assistant.
func (i *Interceptor) Intercept(c *Client, msg ChatMessage) bool {
	prompt, ok := DetectPrompt(msg.Message)
	if !ok {
		return false
	}

	if i.limiter != nil && !i.limiter.Allow() {
		slog.Info("AI request throttled", "project_id", c.projectID, "user_id", c.identity.ID)
		i.hub.SendTo(c, EventMessage, newChatMessage(models.AISender(), ThrottledMessage, i.now()))
		return true
	}

	projectID, userID := c.projectID, c.identity.ID
	i.spawn(func() { i.respond(projectID, userID, prompt) })
	return true
}

func (i *Interceptor) respond(projectID, userID, prompt string) {
	ctx := context.Background()
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	reply, err := i.asker.Ask(ctx, prompt, i.preferences(userID))
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, apperr.ErrRateLimited) {
			level = slog.LevelWarn
		}
		slog.Log(ctx, level, "AI generation failed", "project_id", projectID, "user_id", userID, "error", err)
		i.hub.Broadcast(projectID, EventMessage, newChatMessage(models.AISender(), FallbackMessage, i.now()), nil)
		return
	}

	if reply.Kind == ai.KindFileTreePatch {
		i.applyPatch(projectID, reply.Tree)
	}

	ts := i.now()
	text := reply.Message()
	i.hub.Broadcast(projectID, EventMessage, newChatMessage(models.AISender(), text, ts), nil)
	i.relay.Persist(projectID, models.AISender(), text, ts)
}

func (i *Interceptor) preferences(userID string) models.Preferences {
	user, err := i.store.GetUserByID(userID)
	if err != nil {
		slog.Debug("Using default preferences", "user_id", userID, "error", err)
		return models.DefaultPreferences()
	}
	return user.Preferences
}

// applyPatch merges the patch into the stored tree once and sends the
// persisted result to the room.
func (i *Interceptor) applyPatch(projectID string, patch filetree.Tree) {
	project, err := i.store.GetProject(projectID)
	if err != nil {
		slog.Error("Failed to load project for file tree patch", "project_id", projectID, "error", err)
		return
	}

	merged := filetree.Merge(project.FileTree, patch, i.now())
	updated, err := i.store.UpdateFileTree(projectID, merged)
	if err != nil {
		slog.Error("Failed to persist merged file tree", "project_id", projectID, "error", err)
		return
	}
	i.hub.BroadcastFileTree(projectID, updated.FileTree)
}
