package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/email"
	"github.com/pliu/devfusion/internal/filetree"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// FileTreeBroadcaster pushes a persisted file tree to a project room.
type FileTreeBroadcaster interface {
	BroadcastFileTree(projectID string, tree filetree.Tree)
}

type Inviter interface {
	SendInvitation(inv email.Invitation) error
}

type ProjectHandler struct {
	Store  store.Store
	Hub    FileTreeBroadcaster
	Mailer Inviter
	Now    func() time.Time
}

func (h *ProjectHandler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

// load fetches a project and checks the caller's access to it.
func (h *ProjectHandler) load(r *http.Request, projectID string, ownerOnly bool) (*models.Project, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectId is required: %w", apperr.ErrInvalidInput)
	}
	project, err := h.Store.GetProject(projectID)
	if err != nil {
		return nil, err
	}

	userID := caller(r).ID
	switch {
	case ownerOnly && project.OwnerID != userID:
		return nil, fmt.Errorf("only the project owner can do this: %w", apperr.ErrForbidden)
	case !project.IsMember(userID):
		return nil, fmt.Errorf("not a member of this project: %w", apperr.ErrForbidden)
	}
	return project, nil
}

type CreateProjectRequest struct {
	Name string `json:"name"`
}

func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, fmt.Errorf("name is required: %w", apperr.ErrInvalidInput))
		return
	}

	project, err := h.Store.CreateProject(name, caller(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Project created", "project_id", project.ID, "user_id", project.OwnerID)
	writeJSON(w, http.StatusCreated, project)
}

func (h *ProjectHandler) All(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.GetUserProjects(caller(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	project, err := h.load(r, mux.Vars(r)["projectId"], false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

type AddUsersRequest struct {
	ProjectID string   `json:"projectId"`
	Users     []string `json:"users"`
}

func (h *ProjectHandler) AddUsers(w http.ResponseWriter, r *http.Request) {
	var req AddUsersRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Users) == 0 {
		writeError(w, r, fmt.Errorf("users must be a non-empty array: %w", apperr.ErrInvalidInput))
		return
	}
	if _, err := h.load(r, req.ProjectID, false); err != nil {
		writeError(w, r, err)
		return
	}
	for _, id := range req.Users {
		if _, err := h.Store.GetUserByID(id); err != nil {
			writeError(w, r, err)
			return
		}
	}

	project, err := h.Store.AddMembers(req.ProjectID, req.Users)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

type MemberRequest struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Action    string `json:"action,omitempty"`
}

func (h *ProjectHandler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.load(r, req.ProjectID, true)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == project.OwnerID {
		writeError(w, r, fmt.Errorf("the project owner cannot be removed: %w", apperr.ErrInvalidInput))
		return
	}

	project, err = h.Store.RemoveMember(req.ProjectID, req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

// JoinRequest puts the caller on the project's pending list.
func (h *ProjectHandler) JoinRequest(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	project, err := h.Store.GetProject(projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	userID := caller(r).ID
	if project.IsMember(userID) {
		writeError(w, r, fmt.Errorf("already a member: %w", apperr.ErrConflict))
		return
	}
	if err := h.Store.AddPendingUser(projectID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "Join request sent"})
}

// ApproveRequest accepts or rejects a pending join request.
func (h *ProjectHandler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Action != "accept" && req.Action != "reject" {
		writeError(w, r, fmt.Errorf("action must be accept or reject: %w", apperr.ErrInvalidInput))
		return
	}
	if _, err := h.load(r, req.ProjectID, true); err != nil {
		writeError(w, r, err)
		return
	}

	project, err := h.Store.ResolvePendingUser(req.ProjectID, req.UserID, req.Action == "accept")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Request %sed", req.Action),
		"project": project,
	})
}

type InviteRequest struct {
	ProjectID string `json:"projectId"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

// Invite creates the invitee's account if needed, adds them to the pending
// list and mails them. A mail failure does not fail the invitation.
func (h *ProjectHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req InviteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	creds := Credentials{Email: strings.ToLower(strings.TrimSpace(req.Email)), Password: req.Password}
	if err := creds.validate(); err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.load(r, req.ProjectID, true)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.Store.GetUserByEmail(creds.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		user, err = h.createInvitee(creds)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch {
	case project.IsMember(user.ID):
		writeError(w, r, fmt.Errorf("user already in project: %w", apperr.ErrConflict))
		return
	case project.IsPending(user.ID):
		writeError(w, r, fmt.Errorf("user already pending: %w", apperr.ErrConflict))
		return
	}

	if err := h.Store.AddPendingUser(project.ID, user.ID); err != nil {
		writeError(w, r, err)
		return
	}
	if project, err = h.Store.GetProject(project.ID); err != nil {
		writeError(w, r, err)
		return
	}

	if h.Mailer != nil {
		inv := email.Invitation{To: user.Email, Inviter: caller(r).Email, Project: project.Name}
		if err := h.Mailer.SendInvitation(inv); err != nil {
			slog.Warn("Failed to send invitation email", "project_id", project.ID, "to", user.Email, "error", err)
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"message": "User created and invite sent",
		"user":    user,
		"project": project,
	})
}

func (h *ProjectHandler) createInvitee(creds Credentials) (*models.User, error) {
	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &models.User{Email: creds.Email, Password: string(hashedPassword)}
	if err := h.Store.CreateUser(user); err != nil {
		return nil, err
	}
	return user, nil
}

func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if _, err := h.load(r, projectID, true); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Store.DeleteProject(projectID); err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Project deleted", "project_id", projectID, "user_id", caller(r).ID)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Project deleted successfully"})
}

type FileTreeRequest struct {
	ProjectID string          `json:"projectId"`
	FileTree  json.RawMessage `json:"fileTree"`
}

func parseTree(raw json.RawMessage) (filetree.Tree, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("fileTree is required: %w", apperr.ErrInvalidInput)
	}
	tree, err := filetree.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid fileTree: %w: %w", apperr.ErrInvalidInput, err)
	}
	return tree, nil
}

// saveTree persists a tree and announces the stored result to the room.
func (h *ProjectHandler) saveTree(w http.ResponseWriter, r *http.Request, projectID string, tree filetree.Tree) {
	project, err := h.Store.UpdateFileTree(projectID, tree)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.Hub != nil {
		h.Hub.BroadcastFileTree(projectID, project.FileTree)
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

// UpdateFileTree replaces the whole tree.
func (h *ProjectHandler) UpdateFileTree(w http.ResponseWriter, r *http.Request) {
	var req FileTreeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	tree, err := parseTree(req.FileTree)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.load(r, req.ProjectID, false); err != nil {
		writeError(w, r, err)
		return
	}
	h.saveTree(w, r, req.ProjectID, tree)
}

// PatchFileTree merges a partial tree into the stored one.
func (h *ProjectHandler) PatchFileTree(w http.ResponseWriter, r *http.Request) {
	var req FileTreeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	patch, err := parseTree(req.FileTree)
	if err != nil {
		writeError(w, r, err)
		return
	}
	project, err := h.load(r, mux.Vars(r)["projectId"], false)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.saveTree(w, r, project.ID, filetree.Merge(project.FileTree, patch, h.now()))
}

func (h *ProjectHandler) Messages(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if _, err := h.load(r, projectID, false); err != nil {
		writeError(w, r, err)
		return
	}
	messages, err := h.Store.GetProjectMessages(projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (h *ProjectHandler) Stats(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["projectId"]
	if _, err := h.load(r, projectID, false); err != nil {
		writeError(w, r, err)
		return
	}
	stats, err := store.ProjectStats(h.Store, projectID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

type SearchResults struct {
	Files []filetree.Match `json:"files"`
	Chats []models.Message `json:"chats"`
}

// Search looks for file names and chat messages in a project. type is file,
// chat or all; date (YYYY-MM-DD) restricts chats to that UTC day.
func (h *ProjectHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query, kind, date := q.Get("query"), q.Get("type"), q.Get("date")
	if query == "" && date == "" {
		writeError(w, r, fmt.Errorf("query or date is required: %w", apperr.ErrInvalidInput))
		return
	}

	var day time.Time
	if date != "" {
		var err error
		if day, err = time.Parse(time.DateOnly, date); err != nil {
			writeError(w, r, fmt.Errorf("date must be YYYY-MM-DD: %w", apperr.ErrInvalidInput))
			return
		}
	}

	project, err := h.load(r, q.Get("projectId"), false)
	if err != nil {
		writeError(w, r, err)
		return
	}

	results := SearchResults{Files: []filetree.Match{}, Chats: []models.Message{}}
	if kind == "" || kind == "file" || kind == "all" {
		results.Files = project.FileTree.Search(query)
	}
	if kind == "" || kind == "chat" || kind == "all" {
		messages, err := h.Store.GetProjectMessages(project.ID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		needle := strings.ToLower(query)
		for _, m := range messages {
			if query != "" && !strings.Contains(strings.ToLower(m.Message), needle) {
				continue
			}
			if date != "" {
				ts := m.Timestamp.UTC()
				if ts.Before(day) || !ts.Before(day.AddDate(0, 0, 1)) {
					continue
				}
			}
			results.Chats = append(results.Chats, m)
		}
		sort.SliceStable(results.Chats, func(i, j int) bool {
			return results.Chats[i].Timestamp.After(results.Chats[j].Timestamp)
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}
