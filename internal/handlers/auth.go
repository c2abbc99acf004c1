package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/pliu/devfusion/internal/ai"
	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/auth"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
	"golang.org/x/crypto/bcrypt"
)

const minPasswordLength = 3

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (c Credentials) validate() error {
	if _, err := mail.ParseAddress(c.Email); err != nil {
		return fmt.Errorf("email must be a valid email address: %w", apperr.ErrInvalidInput)
	}
	if len(c.Password) < minPasswordLength {
		return fmt.Errorf("password must be at least %d characters long: %w", minPasswordLength, apperr.ErrInvalidInput)
	}
	return nil
}

type AuthHandler struct {
	Store    store.UserStore
	Tokens   *auth.Tokens
	TokenTTL time.Duration
}

type authResponse struct {
	User  *models.User `json:"user"`
	Token string       `json:"token"`
}

func (h *AuthHandler) issue(w http.ResponseWriter, user *models.User) (string, error) {
	token, err := h.Tokens.Issue(user.ID, user.Email)
	if err != nil {
		return "", err
	}
	auth.SetTokenCookie(w, token, h.TokenTTL)
	return token, nil
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, r, err)
		return
	}
	creds.Email = strings.ToLower(strings.TrimSpace(creds.Email))
	if err := creds.validate(); err != nil {
		writeError(w, r, err)
		return
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, r, err)
		return
	}

	user := &models.User{Email: creds.Email, Password: string(hashedPassword)}
	if err := h.Store.CreateUser(user); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			err = fmt.Errorf("email already registered: %w", apperr.ErrConflict)
		}
		writeError(w, r, err)
		return
	}

	token, err := h.issue(w, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{User: user, Token: token})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, r, err)
		return
	}
	invalid := fmt.Errorf("invalid credentials: %w", apperr.ErrAuthentication)

	user, err := h.Store.GetUserByEmail(strings.ToLower(strings.TrimSpace(creds.Email)))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = invalid
		}
		writeError(w, r, err)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		writeError(w, r, invalid)
		return
	}

	token, err := h.issue(w, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, authResponse{User: user, Token: token})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	auth.ClearTokenCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUserByID(caller(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

var languages = map[string]bool{ai.LanguageEnglish: true, ai.LanguageHinglish: true}

// UpdatePreferences overwrites the fields present in the body and keeps the
// rest.
func (h *AuthHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var req models.Preferences
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Language != "" && !languages[req.Language] {
		writeError(w, r, fmt.Errorf("language must be English or Hinglish: %w", apperr.ErrInvalidInput))
		return
	}

	user, err := h.Store.GetUserByID(caller(r).ID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	prefs := user.Preferences
	if req.PreferredStack != "" {
		prefs.PreferredStack = req.PreferredStack
	}
	if req.CodeStyle != "" {
		prefs.CodeStyle = req.CodeStyle
	}
	if req.Language != "" {
		prefs.Language = req.Language
	}

	if err := h.Store.UpdatePreferences(user.ID, prefs); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":     "Preferences updated successfully",
		"preferences": prefs,
	})
}

// AllUsers lists every user except the caller.
func (h *AuthHandler) AllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.Store.ListUsers()
	if err != nil {
		writeError(w, r, err)
		return
	}

	me := caller(r).ID
	others := make([]models.User, 0, len(users))
	for _, u := range users {
		if u.ID != me {
			others = append(others, u)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": others})
}
