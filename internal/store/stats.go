package store

import (
	"errors"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/models"
)

type statsSource interface {
	SessionStore
	GetUserByID(id string) (*models.User, error)
}

// ProjectStats aggregates session history per user email. Sessions whose
// user no longer exists are skipped; open sessions count as a login with no
// duration yet.
func ProjectStats(s statsSource, projectID string) (map[string]models.UserStats, error) {
	sessions, err := s.GetProjectSessions(projectID)
	if err != nil {
		return nil, err
	}

	emails := make(map[string]string)
	stats := make(map[string]models.UserStats)
	for _, sess := range sessions {
		email, ok := emails[sess.UserID]
		if !ok {
			user, err := s.GetUserByID(sess.UserID)
			switch {
			case errors.Is(err, apperr.ErrNotFound):
				emails[sess.UserID] = ""
				continue
			case err != nil:
				return nil, err
			}
			email = user.Email
			emails[sess.UserID] = email
		}
		if email == "" {
			continue
		}

		st := stats[email]
		st.Logins++
		st.TotalDuration += sess.Duration
		stats[email] = st
	}
	return stats, nil
}
