package sqlstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"               // Postgres driver
	"github.com/mattn/go-sqlite3"     // SQLite driver
	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/filetree"
	"github.com/pliu/devfusion/internal/models"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
	now        func() time.Time
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Every pooled connection to ":memory:" would get its own database.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName, now: time.Now}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	// Simplified for brevity, ideally use migrations
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		password TEXT NOT NULL,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		preferred_stack TEXT NOT NULL DEFAULT '',
		code_style TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		owner_id TEXT NOT NULL REFERENCES users(id),
		file_tree TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_members (
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at DATETIME NOT NULL,
		PRIMARY KEY (project_id, user_id),
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		sender_email TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		login_time DATETIME NOT NULL,
		logout_time DATETIME,
		duration REAL NOT NULL DEFAULT 0,
		FOREIGN KEY (project_id) REFERENCES projects(id)
	);

	CREATE TABLE IF NOT EXISTS fix_logs (
		id TEXT PRIMARY KEY,
		error_message TEXT NOT NULL,
		fix_suggestion TEXT NOT NULL,
		frequency INTEGER NOT NULL DEFAULT 1,
		language TEXT NOT NULL,
		last_occurred DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id);
	CREATE INDEX IF NOT EXISTS idx_fix_logs_lookup ON fix_logs(error_message, language);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "DATETIME", "TIMESTAMPTZ")
		query = strings.ReplaceAll(query, "REAL", "DOUBLE PRECISION")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *SQLStore) CreateUser(user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	user.CreatedAt = user.CreatedAt.UTC()
	if user.Preferences == (models.Preferences{}) {
		user.Preferences = models.DefaultPreferences()
	}
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	query := s.rebind("INSERT INTO users (id, email, password, is_admin, preferred_stack, code_style, language, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.Exec(query, user.ID, user.Email, user.Password, user.IsAdmin,
		user.Preferences.PreferredStack, user.Preferences.CodeStyle, user.Preferences.Language, user.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", user.Email, apperr.ErrConflict)
	}
	return err
}

const userColumns = "id, email, password, is_admin, preferred_stack, code_style, language, created_at"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Password, &u.IsAdmin,
		&u.Preferences.PreferredStack, &u.Preferences.CodeStyle, &u.Preferences.Language, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) GetUserByEmail(email string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE email = ?")
	u, err := scanUser(s.db.QueryRow(query, strings.ToLower(strings.TrimSpace(email))))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (s *SQLStore) GetUserByID(id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	u, err := scanUser(s.db.QueryRow(query, id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (s *SQLStore) ListUsers() ([]models.User, error) {
	rows, err := s.db.Query("SELECT " + userColumns + " FROM users ORDER BY email ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLStore) UpdatePreferences(userID string, prefs models.Preferences) error {
	query := s.rebind("UPDATE users SET preferred_stack = ?, code_style = ?, language = ? WHERE id = ?")
	result, err := s.db.Exec(query, prefs.PreferredStack, prefs.CodeStyle, prefs.Language, userID)
	if err != nil {
		return err
	}
	return requireRow(result, "user")
}

func requireRow(result sql.Result, what string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) CreateProject(name, ownerID string) (*models.Project, error) {
	id := uuid.NewString()
	now := s.now().UTC()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	query := s.rebind("INSERT INTO projects (id, name, owner_id, file_tree, created_at) VALUES (?, ?, ?, ?, ?)")
	if _, err := tx.Exec(query, id, name, ownerID, "{}", now); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("project name %q: %w", name, apperr.ErrConflict)
		}
		return nil, err
	}

	query = s.rebind("INSERT INTO project_members (project_id, user_id, pending, joined_at) VALUES (?, ?, FALSE, ?)")
	if _, err := tx.Exec(query, id, ownerID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProject(id)
}

func (s *SQLStore) GetProject(id string) (*models.Project, error) {
	var p models.Project
	var tree string
	query := s.rebind("SELECT id, name, owner_id, file_tree, created_at FROM projects WHERE id = ?")
	err := s.db.QueryRow(query, id).Scan(&p.ID, &p.Name, &p.OwnerID, &tree, &p.CreatedAt)
	if err != nil {
		return nil, notFound(err, "project")
	}

	if p.FileTree, err = filetree.Parse([]byte(tree)); err != nil {
		return nil, fmt.Errorf("project %s file tree: %w", id, err)
	}
	if err := s.loadMembers(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) loadMembers(p *models.Project) error {
	query := s.rebind("SELECT user_id, pending FROM project_members WHERE project_id = ? ORDER BY joined_at ASC, user_id ASC")
	rows, err := s.db.Query(query, p.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	p.Users = []string{}
	p.PendingUsers = []string{}
	for rows.Next() {
		var userID string
		var pending bool
		if err := rows.Scan(&userID, &pending); err != nil {
			return err
		}
		if pending {
			p.PendingUsers = append(p.PendingUsers, userID)
		} else {
			p.Users = append(p.Users, userID)
		}
	}
	return rows.Err()
}

func (s *SQLStore) GetUserProjects(userID string) ([]models.Project, error) {
	query := s.rebind(`
		SELECT p.id
		FROM projects p
		JOIN project_members m ON p.id = m.project_id
		WHERE m.user_id = ? AND m.pending = FALSE
		ORDER BY p.created_at ASC
	`)
	rows, err := s.db.Query(query, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	projects := make([]models.Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProject(id)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, nil
}

func (s *SQLStore) AddMembers(projectID string, userIDs []string) (*models.Project, error) {
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}

	query := s.rebind(`
		INSERT INTO project_members (project_id, user_id, pending, joined_at) VALUES (?, ?, FALSE, ?)
		ON CONFLICT (project_id, user_id) DO UPDATE SET pending = FALSE
	`)
	for _, userID := range userIDs {
		if _, err := s.db.Exec(query, projectID, userID, s.now().UTC()); err != nil {
			return nil, err
		}
	}
	return s.GetProject(projectID)
}

func (s *SQLStore) RemoveMember(projectID, userID string) (*models.Project, error) {
	query := s.rebind("DELETE FROM project_members WHERE project_id = ? AND user_id = ?")
	if _, err := s.db.Exec(query, projectID, userID); err != nil {
		return nil, err
	}
	return s.GetProject(projectID)
}

func (s *SQLStore) AddPendingUser(projectID, userID string) error {
	if _, err := s.GetProject(projectID); err != nil {
		return err
	}
	query := s.rebind(`
		INSERT INTO project_members (project_id, user_id, pending, joined_at) VALUES (?, ?, TRUE, ?)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`)
	_, err := s.db.Exec(query, projectID, userID, s.now().UTC())
	return err
}

func (s *SQLStore) ResolvePendingUser(projectID, userID string, accept bool) (*models.Project, error) {
	query := s.rebind("DELETE FROM project_members WHERE project_id = ? AND user_id = ? AND pending = TRUE")
	if accept {
		query = s.rebind("UPDATE project_members SET pending = FALSE WHERE project_id = ? AND user_id = ? AND pending = TRUE")
	}

	result, err := s.db.Exec(query, projectID, userID)
	if err != nil {
		return nil, err
	}
	if err := requireRow(result, "join request"); err != nil {
		return nil, err
	}
	return s.GetProject(projectID)
}

func (s *SQLStore) UpdateFileTree(projectID string, tree filetree.Tree) (*models.Project, error) {
	if tree == nil {
		tree = filetree.Tree{}
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}

	query := s.rebind("UPDATE projects SET file_tree = ? WHERE id = ?")
	result, err := s.db.Exec(query, string(data), projectID)
	if err != nil {
		return nil, err
	}
	if err := requireRow(result, "project"); err != nil {
		return nil, err
	}
	return s.GetProject(projectID)
}

func (s *SQLStore) DeleteProject(projectID string) error {
	// Delete dependents first (foreign key constraint)
	for _, table := range []string{"messages", "sessions", "project_members"} {
		query := s.rebind("DELETE FROM " + table + " WHERE project_id = ?")
		if _, err := s.db.Exec(query, projectID); err != nil {
			return err
		}
	}

	query := s.rebind("DELETE FROM projects WHERE id = ?")
	result, err := s.db.Exec(query, projectID)
	if err != nil {
		return err
	}
	return requireRow(result, "project")
}

func (s *SQLStore) SaveMessage(projectID string, sender models.Sender, text string, ts time.Time) (*models.Message, error) {
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()
	m := &models.Message{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Sender:    sender,
		Message:   text,
		Timestamp: ts,
	}

	query := s.rebind("INSERT INTO messages (id, project_id, sender_id, sender_email, content, timestamp) VALUES (?, ?, ?, ?, ?, ?)")
	if _, err := s.db.Exec(query, m.ID, m.ProjectID, m.Sender.ID, m.Sender.Email, m.Message, m.Timestamp); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *SQLStore) GetProjectMessages(projectID string) ([]models.Message, error) {
	query := s.rebind(`
		SELECT id, project_id, sender_id, sender_email, content, timestamp
		FROM messages
		WHERE project_id = ?
		ORDER BY timestamp ASC
	`)
	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Sender.ID, &m.Sender.Email, &m.Message, &m.Timestamp); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *SQLStore) OpenSession(projectID, userID string, loginTime time.Time) (string, error) {
	id := uuid.NewString()
	query := s.rebind("INSERT INTO sessions (id, project_id, user_id, login_time, duration) VALUES (?, ?, ?, ?, 0)")
	if _, err := s.db.Exec(query, id, projectID, userID, loginTime.UTC()); err != nil {
		return "", err
	}
	return id, nil
}

const sessionColumns = "id, project_id, user_id, login_time, logout_time, duration"

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var sess models.Session
	var logout sql.NullTime
	if err := row.Scan(&sess.ID, &sess.ProjectID, &sess.UserID, &sess.LoginTime, &logout, &sess.Duration); err != nil {
		return nil, err
	}
	if logout.Valid {
		t := logout.Time
		sess.LogoutTime = &t
	}
	return &sess, nil
}

func (s *SQLStore) GetSession(id string) (*models.Session, error) {
	query := s.rebind("SELECT " + sessionColumns + " FROM sessions WHERE id = ?")
	sess, err := scanSession(s.db.QueryRow(query, id))
	if err != nil {
		return nil, notFound(err, "session")
	}
	return sess, nil
}

func (s *SQLStore) CloseSession(id string, logoutTime time.Time, duration float64) error {
	query := s.rebind("UPDATE sessions SET logout_time = ?, duration = ? WHERE id = ?")
	result, err := s.db.Exec(query, logoutTime.UTC(), duration, id)
	if err != nil {
		return err
	}
	return requireRow(result, "session")
}

func (s *SQLStore) GetProjectSessions(projectID string) ([]models.Session, error) {
	query := s.rebind("SELECT " + sessionColumns + " FROM sessions WHERE project_id = ? ORDER BY login_time ASC")
	rows, err := s.db.Query(query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *SQLStore) FindFix(errorMessage, language string) (*models.FixLog, error) {
	var f models.FixLog
	query := s.rebind("SELECT id, error_message, fix_suggestion, frequency, language, last_occurred FROM fix_logs WHERE error_message = ? AND language = ?")
	err := s.db.QueryRow(query, errorMessage, language).
		Scan(&f.ID, &f.ErrorMessage, &f.FixSuggestion, &f.Frequency, &f.Language, &f.LastOccurred)
	if err != nil {
		return nil, notFound(err, "fix")
	}
	return &f, nil
}

func (s *SQLStore) SaveFix(fix *models.FixLog) error {
	if fix.ID == "" {
		fix.ID = uuid.NewString()
	}
	if fix.Frequency == 0 {
		fix.Frequency = 1
	}
	if fix.LastOccurred.IsZero() {
		fix.LastOccurred = s.now()
	}
	fix.LastOccurred = fix.LastOccurred.UTC()
	query := s.rebind("INSERT INTO fix_logs (id, error_message, fix_suggestion, frequency, language, last_occurred) VALUES (?, ?, ?, ?, ?, ?)")
	_, err := s.db.Exec(query, fix.ID, fix.ErrorMessage, fix.FixSuggestion, fix.Frequency, fix.Language, fix.LastOccurred)
	return err
}

func (s *SQLStore) TouchFix(id string, at time.Time) (*models.FixLog, error) {
	query := s.rebind("UPDATE fix_logs SET frequency = frequency + 1, last_occurred = ? WHERE id = ?")
	result, err := s.db.Exec(query, at.UTC(), id)
	if err != nil {
		return nil, err
	}
	if err := requireRow(result, "fix"); err != nil {
		return nil, err
	}

	var f models.FixLog
	query = s.rebind("SELECT id, error_message, fix_suggestion, frequency, language, last_occurred FROM fix_logs WHERE id = ?")
	err = s.db.QueryRow(query, id).Scan(&f.ID, &f.ErrorMessage, &f.FixSuggestion, &f.Frequency, &f.Language, &f.LastOccurred)
	if err != nil {
		return nil, notFound(err, "fix")
	}
	return &f, nil
}
