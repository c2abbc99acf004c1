// Package gormstore implements store.Store with gorm on top of the pure-Go
// SQLite driver, so the server can run without cgo.
package gormstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/filetree"
	"github.com/pliu/devfusion/internal/models"

	_ "modernc.org/sqlite" // pure Go SQLite driver, registered as "sqlite"
)

type userRecord struct {
	ID             string `gorm:"primaryKey"`
	Email          string `gorm:"uniqueIndex;not null"`
	Password       string `gorm:"not null"`
	IsAdmin        bool
	PreferredStack string
	CodeStyle      string
	Language       string
	CreatedAt      time.Time
}

func (userRecord) TableName() string { return "users" }

type projectRecord struct {
	ID        string         `gorm:"primaryKey"`
	Name      string         `gorm:"uniqueIndex;not null"`
	OwnerID   string         `gorm:"not null"`
	FileTree  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time
}

func (projectRecord) TableName() string { return "projects" }

type memberRecord struct {
	ProjectID string `gorm:"primaryKey"`
	UserID    string `gorm:"primaryKey"`
	Pending   bool
	JoinedAt  time.Time
}

func (memberRecord) TableName() string { return "project_members" }

type messageRecord struct {
	ID          string    `gorm:"primaryKey"`
	ProjectID   string    `gorm:"index:idx_messages_project;not null"`
	SenderID    string    `gorm:"not null"`
	SenderEmail string    `gorm:"not null"`
	Content     string    `gorm:"not null"`
	Timestamp   time.Time `gorm:"index:idx_messages_project"`
}

func (messageRecord) TableName() string { return "messages" }

type sessionRecord struct {
	ID         string `gorm:"primaryKey"`
	ProjectID  string `gorm:"index;not null"`
	UserID     string `gorm:"not null"`
	LoginTime  time.Time
	LogoutTime *time.Time
	Duration   float64
}

func (sessionRecord) TableName() string { return "sessions" }

type fixRecord struct {
	ID            string `gorm:"primaryKey"`
	ErrorMessage  string `gorm:"index:idx_fix_lookup;not null"`
	FixSuggestion string `gorm:"not null"`
	Frequency     int    `gorm:"default:1"`
	Language      string `gorm:"index:idx_fix_lookup;not null"`
	LastOccurred  time.Time
}

func (fixRecord) TableName() string { return "fix_logs" }

type Store struct {
	db    *gorm.DB
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and migrates
// the schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_time_format=sqlite"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite only supports one writer at a time
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db, sqlDB: sqlDB, now: time.Now}
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&userRecord{},
		&projectRecord{},
		&memberRecord{},
		&messageRecord{},
		&sessionRecord{},
		&fixRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.sqlDB.Close()
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, apperr.ErrNotFound)
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		return fmt.Errorf("%s: %w", what, apperr.ErrConflict)
	default:
		return err
	}
}

func toUser(r userRecord) models.User {
	return models.User{
		ID:       r.ID,
		Email:    r.Email,
		Password: r.Password,
		IsAdmin:  r.IsAdmin,
		Preferences: models.Preferences{
			PreferredStack: r.PreferredStack,
			CodeStyle:      r.CodeStyle,
			Language:       r.Language,
		},
		CreatedAt: r.CreatedAt,
	}
}

func (s *Store) CreateUser(user *models.User) error {
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

	rec := userRecord{
		ID:             user.ID,
		Email:          user.Email,
		Password:       user.Password,
		IsAdmin:        user.IsAdmin,
		PreferredStack: user.Preferences.PreferredStack,
		CodeStyle:      user.Preferences.CodeStyle,
		Language:       user.Preferences.Language,
		CreatedAt:      user.CreatedAt,
	}
	return translate(s.db.Create(&rec).Error, "user "+user.Email)
}

func (s *Store) GetUserByEmail(email string) (*models.User, error) {
	var rec userRecord
	err := s.db.Where("email = ?", strings.ToLower(strings.TrimSpace(email))).First(&rec).Error
	if err != nil {
		return nil, translate(err, "user")
	}
	u := toUser(rec)
	return &u, nil
}

func (s *Store) GetUserByID(id string) (*models.User, error) {
	var rec userRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err, "user")
	}
	u := toUser(rec)
	return &u, nil
}

func (s *Store) ListUsers() ([]models.User, error) {
	var recs []userRecord
	if err := s.db.Order("email ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	users := make([]models.User, 0, len(recs))
	for _, r := range recs {
		users = append(users, toUser(r))
	}
	return users, nil
}

func (s *Store) UpdatePreferences(userID string, prefs models.Preferences) error {
	result := s.db.Model(&userRecord{}).Where("id = ?", userID).Updates(map[string]any{
		"preferred_stack": prefs.PreferredStack,
		"code_style":      prefs.CodeStyle,
		"language":        prefs.Language,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user: %w", apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateProject(name, ownerID string) (*models.Project, error) {
	now := s.now().UTC()
	rec := projectRecord{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		FileTree:  datatypes.JSON("{}"),
		CreatedAt: now,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return translate(err, fmt.Sprintf("project name %q", name))
		}
		return tx.Create(&memberRecord{ProjectID: rec.ID, UserID: ownerID, JoinedAt: now}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetProject(rec.ID)
}

func (s *Store) GetProject(id string) (*models.Project, error) {
	var rec projectRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err, "project")
	}

	tree, err := filetree.Parse(rec.FileTree)
	if err != nil {
		return nil, fmt.Errorf("project %s file tree: %w", id, err)
	}

	var members []memberRecord
	if err := s.db.Where("project_id = ?", id).Order("joined_at ASC, user_id ASC").Find(&members).Error; err != nil {
		return nil, err
	}

	p := &models.Project{
		ID:           rec.ID,
		Name:         rec.Name,
		OwnerID:      rec.OwnerID,
		Users:        []string{},
		PendingUsers: []string{},
		FileTree:     tree,
		CreatedAt:    rec.CreatedAt,
	}
	for _, m := range members {
		if m.Pending {
			p.PendingUsers = append(p.PendingUsers, m.UserID)
		} else {
			p.Users = append(p.Users, m.UserID)
		}
	}
	return p, nil
}

func (s *Store) GetUserProjects(userID string) ([]models.Project, error) {
	var ids []string
	err := s.db.Model(&projectRecord{}).
		Joins("JOIN project_members ON project_members.project_id = projects.id").
		Where("project_members.user_id = ? AND project_members.pending = ?", userID, false).
		Order("projects.created_at ASC").
		Pluck("projects.id", &ids).Error
	if err != nil {
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

func (s *Store) AddMembers(projectID string, userIDs []string) (*models.Project, error) {
	if _, err := s.GetProject(projectID); err != nil {
		return nil, err
	}
	for _, userID := range userIDs {
		err := s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "project_id"}, {Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]any{"pending": false}),
		}).Create(&memberRecord{ProjectID: projectID, UserID: userID, JoinedAt: s.now().UTC()}).Error
		if err != nil {
			return nil, err
		}
	}
	return s.GetProject(projectID)
}

func (s *Store) RemoveMember(projectID, userID string) (*models.Project, error) {
	err := s.db.Where("project_id = ? AND user_id = ?", projectID, userID).Delete(&memberRecord{}).Error
	if err != nil {
		return nil, err
	}
	return s.GetProject(projectID)
}

func (s *Store) AddPendingUser(projectID, userID string) error {
	if _, err := s.GetProject(projectID); err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&memberRecord{ProjectID: projectID, UserID: userID, Pending: true, JoinedAt: s.now().UTC()}).Error
}

func (s *Store) ResolvePendingUser(projectID, userID string, accept bool) (*models.Project, error) {
	q := s.db.Model(&memberRecord{}).Where("project_id = ? AND user_id = ? AND pending = ?", projectID, userID, true)

	var result *gorm.DB
	if accept {
		result = q.Update("pending", false)
	} else {
		result = q.Delete(&memberRecord{})
	}
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("join request: %w", apperr.ErrNotFound)
	}
	return s.GetProject(projectID)
}

func (s *Store) UpdateFileTree(projectID string, tree filetree.Tree) (*models.Project, error) {
	if tree == nil {
		tree = filetree.Tree{}
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, err
	}

	result := s.db.Model(&projectRecord{}).Where("id = ?", projectID).Update("file_tree", datatypes.JSON(data))
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("project: %w", apperr.ErrNotFound)
	}
	return s.GetProject(projectID)
}

func (s *Store) DeleteProject(projectID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&messageRecord{}, &sessionRecord{}, &memberRecord{}} {
			if err := tx.Where("project_id = ?", projectID).Delete(model).Error; err != nil {
				return err
			}
		}
		result := tx.Where("id = ?", projectID).Delete(&projectRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("project: %w", apperr.ErrNotFound)
		}
		return nil
	})
}

func (s *Store) SaveMessage(projectID string, sender models.Sender, text string, ts time.Time) (*models.Message, error) {
	if ts.IsZero() {
		ts = s.now()
	}
	ts = ts.UTC()
	rec := messageRecord{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		SenderID:    sender.ID,
		SenderEmail: sender.Email,
		Content:     text,
		Timestamp:   ts,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return nil, err
	}
	return &models.Message{ID: rec.ID, ProjectID: projectID, Sender: sender, Message: text, Timestamp: ts}, nil
}

func (s *Store) GetProjectMessages(projectID string) ([]models.Message, error) {
	var recs []messageRecord
	if err := s.db.Where("project_id = ?", projectID).Order("timestamp ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	messages := make([]models.Message, 0, len(recs))
	for _, r := range recs {
		messages = append(messages, models.Message{
			ID:        r.ID,
			ProjectID: r.ProjectID,
			Sender:    models.Sender{ID: r.SenderID, Email: r.SenderEmail},
			Message:   r.Content,
			Timestamp: r.Timestamp,
		})
	}
	return messages, nil
}

func toSession(r sessionRecord) models.Session {
	return models.Session{
		ID:         r.ID,
		ProjectID:  r.ProjectID,
		UserID:     r.UserID,
		LoginTime:  r.LoginTime,
		LogoutTime: r.LogoutTime,
		Duration:   r.Duration,
	}
}

func (s *Store) OpenSession(projectID, userID string, loginTime time.Time) (string, error) {
	rec := sessionRecord{ID: uuid.NewString(), ProjectID: projectID, UserID: userID, LoginTime: loginTime.UTC()}
	if err := s.db.Create(&rec).Error; err != nil {
		return "", err
	}
	return rec.ID, nil
}

func (s *Store) GetSession(id string) (*models.Session, error) {
	var rec sessionRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err, "session")
	}
	sess := toSession(rec)
	return &sess, nil
}

func (s *Store) CloseSession(id string, logoutTime time.Time, duration float64) error {
	result := s.db.Model(&sessionRecord{}).Where("id = ?", id).Updates(map[string]any{
		"logout_time": logoutTime.UTC(),
		"duration":    duration,
	})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session: %w", apperr.ErrNotFound)
	}
	return nil
}

func (s *Store) GetProjectSessions(projectID string) ([]models.Session, error) {
	var recs []sessionRecord
	if err := s.db.Where("project_id = ?", projectID).Order("login_time ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	sessions := make([]models.Session, 0, len(recs))
	for _, r := range recs {
		sessions = append(sessions, toSession(r))
	}
	return sessions, nil
}

func toFix(r fixRecord) *models.FixLog {
	return &models.FixLog{
		ID:            r.ID,
		ErrorMessage:  r.ErrorMessage,
		FixSuggestion: r.FixSuggestion,
		Frequency:     r.Frequency,
		Language:      r.Language,
		LastOccurred:  r.LastOccurred,
	}
}

func (s *Store) FindFix(errorMessage, language string) (*models.FixLog, error) {
	var rec fixRecord
	err := s.db.Where("error_message = ? AND language = ?", errorMessage, language).First(&rec).Error
	if err != nil {
		return nil, translate(err, "fix")
	}
	return toFix(rec), nil
}

func (s *Store) SaveFix(fix *models.FixLog) error {
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
	return s.db.Create(&fixRecord{
		ID:            fix.ID,
		ErrorMessage:  fix.ErrorMessage,
		FixSuggestion: fix.FixSuggestion,
		Frequency:     fix.Frequency,
		Language:      fix.Language,
		LastOccurred:  fix.LastOccurred,
	}).Error
}

func (s *Store) TouchFix(id string, at time.Time) (*models.FixLog, error) {
	result := s.db.Model(&fixRecord{}).Where("id = ?", id).Updates(map[string]any{
		"frequency":     gorm.Expr("frequency + 1"),
		"last_occurred": at.UTC(),
	})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, fmt.Errorf("fix: %w", apperr.ErrNotFound)
	}

	var rec fixRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return nil, translate(err, "fix")
	}
	return toFix(rec), nil
}
