package sqlstore

import (
	"errors"
	"testing"
	"time"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
)

func senderOf(u *models.User) models.Sender {
	return models.Sender{ID: u.ID, Email: u.Email}
}

func TestSaveMessage(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	user := createTestUser(t, "user1@example.com")
	p, _ := testStore.CreateProject("Chat 1", user.ID)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if _, err := testStore.SaveMessage(p.ID, models.AISender(), "second", base.Add(time.Second)); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}
	if _, err := testStore.SaveMessage(p.ID, senderOf(user), "first", base); err != nil {
		t.Fatalf("Failed to save message: %v", err)
	}

	messages, err := testStore.GetProjectMessages(p.ID)
	if err != nil {
		t.Fatalf("Failed to get messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].Message != "first" || messages[1].Message != "second" {
		t.Errorf("Expected timestamp order, got '%s', '%s'", messages[0].Message, messages[1].Message)
	}
	if !messages[1].Sender.IsAI() {
		t.Errorf("Expected AI sender, got %+v", messages[1].Sender)
	}
	if !messages[0].Timestamp.Equal(base) {
		t.Errorf("Expected timestamp %v, got %v", base, messages[0].Timestamp)
	}
}

func TestMessagesOrderedAcrossOffsets(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	user := createTestUser(t, "user1@example.com")
	p, _ := testStore.CreateProject("Zones", user.ID)
	ist := time.FixedZone("IST", 5*3600+1800)

	late := time.Date(2026, 1, 2, 5, 0, 0, 0, time.UTC)
	early := time.Date(2026, 1, 2, 10, 0, 0, 0, ist) // 04:30Z
	testStore.SaveMessage(p.ID, senderOf(user), "late", late)
	testStore.SaveMessage(p.ID, senderOf(user), "early", early)

	messages, err := testStore.GetProjectMessages(p.ID)
	if err != nil {
		t.Fatalf("Failed to get messages: %v", err)
	}
	if len(messages) != 2 || messages[0].Message != "early" || messages[1].Message != "late" {
		t.Fatalf("Expected history in instant order, got %+v", messages)
	}
	if !messages[0].Timestamp.Equal(early) {
		t.Errorf("Expected %v, got %v", early, messages[0].Timestamp)
	}
}

func TestSaveMessageDefaultsTimestamp(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	fixed := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
	testStore.now = func() time.Time { return fixed }

	m, err := testStore.SaveMessage("p1", models.Sender{ID: "u1", Email: "a@x.com"}, "hello", time.Time{})
	if err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if !m.Timestamp.Equal(fixed) {
		t.Errorf("Expected server time %v, got %v", fixed, m.Timestamp)
	}
}

func TestSessions(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	user := createTestUser(t, "user1@example.com")
	p, _ := testStore.CreateProject("Stats", user.ID)
	login := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	id, err := testStore.OpenSession(p.ID, user.ID, login)
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}

	sess, err := testStore.GetSession(id)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.LogoutTime != nil || !sess.LoginTime.Equal(login) {
		t.Errorf("Unexpected open session: %+v", sess)
	}

	logout := login.Add(125 * time.Second)
	if err := testStore.CloseSession(id, logout, 125); err != nil {
		t.Fatalf("CloseSession failed: %v", err)
	}
	sess, _ = testStore.GetSession(id)
	if sess.LogoutTime == nil || !sess.LogoutTime.Equal(logout) || sess.Duration != 125 {
		t.Errorf("Unexpected closed session: %+v", sess)
	}

	if err := testStore.CloseSession("missing", logout, 1); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	testStore.OpenSession(p.ID, user.ID, logout)
	testStore.OpenSession(p.ID, "deleted-user", logout)
	stats, err := store.ProjectStats(testStore, p.ID)
	if err != nil {
		t.Fatalf("ProjectStats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("Expected stats for 1 user, got %v", stats)
	}
	if got := stats[user.Email]; got.Logins != 2 || got.TotalDuration != 125 {
		t.Errorf("Unexpected stats: %+v", got)
	}
}

func TestFixMemory(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	_, err := testStore.FindFix("TypeError: x is undefined", "English")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}

	fix := &models.FixLog{ErrorMessage: "TypeError: x is undefined", FixSuggestion: "Define x", Language: "English"}
	if err := testStore.SaveFix(fix); err != nil {
		t.Fatalf("SaveFix failed: %v", err)
	}

	found, err := testStore.FindFix("TypeError: x is undefined", "English")
	if err != nil {
		t.Fatalf("FindFix failed: %v", err)
	}
	if found.Frequency != 1 {
		t.Errorf("Expected frequency 1, got %d", found.Frequency)
	}

	touched, err := testStore.TouchFix(found.ID, time.Now())
	if err != nil {
		t.Fatalf("TouchFix failed: %v", err)
	}
	if touched.Frequency != 2 {
		t.Errorf("Expected frequency 2, got %d", touched.Frequency)
	}

	if _, err := testStore.FindFix("TypeError: x is undefined", "Hinglish"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected language to be part of the key, got %v", err)
	}
}
