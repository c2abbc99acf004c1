package sqlstore

import (
	"errors"
	"testing"

	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/filetree"
)

func TestCreateProject(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := createTestUser(t, "owner@example.com")

	p, err := testStore.CreateProject("General", owner.ID)
	if err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	if p.ID == "" || p.OwnerID != owner.ID {
		t.Errorf("Unexpected project: %+v", p)
	}
	if !p.IsMember(owner.ID) {
		t.Error("Expected owner to be a member")
	}
	if len(p.FileTree) != 0 {
		t.Errorf("Expected empty file tree, got %v", p.FileTree)
	}

	_, err = testStore.CreateProject("General", owner.ID)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("Expected conflict for duplicate name, got %v", err)
	}
}

func TestCreateProjectIsAtomic(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := createTestUser(t, "owner@example.com")
	_, err := testStore.db.Exec(`CREATE TRIGGER fail_members BEFORE INSERT ON project_members
		BEGIN SELECT RAISE(ABORT, 'members unavailable'); END`)
	if err != nil {
		t.Fatalf("Failed to create trigger: %v", err)
	}

	if _, err := testStore.CreateProject("General", owner.ID); err == nil {
		t.Fatal("Expected CreateProject to fail when the owner cannot be added")
	}
	projects, _ := testStore.GetUserProjects(owner.ID)
	if len(projects) != 0 {
		t.Errorf("Expected no projects, got %+v", projects)
	}

	testStore.db.Exec("DROP TRIGGER fail_members")
	if _, err := testStore.CreateProject("General", owner.ID); err != nil {
		t.Errorf("Expected the name to be free after the failed attempt, got %v", err)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	_, err := testStore.GetProject("missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMembership(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := createTestUser(t, "owner@example.com")
	member := createTestUser(t, "member@example.com")
	requester := createTestUser(t, "requester@example.com")
	p, _ := testStore.CreateProject("Team", owner.ID)

	p, err := testStore.AddMembers(p.ID, []string{member.ID, member.ID})
	if err != nil {
		t.Fatalf("AddMembers failed: %v", err)
	}
	if len(p.Users) != 2 {
		t.Errorf("Expected 2 members after set-union, got %v", p.Users)
	}

	if err := testStore.AddPendingUser(p.ID, requester.ID); err != nil {
		t.Fatalf("AddPendingUser failed: %v", err)
	}
	p, _ = testStore.GetProject(p.ID)
	if !p.IsPending(requester.ID) || p.IsMember(requester.ID) {
		t.Errorf("Expected requester to be pending only: %+v", p)
	}

	p, err = testStore.ResolvePendingUser(p.ID, requester.ID, true)
	if err != nil {
		t.Fatalf("ResolvePendingUser failed: %v", err)
	}
	if !p.IsMember(requester.ID) || p.IsPending(requester.ID) {
		t.Errorf("Expected requester to be accepted: %+v", p)
	}

	_, err = testStore.ResolvePendingUser(p.ID, requester.ID, false)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for a request that no longer exists, got %v", err)
	}

	p, err = testStore.RemoveMember(p.ID, member.ID)
	if err != nil {
		t.Fatalf("RemoveMember failed: %v", err)
	}
	if p.IsMember(member.ID) {
		t.Error("Expected member to be removed")
	}

	projects, _ := testStore.GetUserProjects(requester.ID)
	if len(projects) != 1 {
		t.Errorf("Expected 1 project for requester, got %d", len(projects))
	}
}

func TestUpdateFileTree(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := createTestUser(t, "owner@example.com")
	p, _ := testStore.CreateProject("Tree", owner.ID)

	tree := filetree.Tree{
		"app.js": filetree.NewFile("console.log(1)"),
		"src":    filetree.NewDirectory(filetree.Tree{"a.js": filetree.NewFile("a")}),
	}
	updated, err := testStore.UpdateFileTree(p.ID, tree)
	if err != nil {
		t.Fatalf("UpdateFileTree failed: %v", err)
	}
	if updated.FileTree["app.js"].File.Contents != "console.log(1)" {
		t.Errorf("Unexpected tree: %v", updated.FileTree)
	}
	if updated.FileTree.Files() != 2 {
		t.Errorf("Expected 2 files, got %d", updated.FileTree.Files())
	}

	_, err = testStore.UpdateFileTree("missing", tree)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDeleteProject(t *testing.T) {
	SetupTestDB(t)
	defer TeardownTestDB()

	owner := createTestUser(t, "owner@example.com")
	p, _ := testStore.CreateProject("Project to Delete", owner.ID)

	// Add a message and a session
	testStore.SaveMessage(p.ID, senderOf(owner), "Message", testStore.now())
	testStore.OpenSession(p.ID, owner.ID, testStore.now())

	err := testStore.DeleteProject(p.ID)
	if err != nil {
		t.Errorf("Failed to delete project: %v", err)
	}

	if _, err := testStore.GetProject(p.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected project to be gone, got %v", err)
	}

	// Verify messages are gone
	messages, _ := testStore.GetProjectMessages(p.ID)
	if len(messages) != 0 {
		t.Error("Expected messages to be deleted")
	}
	sessions, _ := testStore.GetProjectSessions(p.ID)
	if len(sessions) != 0 {
		t.Error("Expected sessions to be deleted")
	}
}
