package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/devfusion/internal/ai"
	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/auth"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
	"github.com/pliu/devfusion/internal/store/sqlstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type gatewayFixture struct {
	store   *sqlstore.SQLStore
	tokens  *auth.Tokens
	hub     *Hub
	clock   *fakeClock
	asker   *fakeAsker
	project *models.Project
	alice   *models.User
	bob     *models.User
	server  *httptest.Server
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	return newGatewayFixtureWith(t, nil)
}

// newGatewayFixtureWith routes message and session writes through broken
// when it is set.
func newGatewayFixtureWith(t *testing.T, broken *brokenStore) *gatewayFixture {
	t.Helper()
	s, err := sqlstore.New("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	alice := &models.User{Email: "a@x.com", Password: "hash"}
	bob := &models.User{Email: "b@x.com", Password: "hash"}
	for _, u := range []*models.User{alice, bob} {
		if err := s.CreateUser(u); err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
	}
	project, err := s.CreateProject("demo", alice.ID)
	if err != nil {
		t.Fatalf("Failed to create project: %v", err)
	}
	if _, err := s.AddMembers(project.ID, []string{bob.ID}); err != nil {
		t.Fatalf("Failed to add member: %v", err)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	tokens := auth.NewTokens("test-secret", time.Hour)
	hub := startHub(t)
	asker := &fakeAsker{reply: ai.Reply{Kind: ai.KindText, Body: "4"}}
	var messages store.MessageStore = s
	var sessions store.SessionStore = s
	if broken != nil {
		broken.SQLStore = s
		messages, sessions = broken, broken
	}
	relay := NewRelay(hub, messages, clock.Now)

	gw := NewGateway(GatewayConfig{
		Hub:      hub,
		Verifier: tokens,
		Projects: s,
		Sessions: NewSessionTracker(sessions, clock.Now),
		Relay:    relay,
		Interceptor: NewInterceptor(InterceptorConfig{
			Hub:   hub,
			Asker: asker,
			Store: s,
			Relay: relay,
			Now:   clock.Now,
		}),
		MaxPayloadBytes: 1 << 20,
	})

	server := httptest.NewServer(http.HandlerFunc(gw.ServeWs))
	t.Cleanup(server.Close)

	return &gatewayFixture{
		store: s, tokens: tokens, hub: hub, clock: clock, asker: asker,
		project: project, alice: alice, bob: bob, server: server,
	}
}

func (f *gatewayFixture) url(token, projectID string) string {
	q := url.Values{}
	if token != "" {
		q.Set("token", token)
	}
	if projectID != "" {
		q.Set("projectId", projectID)
	}
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/?" + q.Encode()
}

func (f *gatewayFixture) dial(t *testing.T, user *models.User) *websocket.Conn {
	t.Helper()
	token, err := f.tokens.Issue(user.ID, user.Email)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	want := f.hub.RoomSize(f.project.ID) + 1
	conn, _, err := websocket.DefaultDialer.Dial(f.url(token, f.project.ID), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, "room join", func() bool { return f.hub.RoomSize(f.project.ID) >= want })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data string) {
	t.Helper()
	if err := conn.WriteJSON(Envelope{Event: event, Data: json.RawMessage(data)}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	return env
}

// readAI skips relayed human messages until the assistant's reply arrives.
func readAI(t *testing.T, conn *websocket.Conn) ChatMessage {
	t.Helper()
	for {
		env := read(t, conn)
		if env.Event != EventMessage {
			continue
		}
		var msg ChatMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			t.Fatalf("Invalid chat payload: %v", err)
		}
		if msg.Sender.IsAI() {
			return msg
		}
	}
}

func TestGatewayRelaysAndPersists(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.dial(t, f.alice)
	b := f.dial(t, f.bob)

	payload := fmt.Sprintf(`{"message":"hello","sender":{"_id":%q,"email":"a@x.com"}}`, f.alice.ID)
	send(t, a, EventMessage, payload)

	env := read(t, b)
	if env.Event != EventMessage || string(env.Data) != payload {
		t.Fatalf("Expected exact payload relay, got %s %s", env.Event, env.Data)
	}

	var messages []models.Message
	waitFor(t, "persisted message", func() bool {
		messages, _ = f.store.GetProjectMessages(f.project.ID)
		return len(messages) == 1
	})
	m := messages[0]
	if m.ProjectID != f.project.ID || m.Sender.ID != f.alice.ID || m.Message != "hello" {
		t.Errorf("Unexpected stored message %+v", m)
	}
	if !m.Timestamp.Equal(f.clock.Now()) {
		t.Errorf("Expected server time fallback, got %v", m.Timestamp)
	}

	// The sender does not get its own message back.
	send(t, b, EventActivity, `{"userId":"x","email":"b@x.com","field":"file","value":"app.js"}`)
	if env := read(t, a); env.Event != EventActivity {
		t.Errorf("Expected the activity event first on a, got %s", env.Event)
	}
}

func TestGatewayAIMention(t *testing.T) {
	f := newGatewayFixture(t)
	a := f.dial(t, f.alice)
	b := f.dial(t, f.bob)

	send(t, a, EventMessage, fmt.Sprintf(`{"message":"@ai what is 2+2","sender":{"_id":%q,"email":"a@x.com"}}`, f.alice.ID))

	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		msg := readAI(t, conn)
		if msg.Sender != models.AISender() {
			t.Errorf("%s: expected AI sender, got %+v", name, msg.Sender)
		}
	}
	if calls := f.asker.calls(); len(calls) != 1 || calls[0] != "what is 2+2" {
		t.Errorf("Expected one call with the stripped prompt, got %q", calls)
	}
}

func TestGatewayAIFailure(t *testing.T) {
	f := newGatewayFixture(t)
	f.asker.err = fmt.Errorf("model crashed: %w", apperr.ErrGeneration)
	a := f.dial(t, f.alice)
	b := f.dial(t, f.bob)

	send(t, a, EventMessage, `{"message":"@ai hi","sender":{"_id":"u1","email":"a@x.com"}}`)

	for _, conn := range []*websocket.Conn{a, b} {
		if msg := readAI(t, conn); msg.Message != FallbackMessage {
			t.Errorf("Expected fallback, got %q", msg.Message)
		}
	}

	// The connection survives the failure.
	send(t, b, EventMessage, `{"message":"still here","sender":{"_id":"u2","email":"b@x.com"}}`)
	if env := read(t, a); env.Event != EventMessage {
		t.Errorf("Expected relay after failure, got %s", env.Event)
	}
}

func TestGatewayRejectsHandshake(t *testing.T) {
	f := newGatewayFixture(t)

	expired, err := auth.NewTokens("test-secret", time.Hour).
		WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) }).
		Issue(f.alice.ID, f.alice.Email)
	if err != nil {
		t.Fatalf("Failed to issue token: %v", err)
	}
	valid, _ := f.tokens.Issue(f.alice.ID, f.alice.Email)
	forged, _ := auth.NewTokens("other-secret", time.Hour).Issue(f.alice.ID, f.alice.Email)

	tests := []struct {
		name      string
		token     string
		projectID string
	}{
		{name: "Expired token", token: expired, projectID: f.project.ID},
		{name: "Forged token", token: forged, projectID: f.project.ID},
		{name: "Missing token", projectID: f.project.ID},
		{name: "Missing project", token: valid},
		{name: "Unknown project", token: valid, projectID: "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(f.url(tt.token, tt.projectID), nil)
			if !errors.Is(err, websocket.ErrBadHandshake) {
				t.Fatalf("Expected bad handshake, got %v", err)
			}
			if resp.StatusCode != http.StatusUnauthorized {
				t.Errorf("Expected 401, got %d", resp.StatusCode)
			}
		})
	}

	sessions, err := f.store.GetProjectSessions(f.project.ID)
	if err != nil {
		t.Fatalf("GetProjectSessions failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("Expected no sessions, got %d", len(sessions))
	}
}

func TestGatewayBearerHeader(t *testing.T) {
	f := newGatewayFixture(t)
	token, _ := f.tokens.Issue(f.bob.ID, f.bob.Email)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.DefaultDialer.Dial(f.url("", f.project.ID), header)
	if err != nil {
		t.Fatalf("Expected header token to be accepted: %v", err)
	}
	conn.Close()
}

func TestGatewaySessionDuration(t *testing.T) {
	f := newGatewayFixture(t)
	loginAt := f.clock.Now()
	a := f.dial(t, f.alice)

	var sessions []models.Session
	waitFor(t, "session open", func() bool {
		sessions, _ = f.store.GetProjectSessions(f.project.ID)
		return len(sessions) == 1
	})
	if !sessions[0].LoginTime.Equal(loginAt) || sessions[0].LogoutTime != nil {
		t.Fatalf("Unexpected open session %+v", sessions[0])
	}

	f.clock.Advance(125 * time.Second)
	a.Close()

	var sess *models.Session
	waitFor(t, "session close", func() bool {
		sess, _ = f.store.GetSession(sessions[0].ID)
		return sess != nil && sess.LogoutTime != nil
	})
	if !sess.LogoutTime.Equal(loginAt.Add(125*time.Second)) || sess.Duration != 125 {
		t.Errorf("Expected 125s session, got logout %v duration %v", sess.LogoutTime, sess.Duration)
	}
}
