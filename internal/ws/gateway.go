package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/devfusion/internal/apperr"
	"github.com/pliu/devfusion/internal/auth"
	"github.com/pliu/devfusion/internal/middleware"
	"github.com/pliu/devfusion/internal/models"
	"github.com/pliu/devfusion/internal/store"
)

// Gateway authorizes socket handshakes, binds each connection to its project
// room and dispatches inbound events.
type Gateway struct {
	hub         *Hub
	verifier    auth.Verifier
	projects    store.ProjectStore
	sessions    *SessionTracker
	relay       *Relay
	interceptor *Interceptor
	upgrader    websocket.Upgrader
	maxPayload  int64
	ready       func() bool
}

type GatewayConfig struct {
	Hub         *Hub
	Verifier    auth.Verifier
	Projects    store.ProjectStore
	Sessions    *SessionTracker
	Relay       *Relay
	Interceptor *Interceptor

	// CORSOrigins is the browser origin allow-list; empty or "*" allows all.
	CORSOrigins     []string
	MaxPayloadBytes int64

	// Ready gates handshakes while the store is still connecting.
	Ready func() bool
}

func NewGateway(cfg GatewayConfig) *Gateway {
	origins := cfg.CORSOrigins
	return &Gateway{
		hub:         cfg.Hub,
		verifier:    cfg.Verifier,
		projects:    cfg.Projects,
		sessions:    cfg.Sessions,
		relay:       cfg.Relay,
		interceptor: cfg.Interceptor,
		maxPayload:  cfg.MaxPayloadBytes,
		ready:       cfg.Ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origins, origin)
			},
		},
	}
}

// handshakeToken reads the bearer credential from the "token" query
// parameter, falling back to the Authorization header.
func handshakeToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return auth.BearerToken(r)
}

func (g *Gateway) authorize(r *http.Request) (*auth.Identity, *models.Project, error) {
	if g.ready != nil && !g.ready() {
		return nil, nil, fmt.Errorf("store not ready: %w", apperr.ErrUnavailable)
	}

	token := handshakeToken(r)
	if token == "" {
		return nil, nil, fmt.Errorf("missing token: %w", apperr.ErrAuthentication)
	}
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		return nil, nil, fmt.Errorf("missing projectId: %w", apperr.ErrAuthentication)
	}

	identity, err := g.verifier.Verify(token)
	if err != nil {
		return nil, nil, err
	}

	project, err := g.projects.GetProject(projectID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil, fmt.Errorf("project %s: %w: %w", projectID, apperr.ErrAuthentication, err)
		}
		return nil, nil, err
	}
	return identity, project, nil
}

// ServeWs handles a socket handshake. Any authorization failure is answered
// with a bare 401 before the upgrade; the reason is only logged.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	identity, project, err := g.authorize(r)
	if err != nil {
		slog.Warn("WebSocket handshake rejected", "remote", r.RemoteAddr, "error", err)
		middleware.WriteJSONError(w, "Authentication error", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := newClient(uuid.New().String(), conn, identity, project)
	if !g.hub.Register(client) {
		conn.Close()
		return
	}
	client.sessionID = g.sessions.Open(project.ID, identity.ID)
	slog.Info("WebSocket connected", "conn_id", client.id, "user_id", identity.ID, "project_id", project.ID)

	go client.writePump()
	client.readPump(g.maxPayload, g.dispatch)

	g.hub.Unregister(client)
	g.sessions.Close(client.sessionID)
	conn.Close()
	slog.Info("WebSocket disconnected", "conn_id", client.id, "user_id", identity.ID, "project_id", project.ID)
}

func (g *Gateway) dispatch(c *Client, env Envelope) {
	switch env.Event {
	case EventMessage:
		msg, ok := g.relay.Handle(c, env.Data)
		if ok && g.interceptor != nil {
			g.interceptor.Intercept(c, msg)
		}
	case EventActivity:
		relayActivity(g.hub, c, env.Data)
	default:
		slog.Debug("Ignoring websocket event", "event", env.Event, "conn_id", c.id)
	}
}
