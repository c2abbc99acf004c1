package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/pliu/devfusion/internal/ai"
	"github.com/pliu/devfusion/internal/auth"
	"github.com/pliu/devfusion/internal/config"
	"github.com/pliu/devfusion/internal/email"
	"github.com/pliu/devfusion/internal/handlers"
	"github.com/pliu/devfusion/internal/middleware"
	"github.com/pliu/devfusion/internal/store"
	"github.com/pliu/devfusion/internal/store/gormstore"
	"github.com/pliu/devfusion/internal/store/sqlstore"
	"github.com/pliu/devfusion/internal/ws"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the realtime gateway",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "http service address")
	flags.BoolVar(&cfg.DB.ConnectBeforeListening, "connect-db-first", cfg.DB.ConnectBeforeListening, "open the store before accepting connections")
	rootCmd.Flags().AddFlagSet(flags)
}

func openStore(db config.DBConfig) (store.Store, error) {
	switch db.Driver {
	case "gorm":
		return gormstore.Open(db.DSN)
	case "sqlite3", "postgres":
		return sqlstore.New(db.Driver, db.DSN)
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	go hub.Run(ctx)

	var ready atomic.Bool
	var router atomic.Pointer[http.Handler]
	var st store.Store

	install := func(s store.Store) {
		st = s
		h := newRouter(cfg, s, hub, ready.Load)
		router.Store(&h)
		ready.Store(true)
	}

	if cfg.DB.ConnectBeforeListening {
		s, err := openStore(cfg.DB)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		install(s)
	} else {
		go func() {
			s, err := openStore(cfg.DB)
			if err != nil {
				slog.Error("Failed to open store", "driver", cfg.DB.Driver, "error", err)
				stop()
				return
			}
			install(s)
			slog.Info("Store ready", "driver", cfg.DB.Driver)
		}()
	}

	root := middleware.RequireReady(ready.Load)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		(*router.Load()).ServeHTTP(w, r)
	}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware.LoggingMiddleware(middleware.CORS(cfg.Realtime.CORSOrigins)(root)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", cfg.Addr, "driver", cfg.DB.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Graceful shutdown failed", "error", err)
		}
	}

	if ready.Load() {
		return st.Close()
	}
	return nil
}

// newRouter wires the REST API and the realtime gateway on top of an open
// store.
func newRouter(cfg config.Config, st store.Store, hub *ws.Hub, ready func() bool) http.Handler {
	tokens := auth.NewTokens(cfg.JWTSecret, cfg.TokenTTL)
	throttle := middleware.NewThrottle(cfg.AI.MinInterval)
	assistant := ai.NewAssistant(ai.NewGeminiClient(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Endpoint, cfg.AI.Timeout))
	mailer := email.NewSender(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPUser, cfg.Email.SMTPPass, cfg.Email.FromEmail, cfg.Email.BaseURL)

	if cfg.AI.APIKey == "" {
		slog.Warn("AI_API_KEY is not set, AI requests will fail")
	}

	authHandler := &handlers.AuthHandler{Store: st, Tokens: tokens, TokenTTL: cfg.TokenTTL}
	projectHandler := &handlers.ProjectHandler{Store: st, Hub: hub, Mailer: mailer}
	aiHandler := &handlers.AIHandler{Store: st, Assistant: assistant, Limiter: throttle}

	relay := ws.NewRelay(hub, st, nil)
	var socketLimiter ws.Limiter
	if cfg.AI.ThrottleSocket {
		socketLimiter = throttle
	}
	gateway := ws.NewGateway(ws.GatewayConfig{
		Hub:      hub,
		Verifier: tokens,
		Projects: st,
		Sessions: ws.NewSessionTracker(st, nil),
		Relay:    relay,
		Interceptor: ws.NewInterceptor(ws.InterceptorConfig{
			Hub:     hub,
			Asker:   assistant,
			Limiter: socketLimiter,
			Store:   st,
			Relay:   relay,
			Timeout: cfg.AI.Timeout,
		}),
		CORSOrigins:     cfg.Realtime.CORSOrigins,
		MaxPayloadBytes: cfg.Realtime.MaxPayloadBytes,
		Ready:           ready,
	})

	r := mux.NewRouter()
	r.HandleFunc("/ws", gateway.ServeWs)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")

	users := r.PathPrefix("/users").Subrouter()
	users.HandleFunc("/register", authHandler.Register).Methods("POST")
	users.HandleFunc("/login", authHandler.Login).Methods("POST")
	users.HandleFunc("/logout", authHandler.Logout).Methods("GET", "POST")

	requireAuth := middleware.AuthMiddleware(tokens)

	me := r.PathPrefix("/users").Subrouter()
	me.Use(requireAuth)
	me.HandleFunc("/profile", authHandler.Profile).Methods("GET")
	me.HandleFunc("/preferences", authHandler.UpdatePreferences).Methods("PUT")
	me.HandleFunc("/all", authHandler.AllUsers).Methods("GET")

	projects := r.PathPrefix("/projects").Subrouter()
	projects.Use(requireAuth)
	projects.HandleFunc("/create", projectHandler.Create).Methods("POST")
	projects.HandleFunc("/all", projectHandler.All).Methods("GET")
	projects.HandleFunc("/search", projectHandler.Search).Methods("GET")
	projects.HandleFunc("/add-user", projectHandler.AddUsers).Methods("PUT")
	projects.HandleFunc("/remove-user", projectHandler.RemoveUser).Methods("PUT")
	projects.HandleFunc("/invite", projectHandler.Invite).Methods("POST")
	projects.HandleFunc("/approve-request", projectHandler.ApproveRequest).Methods("PUT")
	projects.HandleFunc("/update-file-tree", projectHandler.UpdateFileTree).Methods("PUT")
	projects.HandleFunc("/get-project/{projectId}", projectHandler.Get).Methods("GET")
	projects.HandleFunc("/join-request/{projectId}", projectHandler.JoinRequest).Methods("POST")
	projects.HandleFunc("/messages/{projectId}", projectHandler.Messages).Methods("GET")
	projects.HandleFunc("/stats/{projectId}", projectHandler.Stats).Methods("GET")
	projects.HandleFunc("/{projectId}/file-tree", projectHandler.PatchFileTree).Methods("PATCH")
	projects.HandleFunc("/{projectId}", projectHandler.Delete).Methods("DELETE")

	aiRoutes := r.PathPrefix("/ai").Subrouter()
	aiRoutes.Use(requireAuth)
	aiRoutes.HandleFunc("/get-result", aiHandler.GetResult).Methods("GET")
	aiRoutes.HandleFunc("/get-feedback", aiHandler.GetFeedback).Methods("POST")
	aiRoutes.HandleFunc("/fix-error", aiHandler.FixError).Methods("POST")

	return r
}
