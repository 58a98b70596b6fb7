package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/rgoulet/examd/go/internal/controller"
	"github.com/rgoulet/examd/go/internal/events"
	"github.com/rgoulet/examd/go/internal/models"
	"github.com/rgoulet/examd/go/internal/session"
)

func setupServer(config *Config, services *Services) *http.Server {
	mux := http.NewServeMux()

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	registerHandlers(mux, services)
	setupHealthCheck(mux)

	handler := c.Handler(mux)
	return &http.Server{
		Addr:    fmt.Sprintf(":%s", getEnv("PORT", config.Server.Port)),
		Handler: h2c.NewHandler(handler, &http2.Server{}),
	}
}

func registerHandlers(mux *http.ServeMux, services *Services) {
	mux.HandleFunc("POST /sessions", func(w http.ResponseWriter, r *http.Request) {
		var req session.CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid session body")
			return
		}
		if req.ID == uuid.Nil {
			req.ID = uuid.New()
		}
		sess, err := services.Sessions.CreateSession(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
	})

	mux.HandleFunc("POST /sessions/{id}/actions", func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		var action models.Action
		if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
			writeError(w, http.StatusBadRequest, "invalid action body")
			return
		}
		resp := services.Controller.Dispatch(r.Context(), sessionID, action)
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("POST /sessions/{id}/sync", func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		var batch []models.Action
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid sync batch")
			return
		}

		// Replay in exact queue order; each action gets its own response.
		responses := make([]controller.Response, 0, len(batch))
		for _, action := range batch {
			responses = append(responses, services.Controller.Dispatch(r.Context(), sessionID, action))
		}

		if err := services.Outbox.InsertPayload(r.Context(), sessionID, events.TypeSyncCompleted, events.SyncCompletedPayload{
			SessionID:   sessionID.String(),
			ActionCount: len(batch),
			CompletedAt: time.Now(),
		}); err != nil {
			log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to stage sync event")
		}
		services.Watchdog.Wake()

		writeJSON(w, http.StatusOK, map[string]any{"responses": responses})
	})

	mux.HandleFunc("GET /sessions/{id}/ws", func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		userID := r.URL.Query().Get("user")
		if userID == "" {
			writeError(w, http.StatusBadRequest, "user query parameter required")
			return
		}
		if err := services.Gateway.UpgradeConnection(w, r, userID, sessionID); err != nil {
			log.Error().Err(err).Msg("websocket upgrade failed")
		}
	})

	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session id")
			return
		}
		sess, position, err := services.Sessions.GetSession(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess, "position": position})
	})
}

func setupHealthCheck(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
