// Package server implements the RetrievalAPI (spec §4.8): one HTTP
// endpoint that fetches a previously vaulted handle's full data and
// metadata envelope, header-authenticated against owner and token.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/llmvault/datavault/vault"
	"github.com/llmvault/datavault/vaulterrors"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Vault      vault.Store
	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the Data Vault HTTP API server.
type Server struct {
	vault      vault.Store
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Server{
		vault:      cfg.Vault,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the vault API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /data-vault/{handleId}", s.handleRetrieve)
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "x-user-did, x-data-token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message, hint string) {
	writeJSON(w, status, apiError{Error: apiErrorBody{Code: code, Message: message, Hint: hint}})
}

// --- Routes ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type retrieveResponse struct {
	Success  bool             `json:"success"`
	HandleID string           `json:"handleId"`
	RowCount int              `json:"rowCount"`
	Data     []map[string]any `json:"data"`
	Metadata any              `json:"metadata"`
}

// handleRetrieve implements GET /data-vault/{handleId} (spec §4.8, §6).
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	handleID := r.PathValue("handleId")
	principal := r.Header.Get("x-user-did")
	token := r.Header.Get("x-data-token")

	if principal == "" || token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing x-user-did or x-data-token header", "")
		return
	}

	rows, env, err := s.vault.GetWithMetadata(r.Context(), handleID, principal, token)
	if err != nil {
		s.writeVaultError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, retrieveResponse{
		Success:  true,
		HandleID: handleID,
		RowCount: len(rows),
		Data:     rows,
		Metadata: env,
	})
}

// writeVaultError maps vaulterrors kinds to HTTP status codes per the
// propagation policy in spec §7: DataNotFound→404, ValidationError→400,
// everything else→500.
func (s *Server) writeVaultError(w http.ResponseWriter, err error) {
	var notFound *vaulterrors.DataNotFoundError
	var validation *vaulterrors.ValidationError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "data_not_found", notFound.Error(), notFound.RemediationHint())
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, "validation_error", validation.Error(), validation.RemediationHint())
	default:
		s.logger.Error("vault retrieval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "an internal error occurred", "")
	}
}
