// Package httpapi serves the daemon's local status and control surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/notesync/internal/apperr"
	"github.com/agentworkforce/notesync/internal/kvstore"
	"github.com/agentworkforce/notesync/internal/opqueue"
	"github.com/agentworkforce/notesync/internal/syncmgr"
)

type Syncer interface {
	Status() syncmgr.Status
	PerformSync(ctx context.Context, userID string, force bool) opqueue.Result
	UpdateNetworkStatus(online bool)
	RefreshPending(ctx context.Context) error
	Subscribe() (<-chan syncmgr.Status, func())
}

type Queue interface {
	Operations(ctx context.Context) ([]opqueue.Operation, error)
	Clear(ctx context.Context) error
}

type Storage interface {
	StorageInfo(ctx context.Context) (kvstore.StorageInfo, error)
	Cleanup(ctx context.Context) (kvstore.CleanupResult, error)
}

type ServerConfig struct {
	// Token guards every /v1 route; empty disables auth.
	Token        string
	UserID       string
	MaxBodyBytes int64
	SyncTimeout  time.Duration
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

type Server struct {
	syncer  Syncer
	queue   Queue
	storage Storage
	cfg     ServerConfig
	metrics http.Handler
	logger  *slog.Logger
}

func NewServer(syncer Syncer, queue Queue, storage Storage, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		syncer:  syncer,
		queue:   queue,
		storage: storage,
		cfg:     cfg,
		metrics: promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:  cfg.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metrics.ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	var route string
	switch {
	case r.URL.Path == "/v1/sync/status" && r.Method == http.MethodGet:
		route = "sync_status"
	case r.URL.Path == "/v1/sync" && r.Method == http.MethodPost:
		route = "sync"
	case r.URL.Path == "/v1/sync/stream" && r.Method == http.MethodGet:
		route = "sync_stream"
	case r.URL.Path == "/v1/network" && r.Method == http.MethodPut:
		route = "network"
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodGet:
		route = "queue_list"
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodDelete:
		route = "queue_clear"
	case r.URL.Path == "/v1/storage" && r.Method == http.MethodGet:
		route = "storage_info"
	case r.URL.Path == "/v1/storage/cleanup" && r.Method == http.MethodPost:
		route = "storage_cleanup"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.Token); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}

	switch route {
	case "sync_status":
		writeJSON(w, http.StatusOK, s.syncer.Status())
	case "sync":
		s.handleSync(w, r, correlationID)
	case "sync_stream":
		s.handleSyncStream(w, r, correlationID)
	case "network":
		s.handleNetwork(w, r, correlationID)
	case "queue_list":
		s.handleQueueList(w, r, correlationID)
	case "queue_clear":
		s.handleQueueClear(w, r, correlationID)
	case "storage_info":
		s.handleStorageInfo(w, r, correlationID)
	case "storage_cleanup":
		s.handleStorageCleanup(w, r, correlationID)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	force, err := parseOptionalBool(r.URL.Query().Get("force"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "force must be a boolean", correlationID)
		return
	}
	if strings.TrimSpace(s.cfg.UserID) == "" {
		writeError(w, http.StatusConflict, "no_user", "no active user configured", correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.SyncTimeout)
	defer cancel()
	result := s.syncer.PerformSync(ctx, s.cfg.UserID, force)
	s.logger.Info("sync requested over status api", "force", force, "success", result.Success, "failed", result.Failed, "correlationId", correlationID)
	writeJSON(w, http.StatusOK, map[string]any{
		"result": result,
		"status": s.syncer.Status(),
	})
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Online *bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "online is required", correlationID)
		return
	}
	s.syncer.UpdateNetworkStatus(*body.Online)
	writeJSON(w, http.StatusOK, s.syncer.Status())
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request, correlationID string) {
	ops, err := s.queue.Operations(r.Context())
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.queue.Clear(r.Context()); err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	if err := s.syncer.RefreshPending(r.Context()); err != nil {
		s.logger.Warn("recounting pending operations failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStorageInfo(w http.ResponseWriter, r *http.Request, correlationID string) {
	info, err := s.storage.StorageInfo(r.Context())
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStorageCleanup(w http.ResponseWriter, r *http.Request, correlationID string) {
	result, err := s.storage.Cleanup(r.Context())
	if err != nil {
		s.writeAppError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error, correlationID string) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.KindValidation:
		status = http.StatusBadRequest
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindQuotaExceeded:
		status = http.StatusInsufficientStorage
	case apperr.KindAccessDenied:
		status = http.StatusForbidden
	case apperr.KindNetwork:
		status = http.StatusServiceUnavailable
	}
	s.logger.Warn("status api request failed", "kind", kind, "error", err, "correlationId", correlationID)
	writeError(w, status, strings.ToLower(string(kind)), err.Error(), correlationID)
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("X-Correlation-Id", correlationID)
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
