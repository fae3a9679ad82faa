package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/facturaIA/nfce-invoice-parser/internal/auth"
	"github.com/facturaIA/nfce-invoice-parser/internal/cache"
	apperrors "github.com/facturaIA/nfce-invoice-parser/internal/errors"
	"github.com/facturaIA/nfce-invoice-parser/internal/fetcher"
	"github.com/facturaIA/nfce-invoice-parser/internal/logger"
	"github.com/facturaIA/nfce-invoice-parser/internal/models"
	"github.com/facturaIA/nfce-invoice-parser/internal/parser"
	"github.com/facturaIA/nfce-invoice-parser/internal/storage"
)

const (
	MaxBodySize = 64 * 1024
	Version     = "1.0.0"
)

// InvoiceService is the orchestrator surface the API needs
type InvoiceService interface {
	Parse(ctx context.Context, req parser.Request) models.ServiceResponse[models.ParsedInvoice]
	Cached(ctx context.Context, key string) (*models.ParsedInvoice, bool, error)
	InvalidateCache(ctx context.Context, key string) error
	ClearCache(ctx context.Context) error
	CacheStats(ctx context.Context) (cache.Stats, error)
}

// ImportLedger records imports so later parses are rejected as duplicates
type ImportLedger interface {
	MarkImported(ctx context.Context, ownerID string, inv *models.ParsedInvoice, snapshotObject string) (bool, error)
}

// SnapshotLinker signs download links for archived HTML
type SnapshotLinker interface {
	PresignedURL(ctx context.Context, objectPath string) (string, error)
}

// Handler handles HTTP requests for invoice parsing
type Handler struct {
	config    *models.Config
	svc       InvoiceService
	ledger    ImportLedger
	snapshots SnapshotLinker
	log       *zap.SugaredLogger
}

// NewHandler creates a new API handler. ledger and snapshots may be nil when the
// database or object storage is not configured.
func NewHandler(config *models.Config, svc InvoiceService, ledger ImportLedger, snapshots SnapshotLinker) *Handler {
	return &Handler{
		config:    config,
		svc:       svc,
		ledger:    ledger,
		snapshots: snapshots,
		log:       logger.Named("api"),
	}
}

// SetupRoutes configures the HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Parsing
	router.HandleFunc("/api/invoices/parse", h.ParseInvoice).Methods("POST")
	router.HandleFunc("/api/invoices/{key}", h.GetInvoice).Methods("GET")
	router.HandleFunc("/api/invoices/{key}/import", h.ImportInvoice).Methods("POST")
	router.HandleFunc("/api/invoices/{key}/snapshot", h.GetSnapshot).Methods("GET")

	// Cache administration
	router.HandleFunc("/api/cache/stats", h.CacheStats).Methods("GET")
	router.HandleFunc("/api/cache/{key}", h.InvalidateCache).Methods("DELETE")
	router.HandleFunc("/api/cache", h.ClearCache).Methods("DELETE")

	// Health and metrics
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}

// ParseRequest is the body of POST /api/invoices/parse
type ParseRequest struct {
	Input        string `json:"input"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// ParseInvoice runs the pipeline for a key, QR payload or portal URL
func (h *Handler) ParseInvoice(w http.ResponseWriter, r *http.Request) {
	var body ParseRequest
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp := h.svc.Parse(r.Context(), parser.Request{
		Input:        body.Input,
		OwnerID:      ownerOf(r.Context()),
		ForceRefresh: body.ForceRefresh,
	})

	status := http.StatusOK
	if !resp.Success {
		status = apperrors.HTTPStatus(apperrors.Kind(resp.Error.ErrorCode))
	}
	h.sendJSON(w, status, resp)
}

// GetInvoice returns a cached invoice without re-parsing
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	inv, ok := h.cachedInvoice(w, r)
	if !ok {
		return
	}
	h.sendJSON(w, http.StatusOK, models.Succeed(inv, models.CacheMetadata{Key: inv.AccessKey, FromCache: true}))
}

// ImportInvoice records a cached invoice as imported by the caller. The cache is shared
// across owners, so a snapshot archived for someone else is not linked to the import.
func (h *Handler) ImportInvoice(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		h.sendError(w, http.StatusServiceUnavailable, "import ledger not configured")
		return
	}
	owner := ownerOf(r.Context())
	if owner == "" {
		h.sendError(w, http.StatusUnauthorized, "unauthorized: no owner in token")
		return
	}
	inv, ok := h.cachedInvoice(w, r)
	if !ok {
		return
	}

	snapshot := inv.SnapshotObject
	if !storage.OwnedBy(snapshot, owner) {
		snapshot = ""
	}

	created, err := h.ledger.MarkImported(r.Context(), owner, inv, snapshot)
	if err != nil {
		h.log.Errorw("Failed to record import", "key", inv.AccessKey, "error", err)
		h.sendError(w, http.StatusInternalServerError, "failed to record import")
		return
	}
	if !created {
		h.sendJSON(w, http.StatusConflict, models.Fail[models.ParsedInvoice](
			"invoice already imported", string(apperrors.DuplicateInvoice),
			map[string]interface{}{"key": inv.AccessKey}))
		return
	}
	h.sendJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "key": inv.AccessKey})
}

// GetSnapshot returns a signed link to the archived portal HTML
func (h *Handler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		h.sendError(w, http.StatusServiceUnavailable, "snapshot storage not configured")
		return
	}
	inv, ok := h.cachedInvoice(w, r)
	if !ok {
		return
	}
	if inv.SnapshotObject == "" || !storage.OwnedBy(inv.SnapshotObject, ownerOf(r.Context())) {
		h.sendError(w, http.StatusNotFound, "no snapshot archived for this invoice")
		return
	}

	link, err := h.snapshots.PresignedURL(r.Context(), inv.SnapshotObject)
	if err != nil {
		h.log.Errorw("Failed to sign snapshot URL", "object", inv.SnapshotObject, "error", err)
		h.sendError(w, http.StatusInternalServerError, "failed to sign snapshot URL")
		return
	}
	h.sendJSON(w, http.StatusOK, map[string]string{"url": link})
}

// CacheStats reports size, hits, misses and hit rate
func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.CacheStats(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to read cache stats")
		return
	}
	h.sendJSON(w, http.StatusOK, stats)
}

// InvalidateCache drops one key
func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	key, ok := h.keyParam(w, r)
	if !ok {
		return
	}
	if err := h.svc.InvalidateCache(r.Context(), key); err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to invalidate cache entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearCache drops every key
func (h *Handler) ClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearCache(r.Context()); err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HealthResponse represents the health check response structure
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Memory    MemoryStats       `json:"memory"`
	Database  ServiceStatus     `json:"database"`
	Storage   ServiceStatus     `json:"storage"`
	Cache     *cache.Stats      `json:"cache,omitempty"`
	AI        map[string]string `json:"ai"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of an optional dependency
type ServiceStatus struct {
	Available bool   `json:"available"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health reports process and dependency status. Database and storage are optional,
// so only a cache failure marks the service degraded.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		Database: optionalStatus(h.ledger != nil, "database not configured"),
		Storage:  optionalStatus(h.snapshots != nil, "snapshot storage not configured"),
		AI: map[string]string{
			"provider": h.config.AI.Provider,
			"model":    h.config.AI.Model,
		},
	}

	status := http.StatusOK
	if stats, err := h.svc.CacheStats(r.Context()); err != nil {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		response.Cache = &stats
	}
	h.sendJSON(w, status, response)
}

func optionalStatus(available bool, reason string) ServiceStatus {
	if available {
		return ServiceStatus{Available: true}
	}
	return ServiceStatus{Available: false, Error: reason}
}

// cachedInvoice loads the invoice named by the {key} route variable, writing the error
// response itself when it cannot.
func (h *Handler) cachedInvoice(w http.ResponseWriter, r *http.Request) (*models.ParsedInvoice, bool) {
	key, ok := h.keyParam(w, r)
	if !ok {
		return nil, false
	}
	inv, found, err := h.svc.Cached(r.Context(), key)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, "failed to read cache")
		return nil, false
	}
	if !found {
		h.sendError(w, http.StatusNotFound, "invoice not found in cache; parse it first")
		return nil, false
	}
	return inv, true
}

func (h *Handler) keyParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := mux.Vars(r)["key"]
	if !fetcher.IsValidKey(key) {
		h.sendError(w, http.StatusBadRequest, "key must have 44 digits")
		return "", false
	}
	return key, true
}

func ownerOf(ctx context.Context) string {
	claims, err := auth.GetClaimsFromContext(ctx)
	if err != nil {
		return ""
	}
	return claims.OwnerID()
}

func (h *Handler) sendJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warnw("Failed to write response", "error", err)
	}
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, statusCode int, message string) {
	h.sendJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
