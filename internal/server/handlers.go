package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gazzetta/bookmarx/internal/events"
	"github.com/gazzetta/bookmarx/internal/ingest"
	"github.com/gazzetta/bookmarx/internal/models"
)

// SyncHandler exposes the ingest service over HTTP.
type SyncHandler struct {
	svc          *ingest.Service
	historyLimit int
}

// NewSyncHandler creates a handler.
func NewSyncHandler(svc *ingest.Service, historyLimit int) *SyncHandler {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &SyncHandler{svc: svc, historyLimit: historyLimit}
}

// Status handles GET /api/sync/status.
func (h *SyncHandler) Status(c *gin.Context) {
	since, err := parseSince(c.Query("since"))
	if err != nil {
		writeError(c, err)
		return
	}

	resp, err := h.svc.CheckStatus(c.Request.Context(), OwnerIDFromContext(c), InstanceIDFromContext(c), since)
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

// Batch handles POST /api/sync/batch.
func (h *SyncHandler) Batch(c *gin.Context) {
	var req models.BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err))
		return
	}
	if err := h.bindIdentity(c, &req.OwnerID, &req.InstanceID); err != nil {
		writeError(c, err)
		return
	}

	resp, err := h.svc.ApplyBatch(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

// InitialImport handles POST /api/sync/initial-import.
func (h *SyncHandler) InitialImport(c *gin.Context) {
	var req models.InitialImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err))
		return
	}
	if err := h.bindIdentity(c, &req.OwnerID, &req.InstanceID); err != nil {
		writeError(c, err)
		return
	}

	resp, err := h.svc.ApplyInitialImport(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}
	respond(c, http.StatusOK, resp)
}

// History handles GET /api/sync/history.
func (h *SyncHandler) History(c *gin.Context) {
	limit := h.historyLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, badRequest(errors.New("limit must be a positive integer")))
			return
		}
		if n < limit {
			limit = n
		}
	}

	entries, err := h.svc.History(c.Request.Context(), OwnerIDFromContext(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []models.SyncHistoryEntry{}
	}
	respond(c, http.StatusOK, entries)
}

// bindIdentity fills the body identity from the headers and rejects
// bodies that name a different owner.
func (h *SyncHandler) bindIdentity(c *gin.Context, ownerID, instanceID *string) error {
	headerOwner := OwnerIDFromContext(c)
	if *ownerID != "" && *ownerID != headerOwner {
		return badRequest(errors.New("ownerId does not match X-Owner-ID"))
	}
	*ownerID = headerOwner

	if *instanceID == "" {
		*instanceID = InstanceIDFromContext(c)
	}
	return nil
}

type requestError struct {
	err error
}

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error {
	return &requestError{err: err}
}

func parseSince(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, badRequest(errors.New("since must be an RFC 3339 timestamp"))
	}
	return t, nil
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, models.APIResponse{Success: false, Error: message, Code: code})
}

// writeError maps an error onto a status code and the error envelope.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var (
		reqErr   *requestError
		fatal    *models.IngestFatalError
		maxBytes *http.MaxBytesError
	)

	switch {
	case errors.As(err, &maxBytes), errors.Is(err, models.ErrBatchTooLarge):
		abortWithError(c, http.StatusRequestEntityTooLarge, models.ErrCodeTooLarge, err.Error())
	case errors.As(err, &reqErr), errors.Is(err, models.ErrIdentityMissing):
		abortWithError(c, http.StatusBadRequest, models.ErrCodeValidation, err.Error())
	case errors.As(err, &fatal) && (errors.Is(err, models.ErrInvalidChange) || errors.Is(err, models.ErrNotFound)):
		abortWithError(c, http.StatusUnprocessableEntity, models.ErrCodeValidation, err.Error())
	case errors.As(err, &fatal):
		abortWithError(c, http.StatusInternalServerError, models.ErrCodeStorage, err.Error())
	default:
		events.FromContext(c.Request.Context()).WithError(err).Error("Unhandled request error")
		abortWithError(c, http.StatusInternalServerError, models.ErrCodeServerError, "internal error")
	}
}
