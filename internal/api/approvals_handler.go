package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/vdavid/mailgate/internal/models"
)

const (
	defaultApprovalsLimit = 50
	maxApprovalsLimit     = 500
)

type ApprovalLister interface {
	List(ctx context.Context, status models.ApprovalStatus, limit, offset int) ([]*models.PendingApproval, error)
}

// ApprovalsHandler lists submitted messages so operators can see what is
// still waiting for the approver.
type ApprovalsHandler struct {
	approvals ApprovalLister
	logger    logrus.FieldLogger
}

func NewApprovalsHandler(approvals ApprovalLister, logger logrus.FieldLogger) *ApprovalsHandler {
	return &ApprovalsHandler{approvals: approvals, logger: logger}
}

type approvalsResponse struct {
	Approvals []*models.PendingApproval `json:"approvals"`
	Page      int                       `json:"page"`
	Limit     int                       `json:"limit"`
}

// List answers GET /api/v1/approvals?status=pending&page=1&limit=50.
// Without status every record is listed.
func (h *ApprovalsHandler) List(w http.ResponseWriter, r *http.Request) {
	status := models.ApprovalStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ApprovalPending, models.ApprovalSent, models.ApprovalRejected:
	default:
		http.Error(w, "Unknown status", http.StatusBadRequest)
		return
	}

	page, limit := parsePagination(r, defaultApprovalsLimit)
	if limit > maxApprovalsLimit {
		limit = maxApprovalsLimit
	}

	approvals, err := h.approvals.List(r.Context(), status, limit, (page-1)*limit)
	if err != nil {
		h.logger.WithError(err).Error("ApprovalsHandler: failed to list approvals")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if approvals == nil {
		approvals = []*models.PendingApproval{}
	}

	writeJSON(w, h.logger, http.StatusOK, approvalsResponse{
		Approvals: approvals,
		Page:      page,
		Limit:     limit,
	})
}

// parsePagination reads page and limit, falling back to page 1 and
// defaultLimit for missing or invalid values.
func parsePagination(r *http.Request, defaultLimit int) (page, limit int) {
	page = 1
	limit = defaultLimit

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if parsed, err := strconv.Atoi(pageStr); err == nil && parsed > 0 {
			page = parsed
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	return page, limit
}
