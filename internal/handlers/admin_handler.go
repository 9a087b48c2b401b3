package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/the-social-house/tsh-booking-sub000/internal/middleware"
	"github.com/the-social-house/tsh-booking-sub000/internal/services"
)

// JobRunner exposes the scheduled jobs to operators
type JobRunner interface {
	RunPendingSweepNow(ctx context.Context) (*services.SweepReport, error)
	GetJobStatus() map[string]interface{}
}

// BookingRollbacker compensates a booking on operator request
type BookingRollbacker interface {
	Rollback(ctx context.Context, bookingID, userID uuid.UUID) (*services.RollbackReport, error)
}

// AdminHandler handles operator HTTP requests
type AdminHandler struct {
	jobs     JobRunner
	rollback BookingRollbacker
	logger   *logrus.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(jobs JobRunner, rollback BookingRollbacker, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		jobs:     jobs,
		rollback: rollback,
		logger:   logger,
	}
}

// GetJobStatus handles GET /api/v1/admin/jobs
func (h *AdminHandler) GetJobStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.jobs.GetJobStatus())
}

// SweepPending handles POST /api/v1/admin/jobs/sweep-pending
func (h *AdminHandler) SweepPending(c *gin.Context) {
	report, err := h.jobs.RunPendingSweepNow(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, report)
}

// RollbackBooking handles POST /api/v1/admin/bookings/:id/rollback
func (h *AdminHandler) RollbackBooking(c *gin.Context) {
	bookingID, ok := parseIDParam(c, "id", "booking")
	if !ok {
		return
	}

	principal := middleware.GetPrincipal(c)
	report, err := h.rollback.Rollback(c.Request.Context(), bookingID, uuid.Nil)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"booking_id": bookingID,
			"admin_id":   principal.UserID,
		}).WithError(err).Error("Operator rollback incomplete")
		c.JSON(StatusForError(err), gin.H{
			"error":  "rollback_incomplete",
			"code":   "STORAGE_ERROR",
			"report": report,
		})
		return
	}

	h.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"admin_id":   principal.UserID,
	}).Info("Operator rolled back booking")

	c.JSON(http.StatusOK, report)
}
