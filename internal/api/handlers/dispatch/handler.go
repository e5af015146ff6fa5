package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mailyaan/mailyaan/internal/api/respond"
	"github.com/mailyaan/mailyaan/internal/compose"
	"github.com/mailyaan/mailyaan/internal/config"
	decision "github.com/mailyaan/mailyaan/internal/dispatch"
	"github.com/mailyaan/mailyaan/internal/model"
	"github.com/mailyaan/mailyaan/internal/repository/job"
	dispatchsvc "github.com/mailyaan/mailyaan/internal/service/dispatch"
)

// dispatchService defines the interface that the Handler depends on.
//
//go:generate mockgen -source=handler.go -destination=../../../mocks/api/handlers/dispatch/mock.go -package=mocks
type dispatchService interface {
	Submit(ctx context.Context, strategy retry.Strategy, req dispatchsvc.SubmitRequest) (dispatchsvc.SubmitResult, error)
	GetJobStatus(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (string, error)
	GetJob(ctx context.Context, id uuid.UUID) (model.ScheduledJob, error)
	ListJobsByOwner(ctx context.Context, owner string) ([]model.ScheduledJob, error)
	Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error
}

// Handler handles HTTP requests for submitting, inspecting and cancelling
// dispatch batches.
type Handler struct {
	service   dispatchService
	validator *validator.Validate
	cfg       *config.Config
}

func NewHandler(
	s dispatchService,
	v *validator.Validate,
	cfg *config.Config,
) *Handler {
	return &Handler{service: s, validator: v, cfg: cfg}
}

// SubmitRequest represents the JSON body of a dispatch submission. Overrides
// are keyed by recipient index and replace the expanded template for those
// recipients only.
type SubmitRequest struct {
	SenderEmail string                   `json:"sender_email" validate:"required,email"`
	Subject     string                   `json:"subject"`
	Body        string                   `json:"body" validate:"required"`
	Recipients  []model.Recipient        `json:"recipients" validate:"required,min=1"`
	Overrides   map[int]compose.Override `json:"overrides"`
	Prompt      string                   `json:"prompt"`
	SendAt      string                   `json:"send_at"`
}

// Submit handles HTTP POST requests to dispatch a batch. Immediate sends
// return per-message results synchronously with 200; future sends return the
// persisted job id with 201.
func (h *Handler) Submit(c *ginext.Context) {
	var req SubmitRequest

	if err := json.NewDecoder(c.Request.Body).Decode(&req); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to decode request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid request body"))
		return
	}

	if err := h.validator.Struct(req); err != nil {
		zlog.Logger.Warn().Err(err).Msg("failed to validate request body")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("validation error: %s", err.Error()))
		return
	}

	result, err := h.service.Submit(c.Request.Context(), h.cfg.Retry, dispatchsvc.SubmitRequest{
		SenderEmail: req.SenderEmail,
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		Overrides:   req.Overrides,
		Prompt:      req.Prompt,
		SendAt:      req.SendAt,
	})
	if err != nil {
		switch {
		case errors.Is(err, decision.ErrInvalidSendAt),
			errors.Is(err, dispatchsvc.ErrInvalidSender),
			errors.Is(err, dispatchsvc.ErrEmptyBatch):
			zlog.Logger.Warn().Err(err).Msg("invalid dispatch request")
			respond.Fail(c.Writer, http.StatusBadRequest, err)
		case errors.Is(err, dispatchsvc.ErrNoCredential):
			zlog.Logger.Warn().Str("sender", req.SenderEmail).Msg("no credential for sender")
			respond.Fail(c.Writer, http.StatusUnprocessableEntity, err)
		default:
			zlog.Logger.Error().Err(err).Msg("failed to submit dispatch")
			respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		}
		return
	}

	if result.Scheduled {
		respond.Created(c.Writer, map[string]interface{}{"job_id": result.JobID})
		return
	}

	respond.OK(c.Writer, map[string]interface{}{"results": result.Results})
}

// GetStatus handles HTTP GET requests for a job's status.
func (h *Handler) GetStatus(c *ginext.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	status, err := h.service.GetJobStatus(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			zlog.Logger.Warn().Str("id", id.String()).Err(err).Msg("job not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get job status")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, map[string]string{"status": status})
}

// GetResults handles HTTP GET requests for a job's full record, including
// per-message delivery results.
func (h *Handler) GetResults(c *ginext.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	j, err := h.service.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			zlog.Logger.Warn().Str("id", id.String()).Err(err).Msg("job not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("job not found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get job")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, j)
}

// List handles HTTP GET requests for all jobs belonging to a sender.
func (h *Handler) List(c *ginext.Context) {
	owner := c.Query("owner")
	if owner == "" {
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing owner"))
		return
	}

	jobs, err := h.service.ListJobsByOwner(c.Request.Context(), owner)
	if err != nil {
		if errors.Is(err, job.ErrNoJobsFound) {
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("no jobs found"))
			return
		}

		zlog.Logger.Error().Err(err).Str("owner", owner).Msg("failed to list jobs")
		respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		return
	}

	respond.OK(c.Writer, jobs)
}

// Cancel handles HTTP DELETE requests to cancel a pending job. A job already
// claimed by a worker cannot be cancelled.
func (h *Handler) Cancel(c *ginext.Context) {
	id, ok := h.jobID(c)
	if !ok {
		return
	}

	err := h.service.Cancel(c.Request.Context(), h.cfg.Retry, id)
	if err != nil {
		switch {
		case errors.Is(err, job.ErrJobNotFound):
			zlog.Logger.Warn().Str("id", id.String()).Err(err).Msg("job not found")
			respond.Fail(c.Writer, http.StatusNotFound, fmt.Errorf("job not found"))
		case errors.Is(err, job.ErrJobNotPending):
			respond.Fail(c.Writer, http.StatusConflict, fmt.Errorf("job already claimed"))
		default:
			zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cancel job")
			respond.Fail(c.Writer, http.StatusInternalServerError, fmt.Errorf("internal server error"))
		}
		return
	}

	respond.OK(c.Writer, "job cancelled")
}

func (h *Handler) jobID(c *ginext.Context) (uuid.UUID, bool) {
	idStr := c.Param("id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		zlog.Logger.Error().Err(err).Str("idStr", idStr).Msg("failed to parse id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("invalid id"))
		return uuid.Nil, false
	}

	if id == uuid.Nil {
		zlog.Logger.Warn().Msg("missing id")
		respond.Fail(c.Writer, http.StatusBadRequest, fmt.Errorf("missing id"))
		return uuid.Nil, false
	}

	return id, true
}
