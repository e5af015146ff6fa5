package dispatch

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mailyaan/mailyaan/internal/compose"
	decision "github.com/mailyaan/mailyaan/internal/dispatch"
	"github.com/mailyaan/mailyaan/internal/model"
	"github.com/mailyaan/mailyaan/internal/repository/credential"
	"github.com/mailyaan/mailyaan/internal/rabbitmq/queue"
)

var (
	ErrInvalidSender = errors.New("invalid sender email")
	ErrEmptyBatch    = errors.New("empty recipient batch")
	ErrNoCredential  = errors.New("no credential for sender")
)

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

//go:generate mockgen -source=service.go -destination=../../mocks/service/dispatch/mock.go -package=mocks

type jobRepository interface {
	CreateJob(context.Context, model.ScheduledJob) (uuid.UUID, error)
	GetJob(context.Context, uuid.UUID) (model.ScheduledJob, error)
	GetJobStatus(context.Context, uuid.UUID) (string, error)
	FindDue(context.Context, time.Time) ([]model.ScheduledJob, error)
	ListJobsByOwner(context.Context, string) ([]model.ScheduledJob, error)
	MarkSent(context.Context, uuid.UUID, []model.DeliveryResult) error
	MarkFailed(context.Context, uuid.UUID, string) error
	CancelJob(context.Context, uuid.UUID) error
}

type credentialRepository interface {
	GetByEmail(context.Context, string) (model.Credential, error)
}

type jobPublisher interface {
	Publish(msg queue.JobMessage, strategy retry.Strategy) error
}

// Transport sends one message to one address with the sender's credential.
type Transport interface {
	Send(cred model.Credential, from, to, subject, htmlBody string) error
}

// Personalizer is the optional generative collaborator producing per-recipient
// subject/body overrides. A nil Personalizer falls back to static expansion.
type Personalizer interface {
	Personalize(ctx context.Context, recipients []model.Recipient, prompt string) (map[int]compose.Override, error)
}

type cache interface {
	SetWithRetry(ctx context.Context, strategy retry.Strategy, key string, value interface{}) error
	GetWithRetry(ctx context.Context, strategy retry.Strategy, key string) (string, error)
}

// SubmitRequest is a validated dispatch request from the API layer.
type SubmitRequest struct {
	SenderEmail string
	Subject     string
	Body        string
	Recipients  []model.Recipient
	Overrides   map[int]compose.Override
	Prompt      string
	SendAt      string
}

// SubmitResult is either the synchronous outcome of an immediate send or the
// id of a persisted scheduled job.
type SubmitResult struct {
	Scheduled bool
	JobID     uuid.UUID
	Results   []model.DeliveryResult
}

// Service owns the single send-now-or-schedule path. Every dispatch request
// goes through Submit; every due job goes through RunJob.
type Service struct {
	repo         jobRepository
	creds        credentialRepository
	queue        jobPublisher
	transports   map[string]Transport
	personalizer Personalizer
	cache        cache
	decider      *decision.Decider
	credTimeout  time.Duration
}

func NewService(
	repo jobRepository,
	creds credentialRepository,
	queue jobPublisher,
	transports map[string]Transport,
	personalizer Personalizer,
	cache cache,
	decider *decision.Decider,
	credTimeout time.Duration,
) *Service {
	return &Service{
		repo:         repo,
		creds:        creds,
		queue:        queue,
		transports:   transports,
		personalizer: personalizer,
		cache:        cache,
		decider:      decider,
		credTimeout:  credTimeout,
	}
}

// Submit validates a dispatch request, composes the batch and routes it:
// immediate requests are delivered synchronously and return per-message
// results, future requests are persisted and enqueued and return a job id.
func (s *Service) Submit(ctx context.Context, strategy retry.Strategy, req SubmitRequest) (SubmitResult, error) {
	if !emailRe.MatchString(req.SenderEmail) {
		return SubmitResult{}, ErrInvalidSender
	}

	if len(req.Recipients) == 0 {
		return SubmitResult{}, ErrEmptyBatch
	}

	d, err := s.decider.Decide(req.SendAt, time.Now())
	if err != nil {
		return SubmitResult{}, err
	}

	messages := compose.Expand(req.Subject, req.Body, req.Recipients)

	if s.personalizer != nil && req.Prompt != "" {
		overrides, err := s.personalizer.Personalize(ctx, req.Recipients, req.Prompt)
		if err != nil {
			zlog.Logger.Warn().Err(err).Msg("personalization failed, using template expansion")
		} else {
			messages = compose.ApplyOverrides(messages, overrides)
		}
	}

	if len(req.Overrides) > 0 {
		messages = compose.ApplyOverrides(messages, req.Overrides)
	}

	if d.Kind == decision.Immediate {
		results, err := s.deliver(ctx, req.SenderEmail, messages)
		if err != nil {
			return SubmitResult{}, err
		}

		return SubmitResult{Results: results}, nil
	}

	job := model.ScheduledJob{
		OwnerEmail: req.SenderEmail,
		Messages:   messages,
		DueTime:    d.DueTime,
		Status:     model.StatusPending,
	}

	id, err := s.repo.CreateJob(ctx, job)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}

	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), model.StatusPending); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache job status")
	}

	if err := s.queue.Publish(queue.JobMessage{ID: id, DueTime: d.DueTime}, strategy); err != nil {
		// The job is already persisted; the store poller will release it.
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to publish job, store polling will pick it up")
	}

	return SubmitResult{Scheduled: true, JobID: id}, nil
}

// RunJob executes one due job: it re-reads the job, resolves the owner's
// credential and attempts every message in order. A missing credential fails
// the whole job with no sends; a bad address or transport error is recorded
// against that message only and the loop continues.
func (s *Service) RunJob(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	if job.Status != model.StatusPending {
		zlog.Logger.Info().Str("id", id.String()).Str("status", job.Status).Msg("job no longer pending, skipping")
		return nil
	}

	results, err := s.deliver(ctx, job.OwnerEmail, job.Messages)
	if err != nil {
		if markErr := s.repo.MarkFailed(ctx, id, err.Error()); markErr != nil {
			zlog.Logger.Error().Err(markErr).Str("id", id.String()).Msg("failed to mark job failed")
		}
		s.cacheStatus(ctx, strategy, id, model.StatusFailed)

		return err
	}

	if err := s.repo.MarkSent(ctx, id, results); err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	s.cacheStatus(ctx, strategy, id, model.StatusSent)

	return nil
}

// deliver resolves the sender's credential and attempts each message
// sequentially, preserving input order in the results. It returns an error
// only for batch-level preconditions; per-message failures land in the
// result list.
func (s *Service) deliver(ctx context.Context, owner string, messages []model.PersonalizedMessage) ([]model.DeliveryResult, error) {
	cctx, cancel := context.WithTimeout(ctx, s.credTimeout)
	defer cancel()

	cred, err := s.creds.GetByEmail(cctx, owner)
	if err != nil {
		if errors.Is(err, credential.ErrCredentialNotFound) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrNoCredential
		}

		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	transport, ok := s.transports[cred.Kind]
	if !ok {
		return nil, fmt.Errorf("no transport for credential kind %q", cred.Kind)
	}

	results := make([]model.DeliveryResult, 0, len(messages))

	for _, m := range messages {
		to := m.Recipient.Email()

		if !emailRe.MatchString(to) {
			zlog.Logger.Warn().Str("to", to).Msg("invalid recipient email, skipping")
			results = append(results, model.DeliveryResult{
				To:     to,
				Status: model.ResultSkipped,
				Reason: "invalid recipient email",
			})
			continue
		}

		if err := transport.Send(cred, owner, to, m.Subject, m.Body); err != nil {
			zlog.Logger.Error().Err(err).Str("to", to).Msg("failed to send message")
			results = append(results, model.DeliveryResult{
				To:     to,
				Status: model.ResultError,
				Reason: err.Error(),
			})
			continue
		}

		results = append(results, model.DeliveryResult{To: to, Status: model.ResultSent})
	}

	return results, nil
}

// DueJobs returns pending jobs that are due now. Used by the worker poller
// when the broker is down or late.
func (s *Service) DueJobs(ctx context.Context) ([]model.ScheduledJob, error) {
	jobs, err := s.repo.FindDue(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("find due jobs: %w", err)
	}

	return jobs, nil
}

// GetJobStatus returns a job's status, preferring the cache.
func (s *Service) GetJobStatus(ctx context.Context, strategy retry.Strategy, id uuid.UUID) (string, error) {
	status, err := s.cache.GetWithRetry(ctx, strategy, id.String())
	if err != nil && !errors.Is(err, redis.Nil) {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to get job status from cache")
	}

	if err != nil {
		status, err = s.repo.GetJobStatus(ctx, id)
		if err != nil {
			return "", fmt.Errorf("get job status: %w", err)
		}

		s.cacheStatus(ctx, strategy, id, status)
	}

	return status, nil
}

// GetJob returns the full job record including per-message results.
func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (model.ScheduledJob, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		return model.ScheduledJob{}, fmt.Errorf("get job: %w", err)
	}

	return job, nil
}

// ListJobsByOwner returns a sender's jobs for the audit surface.
func (s *Service) ListJobsByOwner(ctx context.Context, owner string) ([]model.ScheduledJob, error) {
	jobs, err := s.repo.ListJobsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	return jobs, nil
}

// Cancel marks a pending job cancelled before a worker claims it. A claimed
// job runs to completion; the race with the worker is inherent.
func (s *Service) Cancel(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error {
	if err := s.repo.CancelJob(ctx, id); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	s.cacheStatus(ctx, strategy, id, model.StatusCancelled)

	return nil
}

func (s *Service) cacheStatus(ctx context.Context, strategy retry.Strategy, id uuid.UUID, status string) {
	if err := s.cache.SetWithRetry(ctx, strategy, id.String(), status); err != nil {
		zlog.Logger.Error().Err(err).Str("id", id.String()).Msg("failed to cache job status")
	}
}
