package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mailyaan/mailyaan/internal/rabbitmq/queue"
)

//go:generate mockgen -source=handler.go -destination=../../../mocks/rabbitmq/handlers/dispatch/mock.go -package=mocks

type jobRunner interface {
	RunJob(ctx context.Context, strategy retry.Strategy, id uuid.UUID) error
}

// Handler executes a due-job notification: it waits until the job's due
// time, then hands the job id to the runner. The runner re-reads the job from
// the store, so a notification that arrives early or twice is harmless.
//
// A worker only sleeps on notifications due within maxWait. Anything farther
// out is dropped here and re-released by the store poller once due, so a
// handful of far-future jobs cannot pin the whole pool.
type Handler struct {
	runner  jobRunner
	maxWait time.Duration
}

func NewHandler(runner jobRunner, maxWait time.Duration) *Handler {
	return &Handler{runner: runner, maxWait: maxWait}
}

// HandleMessage blocks until msg.DueTime (or ctx cancellation), then runs the
// job. Release is "no earlier than due", never exact.
func (h *Handler) HandleMessage(ctx context.Context, msg queue.JobMessage, strategy retry.Strategy) {
	if delay := time.Until(msg.DueTime); delay > 0 {
		if delay > h.maxWait {
			zlog.Logger.Info().Str("id", msg.ID.String()).Time("due", msg.DueTime).Msg("job not due soon, leaving it to store polling")
			return
		}

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}

	if err := h.runner.RunJob(ctx, strategy, msg.ID); err != nil {
		zlog.Logger.Error().Err(err).Str("id", msg.ID.String()).Msg("failed to run job")
	}
}
