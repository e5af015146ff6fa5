package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/mailyaan/mailyaan/internal/model"
	"github.com/mailyaan/mailyaan/internal/rabbitmq/queue"
)

//go:generate mockgen -source=pool.go -destination=../mocks/worker/mock.go -package=mocks

type jobConsumer interface {
	Consume(out chan<- queue.JobMessage, strategy retry.Strategy) error
}

type messageHandler interface {
	HandleMessage(ctx context.Context, msg queue.JobMessage, strategy retry.Strategy)
}

type dispatchService interface {
	GetJobStatus(context.Context, retry.Strategy, uuid.UUID) (string, error)
	DueJobs(context.Context) ([]model.ScheduledJob, error)
}

// Pool runs a fixed set of workers over due-job notifications. Notifications
// arrive from two sources feeding one channel: the broker consumer and a job
// store poller. The poller keeps scheduled sends alive when the broker is
// down or a notification is lost, at the cost of occasional duplicate
// notifications, which the status re-check and conditioned store updates
// absorb.
type Pool struct {
	queue        jobConsumer
	handler      messageHandler
	service      dispatchService
	workers      int
	pollInterval time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPool(q jobConsumer, h messageHandler, s dispatchService, workers int, pollInterval time.Duration) *Pool {
	return &Pool{
		queue:        q,
		handler:      h,
		service:      s,
		workers:      workers,
		pollInterval: pollInterval,
	}
}

// Start launches the consumer, the poller and the workers. Calling Start on a
// running or stopped pool is a no-op; there is no ambient global guarding
// startup. The pool is single-use: the broker consumer blocks for the life of
// the channel and cannot be cancelled, so a stopped pool cannot be restarted.
func (p *Pool) Start(ctx context.Context, strategy retry.Strategy) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	msgChan := make(chan queue.JobMessage, p.workers*10)

	go func() {
		if err := p.queue.Consume(msgChan, strategy); err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to consume messages, relying on store polling")
		}
	}()

	p.wg.Add(1)
	go p.poll(ctx, msgChan)

	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.work(ctx, i, msgChan, strategy)
	}
}

// Stop cancels the pool's context and waits for the poller and workers to
// drain. Stop is terminal; see Start.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	zlog.Logger.Print("dispatch pool stopped")
}

func (p *Pool) work(ctx context.Context, id int, msgChan <-chan queue.JobMessage, strategy retry.Strategy) {
	defer p.wg.Done()

	zlog.Logger.Printf("worker-%d started", id)

	for {
		select {
		case <-ctx.Done():
			zlog.Logger.Printf("worker-%d shutting down", id)
			return
		case msg, ok := <-msgChan:
			if !ok {
				zlog.Logger.Printf("worker-%d channel closed, shutting down", id)
				return
			}

			status, err := p.service.GetJobStatus(ctx, strategy, msg.ID)
			if err != nil {
				zlog.Logger.Printf("failed to get status for %s: %v", msg.ID, err)
				continue
			}

			if status != model.StatusPending {
				zlog.Logger.Printf("job %s is %s, skipping", msg.ID, status)
				continue
			}

			p.handler.HandleMessage(ctx, msg, strategy)
		}
	}
}

// poll scans the job store for due pending jobs on a fixed interval and
// feeds them to the workers. Anything the broker already delivered shows up
// here as a non-pending job and is skipped by the worker.
func (p *Pool) poll(ctx context.Context, out chan<- queue.JobMessage) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jobs, err := p.service.DueJobs(ctx)
			if err != nil {
				zlog.Logger.Error().Err(err).Msg("failed to scan due jobs")
				continue
			}

			for _, j := range jobs {
				select {
				case <-ctx.Done():
					return
				case out <- queue.JobMessage{ID: j.ID, DueTime: j.DueTime}:
				}
			}
		}
	}
}
