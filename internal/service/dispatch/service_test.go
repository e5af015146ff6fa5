package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/mock/gomock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/retry"

	"github.com/mailyaan/mailyaan/internal/compose"
	decision "github.com/mailyaan/mailyaan/internal/dispatch"
	"github.com/mailyaan/mailyaan/internal/model"
	mocks "github.com/mailyaan/mailyaan/internal/mocks/service/dispatch"
	"github.com/mailyaan/mailyaan/internal/repository/credential"
	"github.com/mailyaan/mailyaan/internal/rabbitmq/queue"
)

type serviceMocks struct {
	repo      *mocks.MockjobRepository
	creds     *mocks.MockcredentialRepository
	publisher *mocks.MockjobPublisher
	transport *mocks.MockTransport
	cache     *mocks.Mockcache
}

func setupService(t *testing.T) (*Service, serviceMocks) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	m := serviceMocks{
		repo:      mocks.NewMockjobRepository(ctrl),
		creds:     mocks.NewMockcredentialRepository(ctrl),
		publisher: mocks.NewMockjobPublisher(ctrl),
		transport: mocks.NewMockTransport(ctrl),
		cache:     mocks.NewMockcache(ctrl),
	}

	svc := NewService(
		m.repo,
		m.creds,
		m.publisher,
		map[string]Transport{model.CredentialSMTP: m.transport},
		nil,
		m.cache,
		decision.NewDecider(time.UTC),
		time.Second,
	)

	return svc, m
}

var smtpCred = model.Credential{
	Kind:     model.CredentialSMTP,
	SMTPHost: "smtp.example.com",
	SMTPPort: 587,
	SMTPUser: "sender@example.com",
	SMTPPass: "secret",
}

func TestSubmit_ImmediateMixedResults(t *testing.T) {
	svc, m := setupService(t)

	req := SubmitRequest{
		SenderEmail: "sender@example.com",
		Subject:     "Hi {{Name}}",
		Body:        "<p>Hello {{Name}}</p>",
		Recipients: []model.Recipient{
			{"Name": "Ana", "Email": "ana@x.com"},
			{"Name": "Bo", "Email": "not-an-email"},
			{"Name": "Cy", "Email": "cy@z.com"},
		},
	}

	m.creds.EXPECT().GetByEmail(gomock.Any(), "sender@example.com").Return(smtpCred, nil)
	m.transport.EXPECT().
		Send(smtpCred, "sender@example.com", "ana@x.com", "Hi Ana", "<p>Hello Ana</p>").
		Return(nil)
	m.transport.EXPECT().
		Send(smtpCred, "sender@example.com", "cy@z.com", "Hi Cy", "<p>Hello Cy</p>").
		Return(errors.New("smtp: 550 mailbox unavailable"))

	result, err := svc.Submit(context.Background(), retry.Strategy{}, req)
	require.NoError(t, err)
	assert.False(t, result.Scheduled)

	// One result per input message, in input order; a bad address or a
	// transport error never shortens the batch.
	require.Len(t, result.Results, 3)
	assert.Equal(t, model.DeliveryResult{To: "ana@x.com", Status: model.ResultSent}, result.Results[0])
	assert.Equal(t, model.ResultSkipped, result.Results[1].Status)
	assert.Equal(t, "not-an-email", result.Results[1].To)
	assert.Equal(t, model.ResultError, result.Results[2].Status)
	assert.Contains(t, result.Results[2].Reason, "550")
}

func TestSubmit_NoCredential(t *testing.T) {
	svc, m := setupService(t)

	req := SubmitRequest{
		SenderEmail: "sender@example.com",
		Body:        "hello",
		Recipients:  []model.Recipient{{"Email": "ana@x.com"}},
	}

	m.creds.EXPECT().
		GetByEmail(gomock.Any(), "sender@example.com").
		Return(model.Credential{}, credential.ErrCredentialNotFound)

	_, err := svc.Submit(context.Background(), retry.Strategy{}, req)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestSubmit_InvalidSender(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Submit(context.Background(), retry.Strategy{}, SubmitRequest{
		SenderEmail: "not a sender",
		Body:        "hello",
		Recipients:  []model.Recipient{{"Email": "ana@x.com"}},
	})
	assert.ErrorIs(t, err, ErrInvalidSender)
}

func TestSubmit_EmptyBatch(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Submit(context.Background(), retry.Strategy{}, SubmitRequest{
		SenderEmail: "sender@example.com",
		Body:        "hello",
	})
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSubmit_UnparsableSendAt(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.Submit(context.Background(), retry.Strategy{}, SubmitRequest{
		SenderEmail: "sender@example.com",
		Body:        "hello",
		Recipients:  []model.Recipient{{"Email": "ana@x.com"}},
		SendAt:      "next tuesday",
	})
	assert.ErrorIs(t, err, decision.ErrInvalidSendAt)
}

func TestSubmit_FutureCreatesJob(t *testing.T) {
	svc, m := setupService(t)

	jobID := uuid.New()
	strategy := retry.Strategy{Attempts: 1}
	sendAt := time.Now().Add(time.Hour).UTC().Format(time.DateTime)

	req := SubmitRequest{
		SenderEmail: "sender@example.com",
		Subject:     "Hi {{Name}}",
		Body:        "hello",
		Recipients:  []model.Recipient{{"Name": "Ana", "Email": "ana@x.com"}},
		SendAt:      sendAt,
	}

	m.repo.EXPECT().
		CreateJob(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, j model.ScheduledJob) (uuid.UUID, error) {
			assert.Equal(t, "sender@example.com", j.OwnerEmail)
			assert.Equal(t, model.StatusPending, j.Status)
			assert.Equal(t, sendAt, j.DueTime.UTC().Format(time.DateTime))
			require.Len(t, j.Messages, 1)
			assert.Equal(t, "Hi Ana", j.Messages[0].Subject)
			return jobID, nil
		})
	m.cache.EXPECT().SetWithRetry(gomock.Any(), strategy, jobID.String(), model.StatusPending).Return(nil)
	m.publisher.EXPECT().
		Publish(gomock.Any(), strategy).
		DoAndReturn(func(msg queue.JobMessage, _ retry.Strategy) error {
			assert.Equal(t, jobID, msg.ID)
			return nil
		})

	result, err := svc.Submit(context.Background(), strategy, req)
	require.NoError(t, err)
	assert.True(t, result.Scheduled)
	assert.Equal(t, jobID, result.JobID)
	assert.Empty(t, result.Results)
}

func TestSubmit_PublishFailureStillSchedules(t *testing.T) {
	svc, m := setupService(t)

	jobID := uuid.New()
	strategy := retry.Strategy{}

	req := SubmitRequest{
		SenderEmail: "sender@example.com",
		Body:        "hello",
		Recipients:  []model.Recipient{{"Email": "ana@x.com"}},
		SendAt:      time.Now().Add(time.Hour).UTC().Format(time.DateTime),
	}

	m.repo.EXPECT().CreateJob(gomock.Any(), gomock.Any()).Return(jobID, nil)
	m.cache.EXPECT().SetWithRetry(gomock.Any(), strategy, jobID.String(), model.StatusPending).Return(nil)
	m.publisher.EXPECT().Publish(gomock.Any(), strategy).Return(errors.New("broker unreachable"))

	// The job is persisted; the poller will release it. The caller still
	// gets the job id.
	result, err := svc.Submit(context.Background(), strategy, req)
	require.NoError(t, err)
	assert.True(t, result.Scheduled)
	assert.Equal(t, jobID, result.JobID)
}

func TestSubmit_OverridesReplaceOnlyTheirIndex(t *testing.T) {
	svc, m := setupService(t)

	req := SubmitRequest{
		SenderEmail: "sender@example.com",
		Subject:     "Hi {{Name}}",
		Body:        "base",
		Recipients: []model.Recipient{
			{"Name": "Ana", "Email": "ana@x.com"},
			{"Name": "Bo", "Email": "bo@y.com"},
		},
		Overrides: map[int]compose.Override{
			1: {Subject: "Custom for Bo", Body: "<p>custom</p>"},
		},
	}

	m.creds.EXPECT().GetByEmail(gomock.Any(), "sender@example.com").Return(smtpCred, nil)
	m.transport.EXPECT().Send(smtpCred, "sender@example.com", "ana@x.com", "Hi Ana", "base").Return(nil)
	m.transport.EXPECT().Send(smtpCred, "sender@example.com", "bo@y.com", "Custom for Bo", "<p>custom</p>").Return(nil)

	result, err := svc.Submit(context.Background(), retry.Strategy{}, req)
	require.NoError(t, err)
	require.Len(t, result.Results, 2)
}

func TestRunJob_Success(t *testing.T) {
	svc, m := setupService(t)

	id := uuid.New()
	strategy := retry.Strategy{}

	job := model.ScheduledJob{
		ID:         id,
		OwnerEmail: "sender@example.com",
		Status:     model.StatusPending,
		Messages: []model.PersonalizedMessage{
			{Recipient: model.Recipient{"Email": "ana@x.com"}, Subject: "s", Body: "b"},
			{Recipient: model.Recipient{"Email": "not-an-email"}, Subject: "s", Body: "b"},
		},
	}

	m.repo.EXPECT().GetJob(gomock.Any(), id).Return(job, nil)
	m.creds.EXPECT().GetByEmail(gomock.Any(), "sender@example.com").Return(smtpCred, nil)
	m.transport.EXPECT().Send(smtpCred, "sender@example.com", "ana@x.com", "s", "b").Return(nil)
	m.repo.EXPECT().
		MarkSent(gomock.Any(), id, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ uuid.UUID, results []model.DeliveryResult) error {
			require.Len(t, results, 2)
			assert.Equal(t, model.ResultSent, results[0].Status)
			assert.Equal(t, model.ResultSkipped, results[1].Status)
			return nil
		})
	m.cache.EXPECT().SetWithRetry(gomock.Any(), strategy, id.String(), model.StatusSent).Return(nil)

	err := svc.RunJob(context.Background(), strategy, id)
	assert.NoError(t, err)
}

func TestRunJob_NoCredentialFailsJob(t *testing.T) {
	svc, m := setupService(t)

	id := uuid.New()
	strategy := retry.Strategy{}

	job := model.ScheduledJob{
		ID:         id,
		OwnerEmail: "sender@example.com",
		Status:     model.StatusPending,
		Messages: []model.PersonalizedMessage{
			{Recipient: model.Recipient{"Email": "ana@x.com"}},
		},
	}

	m.repo.EXPECT().GetJob(gomock.Any(), id).Return(job, nil)
	m.creds.EXPECT().
		GetByEmail(gomock.Any(), "sender@example.com").
		Return(model.Credential{}, credential.ErrCredentialNotFound)

	// Whole-job precondition failure: no sends attempted, no per-message
	// results recorded.
	m.repo.EXPECT().MarkFailed(gomock.Any(), id, ErrNoCredential.Error()).Return(nil)
	m.cache.EXPECT().SetWithRetry(gomock.Any(), strategy, id.String(), model.StatusFailed).Return(nil)

	err := svc.RunJob(context.Background(), strategy, id)
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestRunJob_NotPendingSkips(t *testing.T) {
	svc, m := setupService(t)

	id := uuid.New()

	m.repo.EXPECT().GetJob(gomock.Any(), id).Return(model.ScheduledJob{
		ID:     id,
		Status: model.StatusCancelled,
	}, nil)

	// No credential lookup, no sends, no status writes.
	err := svc.RunJob(context.Background(), retry.Strategy{}, id)
	assert.NoError(t, err)
}

func TestGetJobStatus_CacheHit(t *testing.T) {
	svc, m := setupService(t)

	id := uuid.New()
	strategy := retry.Strategy{}

	m.cache.EXPECT().GetWithRetry(gomock.Any(), strategy, id.String()).Return(model.StatusPending, nil)

	status, err := svc.GetJobStatus(context.Background(), strategy, id)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusPending, status)
}

func TestGetJobStatus_CacheMiss(t *testing.T) {
	svc, m := setupService(t)

	id := uuid.New()
	strategy := retry.Strategy{}

	m.cache.EXPECT().GetWithRetry(gomock.Any(), strategy, id.String()).Return("", redis.Nil)
	m.repo.EXPECT().GetJobStatus(gomock.Any(), id).Return(model.StatusSent, nil)
	m.cache.EXPECT().SetWithRetry(gomock.Any(), strategy, id.String(), model.StatusSent).Return(nil)

	status, err := svc.GetJobStatus(context.Background(), strategy, id)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusSent, status)
}

func TestCancel(t *testing.T) {
	svc, m := setupService(t)

	id := uuid.New()
	strategy := retry.Strategy{}

	m.repo.EXPECT().CancelJob(gomock.Any(), id).Return(nil)
	m.cache.EXPECT().SetWithRetry(gomock.Any(), strategy, id.String(), model.StatusCancelled).Return(nil)

	err := svc.Cancel(context.Background(), strategy, id)
	assert.NoError(t, err)
}

func TestSubmit_PersonalizerFailureFallsBack(t *testing.T) {
	svc, m := setupService(t)

	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	personalizer := mocks.NewMockPersonalizer(ctrl)
	svc.personalizer = personalizer

	req := SubmitRequest{
		SenderEmail: "sender@example.com",
		Subject:     "Hi {{Name}}",
		Body:        "b",
		Recipients:  []model.Recipient{{"Name": "Ana", "Email": "ana@x.com"}},
		Prompt:      "invite to the conference",
	}

	personalizer.EXPECT().
		Personalize(gomock.Any(), req.Recipients, req.Prompt).
		Return(nil, errors.New("model unavailable"))

	m.creds.EXPECT().GetByEmail(gomock.Any(), "sender@example.com").Return(smtpCred, nil)
	// Static template expansion is used when personalization fails.
	m.transport.EXPECT().Send(smtpCred, "sender@example.com", "ana@x.com", "Hi Ana", "b").Return(nil)

	result, err := svc.Submit(context.Background(), retry.Strategy{}, req)
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, model.ResultSent, result.Results[0].Status)
}
