package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/dbpg"

	"github.com/mailyaan/mailyaan/internal/model"
)

func setupMockDB(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open mock db: %v", err)
	}

	wrappedDB := &dbpg.DB{Master: db}
	repo := NewRepository(wrappedDB)

	return repo, mock
}

func testMessages(t *testing.T) ([]model.PersonalizedMessage, []byte) {
	msgs := []model.PersonalizedMessage{
		{
			Recipient: model.Recipient{"Name": "Ana", "Email": "ana@x.com"},
			Subject:   "Hi Ana",
			Body:      "<p>Hello</p>",
		},
	}

	payload, err := json.Marshal(msgs)
	require.NoError(t, err)

	return msgs, payload
}

func TestCreateJob(t *testing.T) {
	repo, mock := setupMockDB(t)

	jobID := uuid.New()
	msgs, payload := testMessages(t)

	j := model.ScheduledJob{
		OwnerEmail: "sender@example.com",
		Messages:   msgs,
		DueTime:    time.Now().Add(time.Hour),
	}

	mock.ExpectQuery(regexp.QuoteMeta(`
		INSERT INTO dispatch_jobs (
		    owner_email, messages, due_time, status
		) VALUES ($1, $2, $3, $4)
		RETURNING id;
    `)).
		WithArgs(j.OwnerEmail, payload, j.DueTime, model.StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(jobID))

	id, err := repo.CreateJob(context.Background(), j)
	assert.NoError(t, err)
	assert.Equal(t, jobID, id)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDue(t *testing.T) {
	repo, mock := setupMockDB(t)

	now := time.Now()
	_, payload := testMessages(t)
	id1, id2 := uuid.New(), uuid.New()

	rows := sqlmock.NewRows([]string{"id", "owner_email", "messages", "due_time", "status", "created_at"}).
		AddRow(id1, "a@example.com", payload, now.Add(-time.Minute), model.StatusPending, now.Add(-time.Hour)).
		AddRow(id2, "b@example.com", payload, now, model.StatusPending, now.Add(-time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(`
		SELECT id, owner_email, messages, due_time, status, created_at
		FROM dispatch_jobs
		WHERE status = 'pending' AND due_time <= $1
		ORDER BY due_time;
    `)).
		WithArgs(now).
		WillReturnRows(rows)

	jobs, err := repo.FindDue(context.Background(), now)
	assert.NoError(t, err)
	assert.Len(t, jobs, 2)
	assert.Equal(t, id1, jobs[0].ID)
	assert.Equal(t, "Hi Ana", jobs[0].Messages[0].Subject)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindDue_Empty(t *testing.T) {
	repo, mock := setupMockDB(t)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, owner_email, messages, due_time, status, created_at`)).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_email", "messages", "due_time", "status", "created_at"}))

	jobs, err := repo.FindDue(context.Background(), now)
	assert.NoError(t, err)
	assert.Empty(t, jobs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	results := []model.DeliveryResult{
		{To: "ana@x.com", Status: model.ResultSent},
		{To: "not-an-email", Status: model.ResultSkipped, Reason: "invalid recipient email"},
	}
	payload, err := json.Marshal(results)
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`
		UPDATE dispatch_jobs
		SET status = 'sent', completed_at = now(), results = $2, last_error = ''
		WHERE id = $1 AND status = 'pending';
    `)).
		WithArgs(id, payload).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.MarkSent(context.Background(), id, results)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent_TerminalIsNoOp(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	payload, err := json.Marshal([]model.DeliveryResult{})
	require.NoError(t, err)

	// No pending row matched, but the job exists in a terminal status:
	// redelivery after a crash, not an error.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dispatch_jobs`)).
		WithArgs(id, payload).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`
		SELECT status
		FROM dispatch_jobs
		WHERE id = $1;
    `)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.StatusSent))

	err = repo.MarkSent(context.Background(), id, []model.DeliveryResult{})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSent_MissingJob(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	payload, err := json.Marshal([]model.DeliveryResult(nil))
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dispatch_jobs`)).
		WithArgs(id, payload).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status`)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	err = repo.MarkSent(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`
		UPDATE dispatch_jobs
		SET status = 'failed', completed_at = now(), last_error = $2
		WHERE id = $1 AND status = 'pending';
    `)).
		WithArgs(id, "no credential").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkFailed(context.Background(), id, "no credential")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJob(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`
		UPDATE dispatch_jobs
		SET status = 'cancelled', completed_at = now()
		WHERE id = $1 AND status = 'pending';
    `)).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CancelJob(context.Background(), id)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelJob_AlreadyClaimed(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dispatch_jobs`)).
		WithArgs(id).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(model.StatusSent))

	err := repo.CancelJob(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobStatus_NotFound(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(`
		SELECT status
		FROM dispatch_jobs
		WHERE id = $1;
    `)).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	status, err := repo.GetJobStatus(context.Background(), id)
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.Equal(t, "", status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJob(t *testing.T) {
	repo, mock := setupMockDB(t)

	id := uuid.New()
	now := time.Now()
	_, payload := testMessages(t)

	results := []model.DeliveryResult{{To: "ana@x.com", Status: model.ResultSent}}
	resultsPayload, err := json.Marshal(results)
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{
		"id", "owner_email", "messages", "due_time", "status", "created_at", "completed_at", "last_error", "results",
	}).AddRow(id, "sender@example.com", payload, now, model.StatusSent, now.Add(-time.Hour), now, "", resultsPayload)

	mock.ExpectQuery(regexp.QuoteMeta(`
		SELECT id, owner_email, messages, due_time, status, created_at, completed_at, last_error, results
		FROM dispatch_jobs
		WHERE id = $1;
    `)).
		WithArgs(id).
		WillReturnRows(rows)

	j, err := repo.GetJob(context.Background(), id)
	assert.NoError(t, err)
	assert.Equal(t, id, j.ID)
	assert.Equal(t, model.StatusSent, j.Status)
	assert.Equal(t, results, j.Results)
	assert.NotNil(t, j.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}
