package newsletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var campaignCols = []string{
	"id", "name", "subject", "from_name", "from_email", "body_html", "body_text",
	"template_id", "status", "scheduled_at", "started_at", "completed_at",
	"created_at", "updated_at",
}

func campaignRow(id uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(campaignCols).AddRow(
		id, "Welcome", "Hello", "Acme", "news@acme.test", "<p>hi</p>", "hi",
		nil, status, nil, nil, nil, now, now)
}

func TestCreateCampaignValidation(t *testing.T) {
	cs := NewCampaignService(NewStore(nil))

	cases := []struct {
		name  string
		input CreateCampaignInput
		field string
	}{
		{"missing name", CreateCampaignInput{Subject: "s", BodyHTML: "<p>x</p>"}, "name"},
		{"missing subject", CreateCampaignInput{Name: "n", BodyHTML: "<p>x</p>"}, "subject"},
		{"missing body and template", CreateCampaignInput{Name: "n", Subject: "s"}, "body"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := cs.Create(context.Background(), tc.input)
			require.Error(t, err)

			var ve *ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tc.field, ve.Field)
		})
	}
}

func TestSetStatusRepeatIsNoop(t *testing.T) {
	store, mock := newMockStore(t)
	cs := NewCampaignService(store)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, CampaignDraft))

	result, err := cs.SetStatus(context.Background(), id, CampaignDraft, nil)
	require.NoError(t, err)
	assert.Equal(t, CampaignDraft, result.Status)
	assert.Equal(t, 0, result.Enqueued)
	// No further statements: the no-op must not touch the queue.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusRejectsIllegalTransition(t *testing.T) {
	store, mock := newMockStore(t)
	cs := NewCampaignService(store)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, CampaignCompleted))

	_, err := cs.SetStatus(context.Background(), id, CampaignRunning, nil)

	var transition *ErrInvalidTransition
	require.True(t, errors.As(err, &transition))
	assert.Equal(t, CampaignCompleted, transition.From)
	assert.Equal(t, CampaignRunning, transition.To)
}

func TestSetStatusScheduledNeedsFutureTime(t *testing.T) {
	store, mock := newMockStore(t)
	cs := NewCampaignService(store)
	id := uuid.New()

	past := time.Now().Add(-time.Hour)
	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, CampaignDraft))

	_, err := cs.SetStatus(context.Background(), id, CampaignScheduled, &past)
	assert.True(t, IsValidation(err))
}

func TestSetStatusRunningEnqueuesOnce(t *testing.T) {
	store, mock := newMockStore(t)
	cs := NewCampaignService(store)
	id := uuid.New()
	listID := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, CampaignDraft))
	mock.ExpectQuery("SELECT list_id FROM campaign_lists").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"list_id"}).AddRow(listID))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec("INSERT INTO campaign_queue").
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectExec("UPDATE campaigns SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := cs.SetStatus(context.Background(), id, CampaignRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, CampaignRunning, result.Status)
	assert.Equal(t, 42, result.Enqueued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusRunningSkipsEnqueueOnRepeatActivation(t *testing.T) {
	store, mock := newMockStore(t)
	cs := NewCampaignService(store)
	id := uuid.New()
	listID := uuid.New()

	// Queue rows already exist: a scheduled -> running activation after a
	// crashed run must not enqueue again.
	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, CampaignScheduled))
	mock.ExpectQuery("SELECT list_id FROM campaign_lists").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"list_id"}).AddRow(listID))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("UPDATE campaigns SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := cs.SetStatus(context.Background(), id, CampaignRunning, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Enqueued)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusRunningWithoutListsFails(t *testing.T) {
	store, mock := newMockStore(t)
	cs := NewCampaignService(store)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(campaignRow(id, CampaignDraft))
	mock.ExpectQuery("SELECT list_id FROM campaign_lists").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"list_id"}))

	_, err := cs.SetStatus(context.Background(), id, CampaignRunning, nil)
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestSetStatusMissingCampaign(t *testing.T) {
	store, mock := newMockStore(t)
	cs := NewCampaignService(store)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(campaignCols))

	_, err := cs.SetStatus(context.Background(), id, CampaignRunning, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}
