package newsletter

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "jane@example.com", NormalizeEmail("  Jane@Example.COM "))
	assert.Equal(t, "", NormalizeEmail("   "))
}

func TestUpsertSubscriberNormalizesEmail(t *testing.T) {
	store, mock := newMockStore(t)

	existingID := uuid.New()
	mock.ExpectQuery("INSERT INTO subscribers").
		WithArgs(sqlmock.AnyArg(), "jane@example.com", "Jane", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(existingID, time.Now()))

	sub := &Subscriber{Email: " Jane@Example.COM", Name: "Jane"}
	err := store.UpsertSubscriber(context.Background(), sub)
	require.NoError(t, err)

	// The stored row's id wins over the freshly generated one.
	assert.Equal(t, existingID, sub.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRecipientsReportsNewRows(t *testing.T) {
	store, mock := newMockStore(t)

	campaignID := uuid.New()
	listIDs := []uuid.UUID{uuid.New(), uuid.New()}

	mock.ExpectExec("INSERT INTO campaign_queue").
		WithArgs(campaignID, QueuePending, pq.Array(listIDs), MemberSubscribed).
		WillReturnResult(sqlmock.NewResult(0, 5))

	n, err := store.EnqueueRecipients(context.Background(), campaignID, listIDs)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRecipientsIdempotentRerun(t *testing.T) {
	store, mock := newMockStore(t)

	campaignID := uuid.New()
	listIDs := []uuid.UUID{uuid.New()}

	// Every (campaign, subscriber) pair already exists: ON CONFLICT DO
	// NOTHING swallows all rows and the count comes back zero.
	mock.ExpectExec("INSERT INTO campaign_queue").
		WithArgs(campaignID, QueuePending, pq.Array(listIDs), MemberSubscribed).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := store.EnqueueRecipients(context.Background(), campaignID, listIDs)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClaimQueueItem(t *testing.T) {
	store, mock := newMockStore(t)
	itemID := uuid.New()

	mock.ExpectExec("UPDATE campaign_queue SET status").
		WithArgs(QueueProcessing, itemID, QueuePending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := store.ClaimQueueItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestClaimQueueItemAlreadyTaken(t *testing.T) {
	store, mock := newMockStore(t)
	itemID := uuid.New()

	// A concurrent invocation moved the row out of pending first.
	mock.ExpectExec("UPDATE campaign_queue SET status").
		WithArgs(QueueProcessing, itemID, QueuePending).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := store.ClaimQueueItem(context.Background(), itemID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestGetCampaignMissing(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT (.+) FROM campaigns WHERE id").
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	c, err := store.GetCampaign(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestUpsertLinkClick(t *testing.T) {
	store, mock := newMockStore(t)
	campaignID := uuid.New()

	mock.ExpectExec("INSERT INTO links").
		WithArgs(sqlmock.AnyArg(), campaignID, "https://example.com/sale").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpsertLinkClick(context.Background(), campaignID, "https://example.com/sale")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
