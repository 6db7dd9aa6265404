package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/sagaflow/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchPending_OrdersBySeq(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()
	repo := NewOutboxRepository(sqlx.NewDb(raw, "sqlmock"))

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	cols := []string{"id", "seq", "aggregate_type", "aggregate_id", "event_type", "topic", "payload",
		"status", "processed", "retry_count", "error_reason", "created_at", "next_attempt_at", "sent_at"}

	// precedence inside an aggregate comes from seq alone, never created_at
	mock.ExpectQuery(`FROM outbox o WHERE o\.status = 'pending' .* AND p\.seq < o\.seq AND p\.next_attempt_at > \? \) ORDER BY o\.seq LIMIT \?`).
		WithArgs(now, now, 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("e1", int64(1), "saga", "s1", "ReserveInventory", "inventory.commands", []byte(`{}`),
				"pending", false, 0, nil, now.Add(time.Second), now, nil).
			AddRow("e2", int64(2), "saga", "s1", "ChargePayment", "payment.commands", []byte(`{}`),
				"pending", false, 0, nil, now.Add(-time.Second), now, nil))

	rows, err := repo.FetchPending(context.Background(), now, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "e1", rows[0].ID)
	assert.Equal(t, model.OutboxPending, rows[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
