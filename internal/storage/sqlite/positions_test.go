package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

var now = time.Date(2026, 5, 10, 14, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts Options) *PositionStore {
	t.Helper()
	s, err := NewPositionStore(filepath.Join(t.TempDir(), "positions.db"), opts, logger.NewNop())
	require.NoError(t, err)
	s.now = func() time.Time { return now }
	t.Cleanup(func() { s.Close() })
	return s
}

func makePosition(id string, recorded time.Time, lat float64) position.Position {
	return position.New(position.Sample{
		AircraftID:  id,
		Latitude:    lat,
		Longitude:   -71.06,
		Altitude:    35000,
		GroundSpeed: 450,
		Heading:     90,
		Recorded:    recorded,
		Arrived:     recorded,
	}, "feed", recorded)
}

func TestSaveBatchThenLatest(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	batch := []position.Position{
		makePosition("A1", now.Add(-2*time.Second), 42.30),
		makePosition("A1", now.Add(-time.Second), 42.36),
		makePosition("B2", now.Add(-time.Second), 10),
	}
	saved, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, saved, 3)

	latest, err := s.Latest(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, batch[1].ID, latest.ID)
	assert.Equal(t, 42.36, latest.Latitude)
	assert.Equal(t, batch[1].Recorded, latest.Recorded)
	assert.Equal(t, batch[1].Digest, latest.Digest)
	assert.Equal(t, "feed", latest.Source)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSaveBatchSkipsStoredDigests(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	p := makePosition("A1", now, 42.36)
	_, err := s.SaveBatch(ctx, []position.Position{p})
	require.NoError(t, err)

	replay := makePosition("A1", now, 42.36)
	require.Equal(t, p.Digest, replay.Digest)

	saved, err := s.SaveBatch(ctx, []position.Position{replay})
	require.NoError(t, err)
	assert.Empty(t, saved)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSaveBatchEmpty(t *testing.T) {
	s := newTestStore(t, Options{})
	saved, err := s.SaveBatch(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, saved)
}

func TestLatestNotFound(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Latest(context.Background(), "NOPE")
	assert.ErrorIs(t, err, position.ErrNotFound)
}

func TestHistoryBoundsOrderAndPaging(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	// Insert out of order to check the sort
	var batch []position.Position
	for _, offset := range []int{5, 1, 4, 2, 3, 6} {
		batch = append(batch, makePosition("A1", now.Add(-time.Duration(offset)*time.Minute), 40+float64(offset)/100))
	}
	batch = append(batch, makePosition("B2", now.Add(-3*time.Minute), 10))
	_, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)

	q := position.HistoryQuery{
		AircraftID: "A1",
		From:       now.Add(-5 * time.Minute),
		To:         now.Add(-2 * time.Minute),
		Page:       1,
		Limit:      3,
	}
	page, err := s.History(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Positions, 3)
	assert.Equal(t, now.Add(-5*time.Minute), page.Positions[0].Recorded)
	assert.Equal(t, now.Add(-4*time.Minute), page.Positions[1].Recorded)
	assert.Equal(t, now.Add(-3*time.Minute), page.Positions[2].Recorded)

	q.Page = 2
	page, err = s.History(ctx, q)
	require.NoError(t, err)
	assert.False(t, page.HasMore)
	require.Len(t, page.Positions, 1)
	assert.Equal(t, now.Add(-2*time.Minute), page.Positions[0].Recorded)

	for _, p := range page.Positions {
		assert.Equal(t, "A1", p.AircraftID)
	}
}

func TestHistoryDefaults(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx := context.Background()

	_, err := s.SaveBatch(ctx, []position.Position{makePosition("A1", now.Add(-time.Hour), 42)})
	require.NoError(t, err)

	page, err := s.History(ctx, position.HistoryQuery{AircraftID: "A1"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, DefaultHistoryLimit, page.Limit)
	assert.Equal(t, 1, page.Total)

	page, err = s.History(ctx, position.HistoryQuery{AircraftID: "A1", Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, MaxHistoryLimit, page.Limit)
}

func TestHistoryRejections(t *testing.T) {
	s := newTestStore(t, Options{Retention: 90 * 24 * time.Hour})
	ctx := context.Background()

	tests := []struct {
		name  string
		query position.HistoryQuery
		want  error
	}{
		{"from after to", position.HistoryQuery{AircraftID: "A1", From: now, To: now.Add(-time.Minute)}, position.ErrInvalidRange},
		{"beyond retention", position.HistoryQuery{AircraftID: "A1", From: now.Add(-91 * 24 * time.Hour), To: now}, position.ErrBeyondRetention},
		{"missing aircraft", position.HistoryQuery{From: now.Add(-time.Hour), To: now}, position.ErrInvalidQuery},
		{"negative page", position.HistoryQuery{AircraftID: "A1", Page: -1}, position.ErrInvalidQuery},
		{"negative limit", position.HistoryQuery{AircraftID: "A1", Limit: -10}, position.ErrInvalidQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.History(ctx, tt.query)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPruneBoundary(t *testing.T) {
	retention := 90 * 24 * time.Hour
	s := newTestStore(t, Options{Retention: retention, PruneBatchSize: 1})
	ctx := context.Background()

	horizon := now.Add(-retention)
	atHorizon := makePosition("A1", horizon, 1)
	justOlder := makePosition("A1", horizon.Add(-time.Nanosecond), 2)
	muchOlder := makePosition("A1", horizon.Add(-24*time.Hour), 3)
	fresh := makePosition("A1", now, 4)

	_, err := s.SaveBatch(ctx, []position.Position{atHorizon, justOlder, muchOlder, fresh})
	require.NoError(t, err)

	res, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Deleted)
	assert.Equal(t, 2, res.Batches)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// At the horizon is still queryable
	page, err := s.History(ctx, position.HistoryQuery{AircraftID: "A1", From: horizon, To: now})
	require.NoError(t, err)
	require.Len(t, page.Positions, 2)
	assert.Equal(t, atHorizon.ID, page.Positions[0].ID)

	// Idempotent
	res, err = s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Deleted)
	assert.Equal(t, 0, res.Batches)
}

func TestPruneManyBatches(t *testing.T) {
	s := newTestStore(t, Options{Retention: 24 * time.Hour, PruneBatchSize: 10})
	ctx := context.Background()

	var batch []position.Position
	for i := 0; i < 25; i++ {
		batch = append(batch, makePosition(fmt.Sprintf("X%d", i), now.Add(-48*time.Hour), float64(i)))
	}
	_, err := s.SaveBatch(ctx, batch)
	require.NoError(t, err)

	res, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.Deleted)
	assert.Equal(t, 3, res.Batches)
}

func TestPruneHonoursCancellation(t *testing.T) {
	s := newTestStore(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Prune(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func newMockStore(t *testing.T) (*PositionStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, Options{}, logger.NewNop()), mock
}

func TestSaveBatchRollsBackOnInsertError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT OR IGNORE INTO positions")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	saved, err := s.SaveBatch(context.Background(), []position.Position{
		makePosition("A1", now, 1),
		makePosition("A1", now.Add(time.Second), 2),
	})
	require.Error(t, err)
	assert.Nil(t, saved)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchBeginFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	_, err := s.SaveBatch(context.Background(), []position.Position{makePosition("A1", now, 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to begin transaction")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveBatchCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT OR IGNORE INTO positions").
		ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("commit failed"))

	_, err := s.SaveBatch(context.Background(), []position.Position{makePosition("A1", now, 1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to commit position batch")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneRollsBackOnDeleteError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM positions").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err := s.Prune(context.Background())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
