package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yegors/co-atc-positions/internal/position"
	"github.com/yegors/co-atc-positions/pkg/logger"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

const positionColumns = `id, aircraft_id, latitude, longitude, altitude, ground_speed, heading,
	magnetic_heading, recorded, created, source, digest`

// SaveBatch inserts positions in a single transaction. Positions whose digest
// is already stored are skipped; the returned slice holds the ones inserted.
// Nothing is committed if any insert fails.
func (s *PositionStore) SaveBatch(ctx context.Context, positions []position.Position) ([]position.Position, error) {
	if len(positions) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO positions (`+positionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare position insert statement: %w", err)
	}
	defer stmt.Close()

	saved := make([]position.Position, 0, len(positions))
	for _, p := range positions {
		res, err := stmt.ExecContext(ctx,
			p.ID,
			p.AircraftID,
			p.Latitude,
			p.Longitude,
			p.Altitude,
			p.GroundSpeed,
			p.Heading,
			p.MagneticHeading,
			p.Recorded.UnixNano(),
			p.Created.UnixNano(),
			p.Source,
			p.Digest,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert position for %s: %w", p.AircraftID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n > 0 {
			saved = append(saved, p)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit position batch: %w", err)
	}

	s.logger.Debug("Inserted position batch",
		logger.Int("count", len(saved)),
		logger.Int("skipped", len(positions)-len(saved)))

	return saved, nil
}

// Latest returns the most recently recorded position for an aircraft
func (s *PositionStore) Latest(ctx context.Context, aircraftID string) (*position.Position, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE aircraft_id = ?
		ORDER BY recorded DESC, rowid DESC
		LIMIT 1
	`, aircraftID)

	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, position.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest position for %s: %w", aircraftID, err)
	}
	return &p, nil
}

// normalizeQuery fills defaults and rejects queries the store will not serve
func (s *PositionStore) normalizeQuery(q position.HistoryQuery) (position.HistoryQuery, error) {
	if q.AircraftID == "" {
		return q, fmt.Errorf("%w: aircraft id is required", position.ErrInvalidQuery)
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Page < 0 {
		return q, fmt.Errorf("%w: page must be >= 1", position.ErrInvalidQuery)
	}
	if q.Limit == 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit < 0 {
		return q, fmt.Errorf("%w: limit must be positive", position.ErrInvalidQuery)
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}

	horizon := s.horizon()
	if q.From.IsZero() {
		q.From = horizon
	}
	if q.To.IsZero() {
		q.To = s.now()
	}
	if q.From.After(q.To) {
		return q, position.ErrInvalidRange
	}
	if q.From.Before(horizon) {
		return q, position.ErrBeyondRetention
	}
	return q, nil
}

// History returns one page of positions with From <= recorded <= To,
// ascending by recorded.
func (s *PositionStore) History(ctx context.Context, q position.HistoryQuery) (position.HistoryPage, error) {
	q, err := s.normalizeQuery(q)
	if err != nil {
		return position.HistoryPage{}, err
	}

	from, to := q.From.UnixNano(), q.To.UnixNano()

	var total int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions
		WHERE aircraft_id = ? AND recorded >= ? AND recorded <= ?
	`, q.AircraftID, from, to).Scan(&total)
	if err != nil {
		return position.HistoryPage{}, fmt.Errorf("failed to count history: %w", err)
	}

	offset := (q.Page - 1) * q.Limit
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM positions
		WHERE aircraft_id = ? AND recorded >= ? AND recorded <= ?
		ORDER BY recorded ASC, rowid ASC
		LIMIT ? OFFSET ?
	`, q.AircraftID, from, to, q.Limit, offset)
	if err != nil {
		return position.HistoryPage{}, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	positions := make([]position.Position, 0, q.Limit)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return position.HistoryPage{}, fmt.Errorf("failed to scan history row: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return position.HistoryPage{}, fmt.Errorf("error iterating history rows: %w", err)
	}

	return position.HistoryPage{
		Positions: positions,
		Total:     total,
		Page:      q.Page,
		Limit:     q.Limit,
		HasMore:   offset+len(positions) < total,
	}, nil
}

// Count returns the number of stored positions
func (s *PositionStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count positions: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (position.Position, error) {
	var (
		p                 position.Position
		recorded, created int64
	)
	err := row.Scan(
		&p.ID,
		&p.AircraftID,
		&p.Latitude,
		&p.Longitude,
		&p.Altitude,
		&p.GroundSpeed,
		&p.Heading,
		&p.MagneticHeading,
		&recorded,
		&created,
		&p.Source,
		&p.Digest,
	)
	if err != nil {
		return position.Position{}, err
	}
	p.Recorded = time.Unix(0, recorded).UTC()
	p.Created = time.Unix(0, created).UTC()
	return p, nil
}
