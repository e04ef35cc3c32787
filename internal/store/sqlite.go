package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"lotline/internal/domain"
)

// SQLite stores lot documents as JSON rows with the event log in a separate
// append-only table. Producer id, status and updated_at are denormalized into
// columns for listing queries; the document is the source of truth.
type SQLite struct {
	DB *sql.DB
}

var _ Store = SQLite{}

func (s SQLite) Get(ctx context.Context, id string) (domain.Lot, error) {
	var doc []byte
	err := s.DB.QueryRowContext(ctx, `SELECT doc FROM lots WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.Lot{}, ErrNotFound
	}
	if err != nil {
		return domain.Lot{}, err
	}
	l, err := decodeLot(doc)
	if err != nil {
		return domain.Lot{}, fmt.Errorf("decode lot %s: %w", id, err)
	}
	l.Events, err = s.loadEvents(ctx, id)
	if err != nil {
		return domain.Lot{}, err
	}
	return l, nil
}

func (s SQLite) Put(ctx context.Context, lot domain.Lot) error {
	doc, err := encodeLot(lot)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO lots(id,producer_id,status,updated_at,doc) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET producer_id=excluded.producer_id, status=excluded.status, updated_at=excluded.updated_at, doc=excluded.doc`,
		lot.ID, lot.ProducerID, lot.Status, lot.UpdatedAt.UTC().Format(time.RFC3339Nano), string(doc))
	return err
}

func (s SQLite) Update(ctx context.Context, id string, fields map[string]any) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM lots WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	merged, err := mergeDoc(doc, fields)
	if err != nil {
		return fmt.Errorf("merge lot %s: %w", id, err)
	}
	l, err := decodeLot(merged)
	if err != nil {
		return fmt.Errorf("decode merged lot %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE lots SET status=?, updated_at=?, doc=? WHERE id=?`,
		l.Status, l.UpdatedAt.UTC().Format(time.RFC3339Nano), string(merged), id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLite) AppendEvent(ctx context.Context, id string, evt domain.Event) error {
	doc, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM lots WHERE id=?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lot_events(lot_id,seq,doc)
VALUES (?, COALESCE((SELECT MAX(seq) FROM lot_events WHERE lot_id=?),0)+1, ?)`, id, id, string(doc)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLite) ListByProducer(ctx context.Context, producerID string, includeDeleted bool) ([]domain.Lot, error) {
	query := `SELECT doc FROM lots WHERE producer_id=?`
	args := []any{producerID}
	if !includeDeleted {
		query += ` AND status=?`
		args = append(args, domain.StatusActive)
	}
	query += ` ORDER BY updated_at DESC`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []domain.Lot
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		l, err := decodeLot(doc)
		if err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range lots {
		if lots[i].Events, err = s.loadEvents(ctx, lots[i].ID); err != nil {
			return nil, err
		}
	}
	return lots, nil
}

func (s SQLite) EventsAfter(ctx context.Context, limit int, after int64) ([]EventRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT rowid, lot_id, doc FROM lot_events WHERE rowid>? ORDER BY rowid LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []EventRecord
	for rows.Next() {
		var rec EventRecord
		var doc []byte
		if err := rows.Scan(&rec.ID, &rec.LotID, &doc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(doc, &rec.Event); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s SQLite) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(rowid),0) FROM lot_events`).Scan(&id)
	return id, err
}

func (s SQLite) Count(ctx context.Context) (int64, int64, error) {
	var lots, events int64
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM lots`).Scan(&lots); err != nil {
		return 0, 0, err
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM lot_events`).Scan(&events); err != nil {
		return 0, 0, err
	}
	return lots, events, nil
}

func (s SQLite) loadEvents(ctx context.Context, id string) ([]domain.Event, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT doc FROM lot_events WHERE lot_id=? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []domain.Event{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var evt domain.Event
		if err := json.Unmarshal(doc, &evt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}
