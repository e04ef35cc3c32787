// Package store provides the document-store adapter the engine writes lots
// through: get by id, full replace, partial merge, and an append-only event
// log per lot.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"lotline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Store is the adapter contract. The SQLite implementation is the
// authoritative one; Memory backs tests.
type Store interface {
	// Get returns the lot with its full event log, or ErrNotFound.
	Get(ctx context.Context, id string) (domain.Lot, error)
	// Put fully replaces (or creates) the lot document. Events carried on
	// the value are ignored; they only enter through AppendEvent.
	Put(ctx context.Context, lot domain.Lot) error
	// Update merges the given fields onto the stored document.
	Update(ctx context.Context, id string, fields map[string]any) error
	// AppendEvent appends one entry to the lot's event log atomically.
	AppendEvent(ctx context.Context, id string, evt domain.Event) error
	// ListByProducer returns the producer's lots, newest update first.
	ListByProducer(ctx context.Context, producerID string, includeDeleted bool) ([]domain.Lot, error)
	// EventsAfter returns up to limit event records with feed id > after,
	// in append order across all lots. Used by the webhook dispatcher.
	EventsAfter(ctx context.Context, limit int, after int64) ([]EventRecord, error)
	// LatestEventID returns the current tail of the event feed.
	LatestEventID(ctx context.Context) (int64, error)
	// Count reports totals for the status endpoint.
	Count(ctx context.Context) (lots, events int64, err error)
}

// EventRecord is an event paired with its position in the global append feed.
type EventRecord struct {
	ID    int64        `json:"id"`
	LotID string       `json:"lot_id"`
	Event domain.Event `json:"event"`
}

// encodeLot serializes the lot document without its events; the event log is
// stored separately so appends never rewrite the document.
func encodeLot(l domain.Lot) ([]byte, error) {
	l.Events = nil
	return json.Marshal(l)
}

func decodeLot(doc []byte) (domain.Lot, error) {
	var l domain.Lot
	if err := json.Unmarshal(doc, &l); err != nil {
		return domain.Lot{}, err
	}
	return l, nil
}

// mergeDoc applies fields onto a stored document, key by key. Field values go
// through a JSON round trip so typed values (time.Time, []string, metric
// maps) land in the document the same way Put would write them.
func mergeDoc(doc []byte, fields map[string]any) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, err
	}
	for k, v := range fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		var jv any
		if err := json.Unmarshal(b, &jv); err != nil {
			return nil, err
		}
		m[k] = jv
	}
	return json.Marshal(m)
}
