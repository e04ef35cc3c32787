package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"lotline/internal/config"
	"lotline/internal/domain"
	"lotline/internal/engine/auth"
	"lotline/internal/store"
	"lotline/internal/trace"
	"lotline/internal/validate"
)

// Engine implements the direct lot lifecycle operations. All writes go
// through the injected store adapter; Now is swappable for tests.
type Engine struct {
	Store  store.Store
	Config *config.Config
	Now    func() time.Time
}

func New(st store.Store, cfg *config.Config) Engine {
	return Engine{
		Store:  st,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// ValidationError carries the per-field messages from a rejected payload.
type ValidationError struct {
	Errors []string
}

func (v ValidationError) Error() string {
	return strings.Join(v.Errors, "; ")
}

// CreateLot validates data and persists a new lot for producerID, stamped
// with the server clock.
func (e Engine) CreateLot(ctx context.Context, producerID string, data map[string]any) (domain.Lot, error) {
	return e.CreateLotAt(ctx, producerID, data, e.now())
}

// CreateLotAt is CreateLot with an explicit creation timestamp. The
// reconciliation path uses it to preserve the client's capture time.
func (e Engine) CreateLotAt(ctx context.Context, producerID string, data map[string]any, at time.Time) (domain.Lot, error) {
	if errs := validate.Creation(data); len(errs) > 0 {
		return domain.Lot{}, ValidationError{Errors: errs}
	}
	fields, err := validate.Filter(data)
	if err != nil {
		return domain.Lot{}, ValidationError{Errors: []string{err.Error()}}
	}
	// A lot is always born active; status only changes through deletion.
	delete(fields, "status")

	lot := domain.NewLot(producerID, at)
	lot.Unit = e.Config.Producer.Defaults.Unit
	lot.Currency = e.Config.Producer.Defaults.Currency
	for _, metric := range e.Config.Sustainability.Metrics {
		lot.SustainabilityMetrics[metric] = 0
	}
	lot.Apply(fields)

	if err := e.Store.Put(ctx, lot); err != nil {
		return domain.Lot{}, err
	}
	evt := domain.NewEvent(domain.EventCreation, "lot created", map[string]any{"initial_quantity": lot.Quantity}, at)
	if err := e.Store.AppendEvent(ctx, lot.ID, evt); err != nil {
		return domain.Lot{}, err
	}
	lot.Events = append(lot.Events, evt)
	return lot, nil
}

// GetLot fetches a lot. When producerID is non-empty, ownership is enforced.
func (e Engine) GetLot(ctx context.Context, id, producerID string) (domain.Lot, error) {
	lot, err := e.Store.Get(ctx, id)
	if err != nil {
		return domain.Lot{}, err
	}
	if err := auth.CheckOwner(id, lot.ProducerID, producerID); err != nil {
		return domain.Lot{}, err
	}
	return lot, nil
}

// ListLots returns all lots owned by producerID, deleted ones filtered out
// unless asked for.
func (e Engine) ListLots(ctx context.Context, producerID string, includeDeleted bool) ([]domain.Lot, error) {
	return e.Store.ListByProducer(ctx, producerID, includeDeleted)
}

// UpdateLot merges an allow-listed payload onto the lot and records an
// update event naming the changed fields.
func (e Engine) UpdateLot(ctx context.Context, id, producerID string, data map[string]any) (domain.Lot, error) {
	cur, err := e.GetLot(ctx, id, producerID)
	if err != nil {
		return domain.Lot{}, err
	}
	_, hasCrop := data["crop_type"]
	_, hasQty := data["quantity"]
	if hasCrop || hasQty {
		merged := map[string]any{"crop_type": cur.CropType, "quantity": cur.Quantity}
		if hasCrop {
			merged["crop_type"] = data["crop_type"]
		}
		if hasQty {
			merged["quantity"] = data["quantity"]
		}
		if errs := validate.Creation(merged); len(errs) > 0 {
			return domain.Lot{}, ValidationError{Errors: errs}
		}
	}
	fields, err := validate.Filter(data)
	if err != nil {
		return domain.Lot{}, ValidationError{Errors: []string{err.Error()}}
	}
	if err := checkNoResurrection(cur, fields); err != nil {
		return domain.Lot{}, err
	}

	now := e.now()
	changed := fieldNames(fields)
	fields["updated_at"] = now
	if err := e.Store.Update(ctx, id, fields); err != nil {
		return domain.Lot{}, err
	}
	evt := domain.NewEvent(domain.EventUpdate, "lot updated", map[string]any{"updated_fields": changed}, now)
	if err := e.Store.AppendEvent(ctx, id, evt); err != nil {
		return domain.Lot{}, err
	}
	return e.Store.Get(ctx, id)
}

// DeleteLot soft-deletes the lot. Deleting an already-deleted lot is a
// no-op, never an error.
func (e Engine) DeleteLot(ctx context.Context, id, producerID string) error {
	cur, err := e.GetLot(ctx, id, producerID)
	if err != nil {
		return err
	}
	if cur.Status == domain.StatusDeleted {
		return nil
	}
	now := e.now()
	if err := e.Store.Update(ctx, id, map[string]any{"status": domain.StatusDeleted, "updated_at": now}); err != nil {
		return err
	}
	return e.Store.AppendEvent(ctx, id, domain.NewEvent(domain.EventDeletion, "lot deleted", nil, now))
}

// AddEvent appends a custom trace event (transport, inspection, ...) to the
// lot's history.
func (e Engine) AddEvent(ctx context.Context, id, producerID, evtType, description string, metadata map[string]any) (domain.Event, error) {
	if strings.TrimSpace(evtType) == "" {
		return domain.Event{}, errors.New("event type is required")
	}
	if _, err := e.GetLot(ctx, id, producerID); err != nil {
		return domain.Event{}, err
	}
	evt := domain.NewEvent(evtType, description, metadata, e.now())
	if err := e.Store.AppendEvent(ctx, id, evt); err != nil {
		return domain.Event{}, err
	}
	return evt, nil
}

// QRPayload returns the data embedded in the lot's QR code.
func (e Engine) QRPayload(ctx context.Context, id, producerID string) (trace.Payload, error) {
	lot, err := e.GetLot(ctx, id, producerID)
	if err != nil {
		return trace.Payload{}, err
	}
	return trace.NewPayload(lot.ID, lot.TraceabilityCode, lot.CropType, lot.Quantity, lot.Unit, lot.CreatedAt, lot.ProducerID), nil
}

// checkNoResurrection enforces the one legal status transition: active to
// deleted. A payload flipping a deleted lot back to active is rejected.
func checkNoResurrection(cur domain.Lot, fields map[string]any) error {
	status, ok := fields["status"].(string)
	if !ok {
		return nil
	}
	if cur.Status == domain.StatusDeleted && status == domain.StatusActive {
		return ValidationError{Errors: []string{"a deleted lot cannot be restored"}}
	}
	return nil
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
