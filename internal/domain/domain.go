package domain

import (
	"time"

	"github.com/google/uuid"

	"lotline/internal/trace"
)

const (
	StatusActive  = "active"
	StatusDeleted = "deleted"
)

// Mutation types accepted by the reconciliation endpoint.
const (
	MutationLotCreation = "lot_creation"
	MutationLotUpdate   = "lot_update"
	MutationLotDeletion = "lot_deletion"
)

// Event types written by the engine. Custom trace events (transport,
// inspection, ...) carry caller-provided type tags.
const (
	EventCreation = "creation"
	EventUpdate   = "update"
	EventDeletion = "deletion"
)

// Lot is the canonical record for a traceable harvest batch. There is exactly
// one definition of this aggregate; every layer works with it.
type Lot struct {
	ID                    string             `json:"id"`
	ProducerID            string             `json:"producer_id"`
	CropType              string             `json:"crop_type"`
	Quantity              float64            `json:"quantity"`
	Unit                  string             `json:"unit"`
	Location              string             `json:"location,omitempty"`
	Status                string             `json:"status" enum:"active,deleted"`
	TraceabilityCode      string             `json:"traceability_code"`
	HarvestDate           *time.Time         `json:"harvest_date,omitempty"`
	Certifications        []string           `json:"certifications"`
	Price                 float64            `json:"price"`
	Currency              string             `json:"currency"`
	SustainabilityMetrics map[string]float64 `json:"sustainability_metrics"`
	CreatedAt             time.Time          `json:"created_at" format:"date-time"`
	UpdatedAt             time.Time          `json:"updated_at" format:"date-time"`
	Events                []Event            `json:"events"`
}

// Event is an append-only audit entry on a lot's history. Once written it is
// never modified or removed; slice order is append order.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Timestamp   time.Time      `json:"timestamp" format:"date-time"`
}

// NewLot builds a lot skeleton for producerID stamped at the given time.
// The traceability code is derived here, once, and never recomputed.
func NewLot(producerID string, at time.Time) Lot {
	id := uuid.NewString()
	return Lot{
		ID:                    id,
		ProducerID:            producerID,
		Status:                StatusActive,
		TraceabilityCode:      trace.Code(id, at),
		Certifications:        []string{},
		SustainabilityMetrics: map[string]float64{},
		CreatedAt:             at,
		UpdatedAt:             at,
		Events:                []Event{},
	}
}

// NewEvent builds an event entry stamped at the given time.
func NewEvent(evtType, description string, metadata map[string]any, at time.Time) Event {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return Event{
		ID:          uuid.NewString(),
		Type:        evtType,
		Description: description,
		Metadata:    metadata,
		Timestamp:   at,
	}
}

// Apply sets the lot fields named in fields. Values must already be coerced to
// their canonical types (validate.Filter does that); unknown keys are ignored.
func (l *Lot) Apply(fields map[string]any) {
	for k, v := range fields {
		switch k {
		case "crop_type":
			if s, ok := v.(string); ok {
				l.CropType = s
			}
		case "quantity":
			if f, ok := v.(float64); ok {
				l.Quantity = f
			}
		case "unit":
			if s, ok := v.(string); ok {
				l.Unit = s
			}
		case "location":
			if s, ok := v.(string); ok {
				l.Location = s
			}
		case "status":
			if s, ok := v.(string); ok {
				l.Status = s
			}
		case "harvest_date":
			if t, ok := v.(time.Time); ok {
				l.HarvestDate = &t
			}
		case "certifications":
			if c, ok := v.([]string); ok {
				l.Certifications = c
			}
		case "price":
			if f, ok := v.(float64); ok {
				l.Price = f
			}
		case "currency":
			if s, ok := v.(string); ok {
				l.Currency = s
			}
		case "sustainability_metrics":
			if m, ok := v.(map[string]float64); ok {
				l.SustainabilityMetrics = m
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				l.UpdatedAt = t
			}
		}
	}
}

// Mutation is one client-queued change submitted for reconciliation.
type Mutation struct {
	Type      string         `json:"type" enum:"lot_creation,lot_update,lot_deletion"`
	LotID     string         `json:"lot_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp" format:"date-time"`
	OfflineID string         `json:"offline_id,omitempty"`
}

// SyncedItem acknowledges an applied mutation. For creations LotID carries the
// server-assigned id and OfflineID echoes the client's local identifier so the
// device can reconcile its queue.
type SyncedItem struct {
	Type      string `json:"type"`
	LotID     string `json:"lot_id"`
	OfflineID string `json:"offline_id,omitempty"`
}

// ConflictItem surfaces a stale update: the server record was modified after
// the client captured its change. Both sides are returned for caller-driven
// resolution; nothing is applied.
type ConflictItem struct {
	Type          string         `json:"type"`
	LotID         string         `json:"lot_id"`
	ServerVersion Lot            `json:"server_version"`
	ClientVersion map[string]any `json:"client_version"`
}

// FailedItem reports a mutation that could not be applied. The original item
// is echoed back so the client can re-queue it.
type FailedItem struct {
	Item   Mutation `json:"item"`
	Errors []string `json:"errors"`
}
