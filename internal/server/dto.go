package server

import (
	"lotline/internal/domain"
)

// Request payloads

// SyncRequest carries one device sync cycle: the producer's queued mutations
// in the order the device recorded them.
type SyncRequest struct {
	Mutations []domain.Mutation `json:"mutations"`
}

type ResolveConflictRequest struct {
	LotID    string `json:"lot_id"`
	Strategy string `json:"strategy" enum:"server,client,merge"`
}

type AddEventRequest struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type RegisterDeviceRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type LotListResponse struct {
	Lots  []domain.Lot `json:"lots"`
	Total int          `json:"total"`
}

type DeviceKeyResponse struct {
	ID         string `json:"id"`
	ProducerID string `json:"producer_id"`
	Name       string `json:"name,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	// Key is only present in the registration response; it is never stored
	// or shown again.
	Key string `json:"key,omitempty"`
}
