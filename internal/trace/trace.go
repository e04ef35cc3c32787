package trace

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Code derives the scannable traceability code for a lot:
// LOT-<YYYYMMDDHHMMSS>-<first 8 chars of the id, uppercased>.
// It is computed once at creation and never recomputed.
func Code(lotID string, at time.Time) string {
	short := lotID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("LOT-%s-%s", at.UTC().Format("20060102150405"), strings.ToUpper(short))
}

// Payload is the data embedded in a lot's QR code. Rendering the image is an
// external concern; this is only the encoded content.
type Payload struct {
	LotID            string    `json:"lot_id"`
	TraceabilityCode string    `json:"traceability_code"`
	CropType         string    `json:"crop_type"`
	Quantity         string    `json:"quantity"`
	CreatedAt        time.Time `json:"created_at" format:"date-time"`
	ProducerID       string    `json:"producer_id"`
}

// NewPayload builds the QR payload for a lot.
func NewPayload(lotID, code, cropType string, quantity float64, unit string, createdAt time.Time, producerID string) Payload {
	return Payload{
		LotID:            lotID,
		TraceabilityCode: code,
		CropType:         cropType,
		Quantity:         strconv.FormatFloat(quantity, 'f', -1, 64) + " " + unit,
		CreatedAt:        createdAt,
		ProducerID:       producerID,
	}
}
