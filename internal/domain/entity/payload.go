package entity

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// TaskPayload carries the synchronized fields of a service task.
type TaskPayload struct {
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	ClientID     string     `json:"clientId"`
	VehiclePlate string     `json:"vehiclePlate,omitempty"`
	ScheduledAt  *time.Time `json:"scheduledAt,omitempty"`
	Notes        string     `json:"notes,omitempty"`
}

// ClientPayload carries the synchronized fields of a client record.
type ClientPayload struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
}

// Checkpoint records one quality check performed during an intervention.
type Checkpoint struct {
	Label    string `json:"label"`
	Passed   bool   `json:"passed"`
	SignedBy string `json:"signedBy,omitempty"`
}

// InterventionPayload carries the synchronized fields of a PPF intervention.
type InterventionPayload struct {
	TaskID      string       `json:"taskId"`
	Kind        string       `json:"kind"`
	FilmBrand   string       `json:"filmBrand,omitempty"`
	Panels      []string     `json:"panels,omitempty"`
	Checkpoints []Checkpoint `json:"checkpoints,omitempty"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}

// PhotoPayload carries the synchronized metadata of an intervention photo.
// The binary content lives in object storage; only the reference syncs.
type PhotoPayload struct {
	InterventionID string `json:"interventionId"`
	Caption        string `json:"caption,omitempty"`
	ObjectKey      string `json:"objectKey"`
	ContentType    string `json:"contentType,omitempty"`
	SizeBytes      int64  `json:"sizeBytes,omitempty"`
}

// QuoteLine is a single priced line on a quote.
type QuoteLine struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Amount      decimal.Decimal `json:"amount"`
}

// QuotePayload carries the synchronized fields of a quote.
type QuotePayload struct {
	ClientID   string          `json:"clientId"`
	TaskID     string          `json:"taskId,omitempty"`
	Currency   string          `json:"currency"`
	Lines      []QuoteLine     `json:"lines,omitempty"`
	Total      decimal.Decimal `json:"total"`
	ValidUntil *time.Time      `json:"validUntil,omitempty"`
}

// DecodePayload rehydrates a raw payload into the typed form for its entity kind.
func DecodePayload(typ Type, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("entity: empty payload")
	}
	switch typ {
	case TypeTask:
		var payload TaskPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("entity: decode task payload: %w", err)
		}
		return payload, nil
	case TypeClient:
		var payload ClientPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("entity: decode client payload: %w", err)
		}
		return payload, nil
	case TypeIntervention:
		var payload InterventionPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("entity: decode intervention payload: %w", err)
		}
		return payload, nil
	case TypePhoto:
		var payload PhotoPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("entity: decode photo payload: %w", err)
		}
		return payload, nil
	case TypeQuote:
		var payload QuotePayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("entity: decode quote payload: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("entity: unknown type %q", typ)
	}
}

// EncodePayload serializes a typed payload for storage or transport.
func EncodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, fmt.Errorf("entity: nil payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("entity: encode payload: %w", err)
	}
	return json.RawMessage(data), nil
}
